package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/ocr"
)

// Verify re-issues a single-block recognition call for every requested
// block that produced no result or failed during the recognition pass.
// Each block is retried once with its own crop and its type's prompt; the
// verification phase itself is not retried. Results gain status retried-ok
// on success, failed otherwise.
func (p *RecognizePass) Verify(ctx context.Context, job *models.Job, settings *models.JobSettings,
	doc *models.AnnotationDocument, results ResultSet, workDir string, checkpoint CheckpointFunc) error {

	var missing []models.Block
	for _, b := range doc.Blocks {
		result, ok := results[b.ID]
		if !ok || result.Status == models.OCRStatusFailed {
			missing = append(missing, b)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	p.logger.Info().
		Str("job_id", job.ID).
		Int("missing", len(missing)).
		Msg("Verification retrying missing blocks")

	for _, block := range missing {
		if err := checkpoint(); err != nil {
			return err
		}

		text, err := p.retryBlock(ctx, job, settings, block, workDir)
		if err != nil {
			results[block.ID] = &BlockResult{Status: models.OCRStatusFailed, Error: err.Error()}
			p.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("block_id", block.ID).
				Msg("Verification retry failed")
			continue
		}
		results[block.ID] = &BlockResult{Text: text, Status: models.OCRStatusRetriedOK}
	}
	return nil
}

func (p *RecognizePass) retryBlock(ctx context.Context, job *models.Job, settings *models.JobSettings,
	block models.Block, workDir string) (string, error) {

	image, err := os.ReadFile(filepath.Join(workDir, cropsDir, block.ID+".png"))
	if err != nil {
		return "", models.Errorf(models.ErrNotFound, "no crop for block %s", block.ID)
	}

	var prompts ocr.PromptPair
	if block.Type.IsStriped() {
		prompts = ocr.BuildStripPrompt([]string{block.ID})
	} else {
		prompts = ocr.FillImagePrompt(ocr.PromptPair{}, ocr.ImagePromptVars{
			DocName:   job.DocumentName,
			PageIndex: block.PageIndex,
			BlockID:   block.ID,
			Hint:      block.Hint,
		})
	}

	response, err := p.dispatcher.Recognize(ctx, job.Engine, &interfaces.OCRRequest{
		Image:      image,
		System:     prompts.System,
		Prompt:     prompts.User,
		Model:      settings.ModelFor(block.Type),
		JSONMode:   prompts.WantsJSON(),
		BlockCount: 1,
	})
	if err != nil {
		return "", err
	}
	if block.Type.IsStriped() {
		return ocr.StripMarkers(response), nil
	}
	return extractOCRText(response), nil
}
