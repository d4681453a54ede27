package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/ocr"
)

// BlockResult is the recognition outcome for one requested block.
type BlockResult struct {
	Text   string
	Status models.OCRStatus
	Error  string
}

// ResultSet maps block id to its recognition outcome. Blocks with no entry
// have not produced any result yet; verification picks them up.
type ResultSet map[string]*BlockResult

// ProgressFunc receives completion counts as recognition units finish.
type ProgressFunc func(completed, total int)

// CheckpointFunc is consulted between recognition units; a non-nil error
// stops the pass. Pause and cancel requests surface here.
type CheckpointFunc func() error

// Recognizer dispatches one recognition request; satisfied by
// *ocr.Dispatcher.
type Recognizer interface {
	Recognize(ctx context.Context, engine string, req *interfaces.OCRRequest) (string, error)
}

// RecognizePass streams the manifest through a bounded worker pool: strips
// go out with the batch marker prompt and are split back per block, image
// crops go out individually with the templated image prompt.
type RecognizePass struct {
	dispatcher Recognizer
	config     Config
	logger     arbor.ILogger
}

// NewRecognizePass creates the recognition pass.
func NewRecognizePass(dispatcher Recognizer, config Config, logger arbor.ILogger) *RecognizePass {
	return &RecognizePass{dispatcher: dispatcher, config: config, logger: logger}
}

// Run dispatches every manifest unit and collects per-block results.
// Backend failures mark the unit's blocks failed rather than aborting the
// job; verification retries them one by one.
func (p *RecognizePass) Run(ctx context.Context, job *models.Job, settings *models.JobSettings,
	manifest *models.Manifest, workDir string, progress ProgressFunc, checkpoint CheckpointFunc) (ResultSet, error) {

	results := make(ResultSet, manifest.TotalBlocks)
	var mu sync.Mutex

	for _, id := range manifest.Degenerate {
		results[id] = &BlockResult{Status: models.OCRStatusFailed, Error: "degenerate block region"}
	}

	total := manifest.UnitCount()
	if total == 0 {
		return results, nil
	}

	threads := p.config.OCRThreads
	if threads <= 0 {
		threads = 2
	}

	completed := 0
	finishUnit := func(apply func()) {
		mu.Lock()
		apply()
		completed++
		done := completed
		mu.Unlock()
		if progress != nil {
			progress(done, total)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(threads)

	for _, strip := range manifest.Strips {
		group.Go(func() error {
			if err := checkpoint(); err != nil {
				return err
			}
			texts, err := p.recognizeStrip(groupCtx, job, settings, strip, workDir)
			finishUnit(func() {
				for id, text := range texts {
					if text == "" {
						continue
					}
					results[id] = &BlockResult{Text: text, Status: models.OCRStatusOK}
				}
				if err != nil {
					for _, id := range strip.BlockIDs {
						if _, ok := results[id]; !ok {
							results[id] = &BlockResult{Status: models.OCRStatusFailed, Error: err.Error()}
						}
					}
				}
			})
			return nil
		})
	}

	for _, entry := range manifest.Images {
		group.Go(func() error {
			if err := checkpoint(); err != nil {
				return err
			}
			text, err := p.recognizeImage(groupCtx, job, settings, entry, workDir)
			finishUnit(func() {
				if err != nil {
					results[entry.BlockID] = &BlockResult{Status: models.OCRStatusFailed, Error: err.Error()}
					return
				}
				results[entry.BlockID] = &BlockResult{Text: text, Status: models.OCRStatusOK}
			})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (p *RecognizePass) recognizeStrip(ctx context.Context, job *models.Job, settings *models.JobSettings,
	strip models.StripEntry, workDir string) (map[string]string, error) {

	image, err := os.ReadFile(filepath.Join(workDir, strip.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read strip %s: %w", strip.ID, err)
	}

	prompts := ocr.BuildStripPrompt(strip.BlockIDs)
	response, err := p.dispatcher.Recognize(ctx, job.Engine, &interfaces.OCRRequest{
		Image:      image,
		System:     prompts.System,
		Prompt:     prompts.User,
		Model:      settings.ModelFor(models.BlockTypeText),
		JSONMode:   prompts.WantsJSON(),
		BlockCount: len(strip.BlockIDs),
	})
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("strip", strip.ID).
			Msg("Strip recognition failed")
		return nil, err
	}

	return ocr.ParseBatchResponse(strip.BlockIDs, response, p.config.MatchMaxDistance), nil
}

func (p *RecognizePass) recognizeImage(ctx context.Context, job *models.Job, settings *models.JobSettings,
	entry models.ImageEntry, workDir string) (string, error) {

	image, err := os.ReadFile(filepath.Join(workDir, entry.File))
	if err != nil {
		return "", fmt.Errorf("failed to read crop %s: %w", entry.BlockID, err)
	}

	prompts := ocr.FillImagePrompt(ocr.PromptPair{}, ocr.ImagePromptVars{
		DocName:   job.DocumentName,
		PageIndex: entry.PageIndex,
		BlockID:   entry.BlockID,
		Hint:      entry.Hint,
		PDFText:   entry.PDFText,
	})

	response, err := p.dispatcher.Recognize(ctx, job.Engine, &interfaces.OCRRequest{
		Image:      image,
		System:     prompts.System,
		Prompt:     prompts.User,
		Model:      settings.ModelFor(entry.Type),
		JSONMode:   prompts.WantsJSON(),
		BlockCount: 1,
	})
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("block_id", entry.BlockID).
			Msg("Image recognition failed")
		return "", err
	}
	return extractOCRText(response), nil
}

// extractOCRText unwraps JSON-mode image responses, which carry the text in
// an ocr_text field. Plain responses pass through.
func extractOCRText(response string) string {
	var parsed struct {
		OCRText string `json:"ocr_text"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err == nil && parsed.OCRText != "" {
		return parsed.OCRText
	}
	return response
}
