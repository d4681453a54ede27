package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/models"
)

// Config tunes both pipeline passes.
type Config struct {
	RenderDPI        int
	CropPadding      int
	StripGap         int
	MaxStripHeight   int
	MatchMaxDistance int
	OCRThreads       int
	ProgressEvery    int
}

const (
	cropsDir     = "crops"
	stripsDir    = "strips"
	manifestName = "manifest.jsonl"

	// pdfTextHintLimit caps the embedded-text hint attached to image block
	// prompts.
	pdfTextHintLimit = 2000
)

// CropPass renders the source PDF one page at a time and cuts the requested
// blocks into crop files: striped types (text, table) are merged into
// marker-separated strips, image and stamp blocks are cropped individually.
// Every block also gets its own crop for retries and artifact PDFs. Each
// finished page appends one line to the on-disk manifest before its raster
// is released.
type CropPass struct {
	config Config
	logger arbor.ILogger
}

// NewCropPass creates the crop pass.
func NewCropPass(config Config, logger arbor.ILogger) *CropPass {
	return &CropPass{config: config, logger: logger}
}

// manifestLine is one page's worth of manifest, appended after the page
// raster is done with.
type manifestLine struct {
	PageIndex  int                 `json:"page_index"`
	Strips     []models.StripEntry `json:"strips,omitempty"`
	Images     []models.ImageEntry `json:"image_blocks,omitempty"`
	Degenerate []string            `json:"degenerate,omitempty"`
}

// Run executes the crop pass for a job workspace. Paths in the returned
// manifest are relative to workDir.
func (p *CropPass) Run(ctx context.Context, jobID, pdfPath string, doc *models.AnnotationDocument, workDir string) (*models.Manifest, error) {
	for _, dir := range []string{cropsDir, stripsDir} {
		if err := os.MkdirAll(filepath.Join(workDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	renderer, err := OpenRenderer(pdfPath, p.config.RenderDPI)
	if err != nil {
		return nil, err
	}
	defer renderer.Close()

	manifest := &models.Manifest{
		JobID:       jobID,
		PageCount:   renderer.PageCount(),
		TotalBlocks: len(doc.Blocks),
	}
	if len(doc.Blocks) == 0 {
		return manifest, nil
	}

	manifestFile, err := os.Create(filepath.Join(workDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}
	defer manifestFile.Close()
	encoder := json.NewEncoder(manifestFile)

	byPage := make(map[int][]models.Block)
	for _, b := range doc.Blocks {
		byPage[b.PageIndex] = append(byPage[b.PageIndex], b)
	}
	pages := make([]int, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	stripSeq := 0
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, models.Errorf(models.ErrCancelled, "crop pass interrupted: %v", err)
		}
		if page >= manifest.PageCount {
			return nil, models.Errorf(models.ErrInvalidInput,
				"block page index %d out of range (document has %d pages)", page, manifest.PageCount)
		}

		line, err := p.cropPage(renderer, page, byPage[page], workDir, &stripSeq)
		if err != nil {
			return nil, err
		}

		manifest.Strips = append(manifest.Strips, line.Strips...)
		manifest.Images = append(manifest.Images, line.Images...)
		manifest.Degenerate = append(manifest.Degenerate, line.Degenerate...)
		if err := encoder.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to append manifest line: %w", err)
		}

		p.logger.Debug().
			Str("job_id", jobID).
			Int("page", page).
			Int("strips", len(line.Strips)).
			Int("image_blocks", len(line.Images)).
			Msg("Page cropped")
	}

	return manifest, nil
}

// cropPage renders one page, writes every block crop and the page's strips,
// and returns the manifest line. The raster goes out of scope on return.
func (p *CropPass) cropPage(renderer *Renderer, page int, blocks []models.Block, workDir string, stripSeq *int) (*manifestLine, error) {
	raster, err := renderer.RenderPage(page)
	if err != nil {
		return nil, err
	}
	bounds := raster.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	line := &manifestLine{PageIndex: page}
	var striped []cropRegion
	var individual []cropRegion

	for _, b := range blocks {
		rect := b.Coords.ToPixels(width, height, p.config.CropPadding)
		if b.Coords.IsDegenerate() || rect.Empty() {
			line.Degenerate = append(line.Degenerate, b.ID)
			continue
		}

		// Per-block crop, used for verification retries and artifact PDFs.
		cropPath := filepath.Join(workDir, cropsDir, b.ID+".png")
		if err := savePNG(cropPath, cropImage(raster, rect)); err != nil {
			return nil, err
		}

		region := cropRegion{block: b, rect: rect}
		if b.Type.IsStriped() {
			striped = append(striped, region)
		} else {
			individual = append(individual, region)
		}
	}

	sort.SliceStable(striped, func(i, j int) bool {
		return striped[i].rect.Min.Y < striped[j].rect.Min.Y
	})

	for _, group := range groupStrips(striped, p.config.StripGap, p.config.MaxStripHeight) {
		*stripSeq++
		id := fmt.Sprintf("strip_%04d", *stripSeq)
		rel := filepath.Join(stripsDir, id+".png")
		if err := composeStrip(raster, group, filepath.Join(workDir, rel)); err != nil {
			return nil, err
		}

		ids := make([]string, len(group))
		for i, r := range group {
			ids[i] = r.block.ID
		}
		line.Strips = append(line.Strips, models.StripEntry{
			ID:        id,
			File:      rel,
			PageIndex: page,
			BlockIDs:  ids,
		})
	}

	pageText := ""
	if len(individual) > 0 {
		// Hint only; scanned pages legitimately have no text layer.
		if text, err := renderer.PageText(page); err == nil {
			pageText = text
			if len(pageText) > pdfTextHintLimit {
				pageText = pageText[:pdfTextHintLimit]
			}
		}
	}

	for _, r := range individual {
		line.Images = append(line.Images, models.ImageEntry{
			BlockID:   r.block.ID,
			File:      filepath.Join(cropsDir, r.block.ID+".png"),
			PageIndex: page,
			Type:      r.block.Type,
			Hint:      r.block.Hint,
			PDFText:   pageText,
		})
	}

	return line, nil
}

// LoadManifest rebuilds the aggregate manifest from the on-disk lines, for
// recovery when a workspace outlives the process that wrote it.
func LoadManifest(workDir, jobID string) (*models.Manifest, error) {
	f, err := os.Open(filepath.Join(workDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	manifest := &models.Manifest{JobID: jobID}
	decoder := json.NewDecoder(f)
	for decoder.More() {
		var line manifestLine
		if err := decoder.Decode(&line); err != nil {
			return nil, fmt.Errorf("failed to decode manifest line: %w", err)
		}
		manifest.Strips = append(manifest.Strips, line.Strips...)
		manifest.Images = append(manifest.Images, line.Images...)
		manifest.Degenerate = append(manifest.Degenerate, line.Degenerate...)
	}
	manifest.TotalBlocks = len(manifest.Degenerate)
	for _, s := range manifest.Strips {
		manifest.TotalBlocks += len(s.BlockIDs)
	}
	manifest.TotalBlocks += len(manifest.Images)
	return manifest, nil
}

// CleanupCrops removes the crop and strip directories plus the manifest
// once the job's artifacts are published.
func CleanupCrops(workDir string) {
	os.RemoveAll(filepath.Join(workDir, cropsDir))
	os.RemoveAll(filepath.Join(workDir, stripsDir))
	os.Remove(filepath.Join(workDir, manifestName))
}
