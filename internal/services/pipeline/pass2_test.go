package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

func loadPNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

func writeTestCrop(t *testing.T, workDir, rel string) {
	t.Helper()
	path := filepath.Join(workDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, savePNG(path, image.NewRGBA(image.Rect(0, 0, 10, 10))))
}

func noCheckpoint() error { return nil }

func testPassConfig() Config {
	return Config{OCRThreads: 2, MatchMaxDistance: 2}
}

func TestRecognizePassStripAndImage(t *testing.T) {
	workDir := t.TempDir()
	writeTestCrop(t, workDir, filepath.Join(stripsDir, "strip_0001.png"))
	writeTestCrop(t, workDir, filepath.Join(cropsDir, "IMG1.png"))

	manifest := &models.Manifest{
		TotalBlocks: 3,
		Strips: []models.StripEntry{{
			ID:       "strip_0001",
			File:     filepath.Join(stripsDir, "strip_0001.png"),
			BlockIDs: []string{"AAAA-AAAA-AAA", "CCCC-CCCC-CCC"},
		}},
		Images: []models.ImageEntry{{
			BlockID: "IMG1",
			File:    filepath.Join(cropsDir, "IMG1.png"),
			Type:    models.BlockTypeImage,
		}},
	}

	stripResponse := "BLOCK: AAAA-AAAA-AAA\nfirst\n\nBLOCK: CCCC-CCCC-CCC\nsecond"
	imageResponse := `{"ocr_text": "a company stamp"}`
	pass := NewRecognizePass(&responseByShape{strip: stripResponse, image: imageResponse}, testPassConfig(), arbor.NewLogger())

	job := &models.Job{ID: "job-1", DocumentName: "doc.pdf"}
	var progressCalls int
	results, err := pass.Run(context.Background(), job, nil, manifest, workDir,
		func(done, total int) { progressCalls++ }, noCheckpoint)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results["AAAA-AAAA-AAA"].Text)
	assert.Equal(t, models.OCRStatusOK, results["AAAA-AAAA-AAA"].Status)
	assert.Equal(t, "second", results["CCCC-CCCC-CCC"].Text)
	assert.Equal(t, "a company stamp", results["IMG1"].Text)
	assert.Equal(t, 2, progressCalls)
}

// responseByShape answers requests with fixed responses regardless of
// dispatch order: image-block prompts run in JSON mode, text prompts do
// not, so the mode distinguishes them.
type responseByShape struct {
	mu    sync.Mutex
	strip string
	image string
	calls int
	fail  bool
}

func (r *responseByShape) Recognize(ctx context.Context, engine string, req *interfaces.OCRRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return "", fmt.Errorf("backend unavailable")
	}
	if req.JSONMode {
		return r.image, nil
	}
	return r.strip, nil
}

func TestRecognizePassDegenerateBlocksFailWithoutCalls(t *testing.T) {
	manifest := &models.Manifest{TotalBlocks: 1, Degenerate: []string{"BAD1"}}
	rec := &responseByShape{}
	pass := NewRecognizePass(rec, testPassConfig(), arbor.NewLogger())

	results, err := pass.Run(context.Background(), &models.Job{ID: "job-1"}, nil, manifest, t.TempDir(), nil, noCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, models.OCRStatusFailed, results["BAD1"].Status)
	assert.Equal(t, 0, rec.calls)
}

func TestRecognizePassBackendFailureMarksBlocksFailed(t *testing.T) {
	workDir := t.TempDir()
	writeTestCrop(t, workDir, filepath.Join(stripsDir, "strip_0001.png"))

	manifest := &models.Manifest{
		TotalBlocks: 2,
		Strips: []models.StripEntry{{
			ID:       "strip_0001",
			File:     filepath.Join(stripsDir, "strip_0001.png"),
			BlockIDs: []string{"AAAA-AAAA-AAA", "CCCC-CCCC-CCC"},
		}},
	}

	rec := &responseByShape{fail: true}
	pass := NewRecognizePass(rec, testPassConfig(), arbor.NewLogger())

	results, err := pass.Run(context.Background(), &models.Job{ID: "job-1"}, nil, manifest, workDir, nil, noCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, models.OCRStatusFailed, results["AAAA-AAAA-AAA"].Status)
	assert.Equal(t, models.OCRStatusFailed, results["CCCC-CCCC-CCC"].Status)
}

func TestVerifyRetriesMissingBlocks(t *testing.T) {
	workDir := t.TempDir()
	writeTestCrop(t, workDir, filepath.Join(cropsDir, "AAAA-AAAA-AAA.png"))
	writeTestCrop(t, workDir, filepath.Join(cropsDir, "CCCC-CCCC-CCC.png"))

	doc := &models.AnnotationDocument{Blocks: []models.Block{
		{ID: "AAAA-AAAA-AAA", Type: models.BlockTypeText},
		{ID: "CCCC-CCCC-CCC", Type: models.BlockTypeImage},
		{ID: "DDDD-DDDD-DDD", Type: models.BlockTypeText},
	}}
	results := ResultSet{
		"AAAA-AAAA-AAA": {Status: models.OCRStatusFailed, Error: "backend unavailable"},
		"DDDD-DDDD-DDD": {Text: "already fine", Status: models.OCRStatusOK},
		// CCCC has no entry at all.
	}

	rec := &responseByShape{strip: "recovered text", image: `{"ocr_text": "recovered image"}`}
	pass := NewRecognizePass(rec, testPassConfig(), arbor.NewLogger())

	err := pass.Verify(context.Background(), &models.Job{ID: "job-1"}, nil, doc, results, workDir, noCheckpoint)
	require.NoError(t, err)

	assert.Equal(t, models.OCRStatusRetriedOK, results["AAAA-AAAA-AAA"].Status)
	assert.Equal(t, "recovered text", results["AAAA-AAAA-AAA"].Text)
	assert.Equal(t, models.OCRStatusRetriedOK, results["CCCC-CCCC-CCC"].Status)
	assert.Equal(t, "recovered image", results["CCCC-CCCC-CCC"].Text)
	// The untouched block keeps its original result.
	assert.Equal(t, models.OCRStatusOK, results["DDDD-DDDD-DDD"].Status)
	assert.Equal(t, 2, rec.calls)
}

func TestVerifyMissingCropFails(t *testing.T) {
	doc := &models.AnnotationDocument{Blocks: []models.Block{
		{ID: "AAAA-AAAA-AAA", Type: models.BlockTypeText},
	}}
	results := ResultSet{}

	rec := &responseByShape{strip: "text"}
	pass := NewRecognizePass(rec, testPassConfig(), arbor.NewLogger())

	err := pass.Verify(context.Background(), &models.Job{ID: "job-1"}, nil, doc, results, t.TempDir(), noCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, models.OCRStatusFailed, results["AAAA-AAAA-AAA"].Status)
	assert.Equal(t, 0, rec.calls)
}
