package worker

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/artifacts"
	"github.com/ternarybob/inkwell/internal/services/pipeline"
	"github.com/ternarybob/inkwell/internal/services/status"
	badgerstorage "github.com/ternarybob/inkwell/internal/storage/badger"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: make(map[string][]byte)} }

func (m *memObjects) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.UploadBytes(ctx, key, data, contentType)
}

func (m *memObjects) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := m.DownloadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "object %s not found", key)
	}
	return data, nil
}

func (m *memObjects) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjects) Stat(ctx context.Context, key string) (*interfaces.ObjectInfo, error) {
	data, err := m.DownloadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return &interfaces.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memObjects) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []interfaces.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, interfaces.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) DeleteBatch(ctx context.Context, keys []string) error {
	for _, key := range keys {
		m.Delete(ctx, key)
	}
	return nil
}

func (m *memObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

// markerRecognizer answers strip requests by echoing every requested
// marker with fixed text, and image requests with a JSON body.
type markerRecognizer struct{}

func (markerRecognizer) Recognize(ctx context.Context, engine string, req *interfaces.OCRRequest) (string, error) {
	if req.JSONMode {
		return `{"ocr_text": "an illustration"}`, nil
	}
	// The user prompt enumerates the response format; the member ids are
	// embedded in the prompt only for multi-block strips, so single-block
	// requests return plain text.
	if req.BlockCount <= 1 {
		return "plain block text", nil
	}
	return "BLOCK: AAAA-BBBB-001\nfirst block text\n\nBLOCK: AAAA-BBBB-002\nsecond block text\n", nil
}

func workerPDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := fpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "", 12)
		pdf.Cell(40, 10, "page content")
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

const workerBlocksJSON = `{"version":2,"blocks":[
	{"id":"AAAA-BBBB-001","block_type":"text","page_index":0,"coords_norm":[0.1,0.05,0.9,0.12],"ocr_text":null},
	{"id":"AAAA-BBBB-002","block_type":"text","page_index":0,"coords_norm":[0.1,0.13,0.9,0.20],"ocr_text":null},
	{"id":"AAAA-BBBB-003","block_type":"image","page_index":1,"coords_norm":[0.2,0.2,0.6,0.5],"ocr_text":null}
]}`

func testRunner(t *testing.T) (*Runner, interfaces.JobStorage, *memObjects) {
	t.Helper()
	manager, err := badgerstorage.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	config := common.NewDefaultConfig()
	config.Worker.WorkDir = t.TempDir()
	config.Pipeline.RenderDPI = 72 // keep test rasters small

	logger := arbor.NewLogger()
	objects := newMemObjects()
	jobs := manager.JobStorage()

	pipeConfig := pipeline.Config{
		RenderDPI:        config.Pipeline.RenderDPI,
		CropPadding:      config.Pipeline.CropPadding,
		StripGap:         config.Pipeline.StripGap,
		MaxStripHeight:   config.Pipeline.MaxStripHeight,
		MatchMaxDistance: config.Pipeline.MatchMaxDistance,
		OCRThreads:       config.Worker.OCRThreadsPerJob,
	}

	updater := status.NewUpdater(jobs, logger, 10*time.Millisecond, 0.01)
	t.Cleanup(updater.Close)

	runner := NewRunner(
		jobs,
		objects,
		nil, // broker unused when executing directly
		updater,
		pipeline.NewCropPass(pipeConfig, logger),
		pipeline.NewRecognizePass(markerRecognizer{}, pipeConfig, logger),
		artifacts.NewBuilder(jobs, manager.NodeStorage(), objects, logger),
		config,
		logger,
	)
	return runner, jobs, objects
}

func seedJob(t *testing.T, jobs interfaces.JobStorage, objects *memObjects) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		ID:            "job-1",
		DocumentName:  "doc.pdf",
		Status:        models.JobStatusQueued,
		StoragePrefix: "ocr_jobs/job-1",
	}
	require.NoError(t, jobs.CreateJob(job))
	require.NoError(t, objects.UploadBytes(ctx, path.Join(job.StoragePrefix, "source.pdf"), workerPDF(t, 2), "application/pdf"))
	require.NoError(t, objects.UploadBytes(ctx, path.Join(job.StoragePrefix, "blocks.json"), []byte(workerBlocksJSON), "application/json"))
	return job
}

func TestExecuteHappyPath(t *testing.T) {
	runner, jobs, objects := testRunner(t)
	job := seedJob(t, jobs, objects)

	claimed, err := jobs.Claim(job.ID, 4)
	require.NoError(t, err)

	transient := runner.execute(context.Background(), claimed)
	assert.False(t, transient)

	final, err := jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, final.Status)
	assert.Equal(t, 1.0, final.Progress)

	ctx := context.Background()
	for _, name := range []string{"result.md", "annotation.json", "result.html", "result.zip"} {
		exists, err := objects.Exists(ctx, path.Join(job.StoragePrefix, name))
		require.NoError(t, err)
		assert.True(t, exists, name)
	}

	annotation, err := objects.DownloadBytes(ctx, path.Join(job.StoragePrefix, "annotation.json"))
	require.NoError(t, err)
	doc, err := models.ParseAnnotation(annotation)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 3)
	for _, b := range doc.Blocks {
		require.NotNil(t, b.OCRText, b.ID)
		assert.NotEmpty(t, *b.OCRText, b.ID)
	}

	markdown, err := objects.DownloadBytes(ctx, path.Join(job.StoragePrefix, "result.md"))
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "first block text")
	assert.Contains(t, string(markdown), "second block text")
	assert.Contains(t, string(markdown), "an illustration")
}

func TestExecuteMissingInputsFailsJob(t *testing.T) {
	runner, jobs, _ := testRunner(t)
	job := &models.Job{
		ID:            "job-2",
		Status:        models.JobStatusQueued,
		StoragePrefix: "ocr_jobs/job-2",
	}
	require.NoError(t, jobs.CreateJob(job))

	claimed, err := jobs.Claim(job.ID, 4)
	require.NoError(t, err)

	transient := runner.execute(context.Background(), claimed)
	// Missing inputs surface as storage trouble; the job goes back to the
	// queue for a later redelivery.
	assert.True(t, transient)

	final, err := jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, final.Status)
}

func TestCheckpointReflectsJobState(t *testing.T) {
	runner, jobs, objects := testRunner(t)
	job := seedJob(t, jobs, objects)
	_, err := jobs.Claim(job.ID, 4)
	require.NoError(t, err)

	checkpoint := runner.checkpointFor(job.ID)
	assert.NoError(t, checkpoint())

	_, err = jobs.ApplyEvent(job.ID, models.JobEventPause)
	require.NoError(t, err)
	assert.ErrorIs(t, checkpoint(), errPauseRequested)

	require.NoError(t, jobs.DeleteJob(job.ID))
	assert.ErrorIs(t, checkpoint(), errJobGone)
}

func TestSweeperFailsStaleJobs(t *testing.T) {
	_, jobs, _ := testRunner(t)

	job := &models.Job{ID: "stale-1", Status: models.JobStatusQueued}
	require.NoError(t, jobs.CreateJob(job))
	_, err := jobs.Claim(job.ID, 4)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	sweeper := NewSweeper(jobs, time.Millisecond, arbor.NewLogger())
	sweeper.Sweep()

	final, err := jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}
