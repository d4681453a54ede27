package jobs

import (
	"bytes"
	"context"
	"io"
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
	badgerstorage "github.com/ternarybob/inkwell/internal/storage/badger"
)

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.UploadBytes(ctx, key, data, contentType)
}

func (f *fakeObjects) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := f.DownloadBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "object %s not found", key)
	}
	return data, nil
}

func (f *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjects) Stat(ctx context.Context, key string) (*interfaces.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "object %s not found", key)
	}
	return &interfaces.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeObjects) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interfaces.ObjectInfo
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, interfaces.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) DeleteBatch(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.objects, key)
	}
	return nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeBroker records published job ids.
type fakeBroker struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeBroker) Publish(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, jobID)
	return nil
}

func (f *fakeBroker) Receive(ctx context.Context) (*interfaces.BrokerMessage, error) {
	return nil, nil
}

func (f *fakeBroker) Depth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published), nil
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testService(t *testing.T, maxQueueSize int) (*Service, *fakeObjects, *fakeBroker, interfaces.StorageManager) {
	t.Helper()
	manager, err := badgerstorage.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	config := common.NewDefaultConfig()
	config.Worker.MaxQueueSize = maxQueueSize

	objects := newFakeObjects()
	broker := &fakeBroker{}
	service := NewService(manager.JobStorage(), manager.NodeStorage(), objects, broker, config, arbor.NewLogger())
	return service, objects, broker, manager
}

func testPDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := fpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func testBlocks() []byte {
	return []byte(`{"version":2,"blocks":[
		{"id":"AAAA-AAAA-AAA","block_type":"text","page_index":0,"coords_norm":[0.1,0.1,0.9,0.2],"ocr_text":null},
		{"id":"CCCC-CCCC-CCC","block_type":"image","page_index":1,"coords_norm":[0.1,0.3,0.5,0.6],"ocr_text":null}
	]}`)
}

func createTestJob(t *testing.T, s *Service, draft bool) *models.Job {
	t.Helper()
	job, err := s.Create(context.Background(), &CreateRequest{
		DocumentID:   "doc-node-1",
		DocumentName: "doc.pdf",
		TaskName:     "test task",
		Draft:        draft,
		PDF:          testPDF(t, 2),
		Blocks:       testBlocks(),
	})
	require.NoError(t, err)
	return job
}

func TestCreateUploadsInputsAndEnqueues(t *testing.T) {
	service, objects, broker, _ := testService(t, 0)

	job := createTestJob(t, service, false)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "ocr_jobs/"+job.ID, job.StoragePrefix)
	assert.Equal(t, "doc-node-1", job.DocumentID)
	assert.Equal(t, 1, broker.publishedCount())
	assert.Equal(t, 2, objects.count())

	details, err := service.GetDetails(job.ID)
	require.NoError(t, err)
	assert.Len(t, details.Files, 2)
	require.NotNil(t, details.Job.BlockStats)
	assert.Equal(t, 2, details.Job.BlockStats.Total)
	assert.Equal(t, "doc-node-1", details.Job.DocumentID)
}

func TestCreateRejectsBadInputs(t *testing.T) {
	service, _, _, _ := testService(t, 0)
	ctx := context.Background()

	_, err := service.Create(ctx, &CreateRequest{Blocks: testBlocks()})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = service.Create(ctx, &CreateRequest{PDF: testPDF(t, 2), Blocks: []byte("not json")})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	// Block on page 1 of a single-page document.
	_, err = service.Create(ctx, &CreateRequest{PDF: testPDF(t, 1), Blocks: testBlocks()})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestAdmissionRejectsWhenFull(t *testing.T) {
	service, _, _, _ := testService(t, 2)

	createTestJob(t, service, false)
	createTestJob(t, service, false)

	_, err := service.Create(context.Background(), &CreateRequest{
		DocumentName: "third.pdf",
		PDF:          testPDF(t, 2),
		Blocks:       testBlocks(),
	})
	assert.ErrorIs(t, err, models.ErrQueueFull)
}

func TestDraftDoesNotEnqueueUntilStarted(t *testing.T) {
	service, _, broker, _ := testService(t, 0)

	job := createTestJob(t, service, true)
	assert.Equal(t, models.JobStatusDraft, job.Status)
	assert.Equal(t, 0, broker.publishedCount())

	started, err := service.Start(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, started.Status)
	assert.Equal(t, 1, broker.publishedCount())
}

func TestDraftsBypassAdmission(t *testing.T) {
	service, _, _, _ := testService(t, 1)

	createTestJob(t, service, false) // fills the queue
	job := createTestJob(t, service, true)
	assert.Equal(t, models.JobStatusDraft, job.Status)

	// Starting the draft hits the full queue.
	_, err := service.Start(context.Background(), job.ID)
	assert.ErrorIs(t, err, models.ErrQueueFull)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	service, _, broker, _ := testService(t, 0)
	job := createTestJob(t, service, false)

	paused, err := service.Pause(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)

	resumed, err := service.Resume(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, resumed.Status)
	assert.Equal(t, 2, broker.publishedCount())
}

func TestRestartClearsResultArtifacts(t *testing.T) {
	service, objects, broker, manager := testService(t, 0)
	job := createTestJob(t, service, false)

	store := manager.JobStorage()
	_, err := store.ApplyEvent(job.ID, models.JobEventClaim)
	require.NoError(t, err)
	_, err = store.ApplyEvent(job.ID, models.JobEventComplete)
	require.NoError(t, err)

	resultKey := job.StoragePrefix + "/result.md"
	require.NoError(t, objects.UploadBytes(context.Background(), resultKey, []byte("# old"), "text/markdown"))
	require.NoError(t, store.AddJobFile(&models.JobFile{
		ID: "file-1", JobID: job.ID, FileType: models.JobFileTypeResultMD,
		Key: resultKey, FileName: "result.md", CreatedAt: time.Now(),
	}))

	restarted, err := service.Restart(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, restarted.Status)
	assert.Equal(t, 1, restarted.RetryCount)
	assert.Zero(t, restarted.Progress)
	assert.Equal(t, 2, broker.publishedCount())

	exists, err := objects.Exists(context.Background(), resultKey)
	require.NoError(t, err)
	assert.False(t, exists)

	files, err := store.GetJobFilesByType(job.ID, models.JobFileTypeResultMD)
	require.NoError(t, err)
	assert.Empty(t, files)

	// Inputs stay.
	files, err = store.GetJobFilesByType(job.ID, models.JobFileTypePDF, models.JobFileTypeBlocks)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestRestartRejectsActiveJob(t *testing.T) {
	service, _, _, _ := testService(t, 0)
	job := createTestJob(t, service, false)

	_, err := service.Restart(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestDeleteRemovesObjectsAndRows(t *testing.T) {
	service, objects, _, manager := testService(t, 0)
	job := createTestJob(t, service, false)
	require.Equal(t, 2, objects.count())

	require.NoError(t, service.Delete(context.Background(), job.ID))

	assert.Zero(t, objects.count())
	_, err := manager.JobStorage().GetJob(job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRename(t *testing.T) {
	service, _, _, _ := testService(t, 0)
	job := createTestJob(t, service, false)

	require.NoError(t, service.Rename(job.ID, "renamed"))
	got, err := service.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.TaskName)

	err = service.Rename(job.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestResultURLRequiresArtifact(t *testing.T) {
	service, _, _, manager := testService(t, 0)
	job := createTestJob(t, service, false)

	_, err := service.ResultURL(context.Background(), job.ID, models.JobFileTypeResultMD)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, manager.JobStorage().AddJobFile(&models.JobFile{
		ID: "file-1", JobID: job.ID, FileType: models.JobFileTypeResultMD,
		Key: job.StoragePrefix + "/result.md", FileName: "result.md", CreatedAt: time.Now(),
	}))

	url, err := service.ResultURL(context.Background(), job.ID, models.JobFileTypeResultMD)
	require.NoError(t, err)
	assert.Contains(t, url, job.ID)
}

func TestQueueStatus(t *testing.T) {
	service, _, _, _ := testService(t, 5)
	createTestJob(t, service, false)

	status, err := service.Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 0, status.Processing)
	assert.True(t, status.Accepting)
}
