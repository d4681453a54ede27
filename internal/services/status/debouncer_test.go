package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
)

// recordingStore captures progress writes; the rest of the interface is
// unused by the updater.
type recordingStore struct {
	interfaces.JobStorage

	mu     sync.Mutex
	writes []float64
}

func (r *recordingStore) UpdateProgress(id string, progress float64, statusMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, progress)
	return nil
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *recordingStore) last() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return -1
	}
	return r.writes[len(r.writes)-1]
}

func TestFirstWritePassesThrough(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), time.Hour, 0.05)
	defer u.Close()

	u.Progress("job-1", 0.01, "starting")
	assert.Equal(t, 1, store.count())
}

func TestSmallIncrementsAreCoalesced(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), time.Hour, 0.05)
	defer u.Close()

	u.Progress("job-1", 0.10, "")
	for i := 0; i < 10; i++ {
		u.Progress("job-1", 0.10+float64(i)*0.001, "")
	}

	// Only the first write went through; the rest stayed buffered.
	assert.Equal(t, 1, store.count())

	// Flush drains the newest buffered snapshot.
	u.Flush("job-1")
	require.Equal(t, 2, store.count())
	assert.InDelta(t, 0.109, store.last(), 1e-9)
}

func TestLargeProgressDeltaFlushes(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), time.Hour, 0.05)
	defer u.Close()

	u.Progress("job-1", 0.10, "")
	u.Progress("job-1", 0.20, "") // jump >= 0.05
	assert.Equal(t, 2, store.count())
}

func TestIntervalElapsedFlushes(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), 20*time.Millisecond, 0.5)
	defer u.Close()

	u.Progress("job-1", 0.10, "")
	time.Sleep(30 * time.Millisecond)
	u.Progress("job-1", 0.11, "")
	assert.Equal(t, 2, store.count())
}

func TestTickerDrainsPending(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), 20*time.Millisecond, 0.5)
	defer u.Close()

	u.Progress("job-1", 0.10, "")
	u.Progress("job-1", 0.11, "") // buffered

	require.Eventually(t, func() bool {
		return store.count() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.11, store.last(), 1e-9)
}

func TestFlushWithoutPendingIsNoop(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), time.Hour, 0.05)
	defer u.Close()

	u.Flush("job-1")
	assert.Equal(t, 0, store.count())
}

func TestCloseDrains(t *testing.T) {
	store := &recordingStore{}
	u := NewUpdater(store, arbor.NewLogger(), time.Hour, 0.05)

	u.Progress("job-1", 0.10, "")
	u.Progress("job-1", 0.12, "") // buffered

	u.Close()
	assert.Equal(t, 2, store.count())
}
