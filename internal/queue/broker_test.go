package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestBroker(t *testing.T, visibility time.Duration, maxReceive int) *Broker {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	broker, err := NewBroker(db, arbor.NewLogger(), "test_jobs", visibility, maxReceive)
	require.NoError(t, err)
	return broker
}

func TestPublishReceiveAck(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "job-1"))

	depth, err := broker.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, 1, msg.ReceiveCount)

	// In flight: not redelivered before the visibility timeout.
	again, err := broker.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, msg.Ack())
	depth, err = broker.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// Ack is idempotent.
	require.NoError(t, msg.Ack())
}

func TestReceiveOrderIsFIFO(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "first"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, broker.Publish(ctx, "second"))

	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "first", msg.JobID)

	msg, err = broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.JobID)
}

func TestNackRedelivers(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "job-1"))

	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, msg.Nack(0))

	redelivered, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "job-1", redelivered.JobID)
	assert.Equal(t, 2, redelivered.ReceiveCount)
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	broker := newTestBroker(t, 20*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "job-1"))

	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Consumer crashes without acking; the message reappears.
	time.Sleep(40 * time.Millisecond)
	redelivered, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "job-1", redelivered.JobID)
}

func TestPoisonMessageDropped(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 2)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "job-1"))

	for i := 0; i < 2; i++ {
		msg, err := broker.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, msg.Nack(0))
	}

	// Third receive sees the exhausted message and drops it.
	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)

	depth, err := broker.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPoisonDropDoesNotBlockNextMessage(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 1)
	ctx := context.Background()

	require.NoError(t, broker.Publish(ctx, "poison"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, broker.Publish(ctx, "healthy"))

	msg, err := broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "poison", msg.JobID)
	require.NoError(t, msg.Nack(0))

	// The exhausted message is removed and the one behind it is delivered.
	msg, err = broker.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "healthy", msg.JobID)

	require.NoError(t, msg.Ack())
	depth, err := broker.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestEmptyQueue(t *testing.T) {
	broker := newTestBroker(t, time.Minute, 3)

	msg, err := broker.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}
