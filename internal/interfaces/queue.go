package interfaces

import (
	"context"
	"time"
)

// BrokerMessage is one delivery from the job queue. Ack removes the
// message; Nack returns it for redelivery after the given delay. Messages
// left unacked reappear once their visibility timeout lapses.
type BrokerMessage struct {
	ID           string
	JobID        string
	ReceiveCount int
	Ack          func() error
	Nack         func(delay time.Duration) error
}

// Broker is the persistent job queue between the API and the workers.
// Delivery is at-least-once; consumers must be idempotent.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	Receive(ctx context.Context) (*BrokerMessage, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}
