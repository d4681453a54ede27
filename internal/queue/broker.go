// Package queue implements the persistent job broker on top of BadgerDB.
//
// Messages are stored under queue:{name}:msg:{id} with a visibility index
// at queue:{name}:index:{20-digit-unixnano}:{id}. The zero-padded timestamp
// makes lexicographic iteration order equal delivery order, so receiving is
// a prefix scan that stops at the first future entry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
)

// queueMessage is the wire format stored in Badger.
type queueMessage struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Broker is a Badger-backed at-least-once queue. Received messages become
// invisible for the visibility timeout; unacked messages reappear after it
// lapses, and messages received more than maxReceive times are dropped as
// poison pills.
type Broker struct {
	db                *badger.DB
	logger            arbor.ILogger
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewBroker creates a broker over an existing Badger database.
func NewBroker(db *badger.DB, logger arbor.ILogger, queueName string, visibilityTimeout time.Duration, maxReceive int) (*Broker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}
	return &Broker{
		db:                db,
		logger:            logger,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Publish enqueues a job id for processing.
func (b *Broker) Publish(ctx context.Context, jobID string) error {
	msg := queueMessage{
		ID:         uuid.New().String(),
		JobID:      jobID,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(b.msgKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(msg.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	b.logger.Debug().Str("job_id", jobID).Str("message_id", msg.ID).Msg("Message enqueued")
	return nil
}

// Receive pulls the next visible message. Returns nil when the queue has
// nothing ready.
func (b *Broker) Receive(ctx context.Context) (*interfaces.BrokerMessage, error) {
	for {
		var claimed queueMessage
		removed := 0

		// Poison drops and orphan cleanup must commit even when the scan
		// claims nothing, so an empty pass that removed entries returns nil
		// here and rescans in a fresh transaction.
		err := b.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			prefix := b.indexPrefix()
			it := txn.NewIterator(opts)
			defer it.Close()

			now := time.Now()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				ts, id, err := b.parseIndexKey(key)
				if err != nil {
					continue
				}
				if ts.After(now) {
					// Index order equals visibility order; nothing later is
					// ready either.
					break
				}

				item, err := txn.Get(b.msgKey(id))
				if err != nil {
					if err == badger.ErrKeyNotFound {
						// Orphaned index entry.
						if derr := txn.Delete(key); derr != nil {
							return derr
						}
						removed++
						continue
					}
					return err
				}

				var msg queueMessage
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &msg)
				}); err != nil {
					return err
				}

				if msg.ReceiveCount >= b.maxReceive {
					b.logger.Warn().
						Str("job_id", msg.JobID).
						Int("receive_count", msg.ReceiveCount).
						Msg("Dropping poison message")
					if err := txn.Delete(key); err != nil {
						return err
					}
					if err := txn.Delete(b.msgKey(id)); err != nil {
						return err
					}
					removed++
					continue
				}

				msg.ReceiveCount++
				msg.VisibleAt = now.Add(b.visibilityTimeout)

				data, err := json.Marshal(msg)
				if err != nil {
					return err
				}
				if err := txn.Set(b.msgKey(id), data); err != nil {
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Set(b.indexKey(msg.VisibleAt, id), []byte{}); err != nil {
					return err
				}

				claimed = msg
				return nil
			}
			if removed > 0 {
				return nil
			}
			return errNoMessage
		})

		if err == errNoMessage {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}
		if claimed.ID == "" {
			// Cleanup-only pass; scan again.
			continue
		}

		id := claimed.ID
		return &interfaces.BrokerMessage{
			ID:           id,
			JobID:        claimed.JobID,
			ReceiveCount: claimed.ReceiveCount,
			Ack:          func() error { return b.delete(id) },
			Nack:         func(delay time.Duration) error { return b.reschedule(id, delay) },
		}, nil
	}
}

// Depth counts messages currently in the queue, visible or in flight.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", b.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Close is a no-op; the database is owned by the storage manager.
func (b *Broker) Close() error {
	return nil
}

var errNoMessage = errors.New("no messages in queue")

// delete removes a message and its index entry.
func (b *Broker) delete(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		msg, err := b.load(txn, id)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // already acked
			}
			return err
		}
		if err := txn.Delete(b.indexKey(msg.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Delete(b.msgKey(id))
	})
}

// reschedule makes a message visible again after the given delay.
func (b *Broker) reschedule(id string, delay time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		msg, err := b.load(txn, id)
		if err != nil {
			return err
		}
		oldIndex := b.indexKey(msg.VisibleAt, id)
		msg.VisibleAt = time.Now().Add(delay)

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(b.msgKey(id), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndex); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(b.indexKey(msg.VisibleAt, id), []byte{})
	})
}

func (b *Broker) load(txn *badger.Txn, id string) (*queueMessage, error) {
	item, err := txn.Get(b.msgKey(id))
	if err != nil {
		return nil, err
	}
	var msg queueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Broker) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", b.queueName, id))
}

func (b *Broker) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", b.queueName))
}

func (b *Broker) indexKey(visibleAt time.Time, id string) []byte {
	// Zero-padded to 20 digits so lexicographic order equals numeric order.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", b.queueName, visibleAt.UnixNano(), id))
}

func (b *Broker) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := b.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key")
	}
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digits, colon, at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
