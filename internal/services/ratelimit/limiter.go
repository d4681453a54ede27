// Package ratelimit bounds outbound OCR requests with a token bucket and
// concurrency slots.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ternarybob/inkwell/internal/models"
)

// Global caps in-flight OCR requests across every backend and job in the
// process.
type Global struct {
	sem *semaphore.Weighted
}

// NewGlobal creates the process-wide concurrency cap.
func NewGlobal(maxRequests int) *Global {
	if maxRequests <= 0 {
		maxRequests = 8
	}
	return &Global{sem: semaphore.NewWeighted(int64(maxRequests))}
}

// Limiter guards one backend: requests per minute plus a concurrency cap,
// both layered under the global cap.
type Limiter struct {
	bucket  *rate.Limiter
	slots   *semaphore.Weighted
	global  *Global
	timeout time.Duration
}

// Config bounds one backend.
type Config struct {
	MaxRPM         int           // 0 disables the token bucket
	MaxConcurrent  int           // 0 disables the per-backend slot cap
	AcquireTimeout time.Duration // 0 means 5 minutes
}

// New creates a limiter. global may be shared between limiters and nil
// disables the global layer.
func New(config Config, global *Global) *Limiter {
	l := &Limiter{global: global, timeout: config.AcquireTimeout}
	if l.timeout <= 0 {
		l.timeout = 5 * time.Minute
	}
	if config.MaxRPM > 0 {
		// Refill spread across the minute; burst allows the full minute
		// budget after idle periods.
		l.bucket = rate.NewLimiter(rate.Limit(float64(config.MaxRPM)/60.0), config.MaxRPM)
	}
	if config.MaxConcurrent > 0 {
		l.slots = semaphore.NewWeighted(int64(config.MaxConcurrent))
	}
	return l
}

// Acquire blocks until a slot and a token are available, or the timeout
// elapses. The token is consumed permanently; Release returns only the
// slots.
func (l *Limiter) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	// Slot first, matching release order; a token is only spent once the
	// request is actually going out.
	if l.slots != nil {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return l.acquireError(ctx, err)
		}
	}
	if l.global != nil {
		if err := l.global.sem.Acquire(ctx, 1); err != nil {
			if l.slots != nil {
				l.slots.Release(1)
			}
			return l.acquireError(ctx, err)
		}
	}
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			if l.global != nil {
				l.global.sem.Release(1)
			}
			if l.slots != nil {
				l.slots.Release(1)
			}
			// Wait fails fast when the refill cannot happen before the
			// deadline; treat that the same as timing out.
			if ctx.Err() == context.Canceled {
				return models.Errorf(models.ErrCancelled, "rate limit acquire cancelled")
			}
			return models.Errorf(models.ErrBackendRateLimited, "token bucket exhausted: %v", err)
		}
	}
	return nil
}

// Release returns the concurrency slots taken by Acquire.
func (l *Limiter) Release() {
	if l.global != nil {
		l.global.sem.Release(1)
	}
	if l.slots != nil {
		l.slots.Release(1)
	}
}

func (l *Limiter) acquireError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return models.Errorf(models.ErrBackendRateLimited, "rate limit acquire timed out after %s", l.timeout)
	}
	if ctx.Err() == context.Canceled {
		return models.Errorf(models.ErrCancelled, "rate limit acquire cancelled")
	}
	return err
}
