package ocr

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/ratelimit"
)

// Engine names accepted on jobs. EngineBackendA is the default.
const (
	EngineBackendA = "backend_a"
	EngineBackendB = "backend_b"
)

type backendEntry struct {
	backend interfaces.OCRBackend
	limiter *ratelimit.Limiter
}

// Dispatcher routes recognition requests to the backend selected by the
// job's engine, holding a rate-limit slot for the duration of each call.
type Dispatcher struct {
	backends map[string]backendEntry
	logger   arbor.ILogger
}

// NewDispatcher creates an empty dispatcher; backends are attached with
// Register.
func NewDispatcher(logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		backends: make(map[string]backendEntry),
		logger:   logger,
	}
}

// Register attaches a backend under its name. limiter may be nil for
// backends without outbound limits.
func (d *Dispatcher) Register(backend interfaces.OCRBackend, limiter *ratelimit.Limiter) {
	d.backends[backend.Name()] = backendEntry{backend: backend, limiter: limiter}
}

// Resolve maps a job engine string onto a registered backend name. Empty
// and unknown engines fall back to the default backend.
func (d *Dispatcher) Resolve(engine string) string {
	if _, ok := d.backends[engine]; ok {
		return engine
	}
	return EngineBackendA
}

// Recognize acquires the backend's rate budget, performs the call and
// releases the concurrency slots.
func (d *Dispatcher) Recognize(ctx context.Context, engine string, req *interfaces.OCRRequest) (string, error) {
	entry, ok := d.backends[d.Resolve(engine)]
	if !ok {
		return "", models.Errorf(models.ErrInvalidInput, "no OCR backend registered for engine %q", engine)
	}

	if entry.limiter != nil {
		if err := entry.limiter.Acquire(ctx); err != nil {
			return "", err
		}
		defer entry.limiter.Release()
	}

	start := time.Now()
	response, err := entry.backend.Recognize(ctx, req)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("backend", entry.backend.Name()).
			Int("block_count", req.BlockCount).
			Msg("OCR request failed")
		return "", err
	}

	d.logger.Debug().
		Str("backend", entry.backend.Name()).
		Int("block_count", req.BlockCount).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("OCR request completed")
	return response, nil
}

// Healthy checks one backend by engine name.
func (d *Dispatcher) Healthy(ctx context.Context, engine string) error {
	entry, ok := d.backends[d.Resolve(engine)]
	if !ok {
		return models.Errorf(models.ErrInvalidInput, "no OCR backend registered for engine %q", engine)
	}
	return entry.backend.Healthy(ctx)
}
