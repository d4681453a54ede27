package interfaces

import "context"

// OCRRequest is a single recognition call: one image, one prompt pair.
type OCRRequest struct {
	Image      []byte // PNG bytes
	System     string
	Prompt     string
	Model      string // empty = backend default
	JSONMode   bool
	BlockCount int // blocks expected in the response, for logging
}

// OCRBackend performs recognition of a single image. Implementations own
// their retry policy for transient failures; rate limiting is acquired by
// the caller before dispatch.
type OCRBackend interface {
	Name() string
	Recognize(ctx context.Context, req *OCRRequest) (string, error)
	Healthy(ctx context.Context) error
}
