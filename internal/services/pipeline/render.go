// Package pipeline implements the two-pass OCR flow: a crop pass that
// renders the source PDF page by page and cuts out the requested blocks,
// and a recognition pass that dispatches the crops to a vision backend and
// collects per-block text.
package pipeline

import (
	"fmt"
	"image"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// Renderer rasterizes one page of a PDF at a time so peak memory stays
// bounded by a single page regardless of document size.
type Renderer struct {
	doc *fitz.Document
	dpi int
}

// OpenRenderer opens a PDF for page rendering at the given DPI.
func OpenRenderer(path string, dpi int) (*Renderer, error) {
	if dpi <= 0 {
		dpi = 300
	}
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", path, err)
	}
	return &Renderer{doc: doc, dpi: dpi}, nil
}

// PageCount returns the number of pages in the document.
func (r *Renderer) PageCount() int {
	return r.doc.NumPage()
}

// RenderPage rasterizes one zero-indexed page. The caller owns the raster
// and should drop the reference as soon as its crops are cut.
func (r *Renderer) RenderPage(index int) (image.Image, error) {
	img, err := r.doc.ImageDPI(index, float64(r.dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", index, err)
	}
	return img, nil
}

// PageText extracts the embedded text layer of a page. Scanned documents
// return an empty string; the text is only a hint for image-block prompts.
func (r *Renderer) PageText(index int) (string, error) {
	text, err := r.doc.Text(index)
	if err != nil {
		return "", fmt.Errorf("failed to extract text of page %d: %w", index, err)
	}
	return strings.TrimSpace(text), nil
}

// Close releases the underlying document.
func (r *Renderer) Close() error {
	return r.doc.Close()
}
