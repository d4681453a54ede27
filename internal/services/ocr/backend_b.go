package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// BackendB is the segmentation-and-OCR service with an upload/poll API.
// It only accepts PDF input, so each crop is wrapped into a single-page
// PDF before upload. The request id returned by the upload is polled until
// the service reports complete or failed.
type BackendB struct {
	config *common.BackendBConfig
	client *http.Client
	logger arbor.ILogger
}

// NewBackendB creates the upload/poll backend.
func NewBackendB(config *common.BackendBConfig, logger arbor.ILogger) *BackendB {
	return &BackendB{
		config: config,
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

// Name implements interfaces.OCRBackend.
func (b *BackendB) Name() string { return "backend_b" }

type submitResponse struct {
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	RequestID       string `json:"request_id"`
	RequestCheckURL string `json:"request_check_url"`
}

type pollResponse struct {
	Status   string `json:"status"`
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Markdown string `json:"markdown"`
}

// Recognize wraps the image into a PDF, submits it and polls for the
// markdown result.
func (b *BackendB) Recognize(ctx context.Context, req *interfaces.OCRRequest) (string, error) {
	pdfBytes, err := wrapImagePDF(req.Image)
	if err != nil {
		return "", models.Errorf(models.ErrInvalidInput, "failed to wrap image as pdf: %v", err)
	}

	checkURL, err := b.submit(ctx, pdfBytes)
	if err != nil {
		return "", err
	}
	return b.poll(ctx, checkURL)
}

func (b *BackendB) submit(ctx context.Context, pdfBytes []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "crop.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(pdfBytes); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.WriteField("output_format", "markdown"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := writer.WriteField("force_ocr", "true"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.BaseURL+"/api/v1/marker", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Api-Key", b.config.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend_b submit failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", models.Errorf(models.ErrBackendRateLimited, "backend_b rate limited: %s", truncate(string(body), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return "", models.Errorf(models.ErrBackendBadResponse, "backend_b submit status %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", models.Errorf(models.ErrBackendBadResponse, "backend_b submit invalid json: %v", err)
	}
	if !parsed.Success || parsed.RequestCheckURL == "" {
		return "", models.Errorf(models.ErrBackendBadResponse, "backend_b submit rejected: %s", parsed.Error)
	}
	return parsed.RequestCheckURL, nil
}

func (b *BackendB) poll(ctx context.Context, checkURL string) (string, error) {
	interval := b.config.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(b.config.Timeout)
	if b.config.Timeout <= 0 {
		deadline = time.Now().Add(5 * time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", models.Errorf(models.ErrCancelled, "backend_b poll cancelled: %v", ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", models.Errorf(models.ErrTimeout, "backend_b result not ready after %s", b.config.Timeout)
		}

		status, err := b.check(ctx, checkURL)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "complete":
			if !status.Success {
				return "", models.Errorf(models.ErrBackendBadResponse, "backend_b processing failed: %s", status.Error)
			}
			return status.Markdown, nil
		case "failed", "error":
			return "", models.Errorf(models.ErrBackendBadResponse, "backend_b processing failed: %s", status.Error)
		default:
			// still processing
		}
	}
}

func (b *BackendB) check(ctx context.Context, checkURL string) (*pollResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", b.config.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend_b poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.Errorf(models.ErrBackendBadResponse, "backend_b poll status %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var parsed pollResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.Errorf(models.ErrBackendBadResponse, "backend_b poll invalid json: %v", err)
	}
	return &parsed, nil
}

// Healthy implements interfaces.OCRBackend.
func (b *BackendB) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend_b unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Errorf(models.ErrBackendBadResponse, "backend_b health status %d", resp.StatusCode)
	}
	return nil
}

// wrapImagePDF builds a single-page PDF sized to the image, in points at
// 72 DPI so the image keeps its pixel dimensions.
func wrapImagePDF(imageBytes []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("invalid png: %w", err)
	}

	width := float64(cfg.Width)
	height := float64(cfg.Height)

	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: width, Ht: height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("crop", opts, bytes.NewReader(imageBytes))
	pdf.ImageOptions("crop", 0, 0, width, height, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return out.Bytes(), nil
}
