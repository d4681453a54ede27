package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// BackendA talks to an OpenAI-compatible vision endpoint: one chat
// completion per image, the crop attached as a base64 data URL. Transient
// failures (429, 5xx, network) retry with exponential backoff; other 4xx
// fail immediately.
type BackendA struct {
	config *common.BackendAConfig
	client *http.Client
	logger arbor.ILogger
}

// NewBackendA creates the chat-completions backend.
func NewBackendA(config *common.BackendAConfig, logger arbor.ILogger) *BackendA {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &BackendA{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Name implements interfaces.OCRBackend.
func (b *BackendA) Name() string { return "backend_a" }

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Recognize sends one crop for recognition.
func (b *BackendA) Recognize(ctx context.Context, req *interfaces.OCRRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = b.config.DefaultModel
	}
	if model == "" {
		return "", models.Errorf(models.ErrInvalidInput, "no model configured for backend_a")
	}

	imageURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image)
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: []chatContentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &struct {
					URL string `json:"url"`
				}{URL: imageURL}},
			}},
		},
	}
	if req.JSONMode {
		payload.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	attempts := b.config.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}

	var content string
	err = retry.Do(
		func() error {
			result, err := b.doRequest(ctx, body)
			if err != nil {
				return err
			}
			content = result
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn().
				Err(err).
				Int("attempt", int(n)+1).
				Str("model", model).
				Msg("Backend A request retrying")
		}),
	)
	if err != nil {
		return "", err
	}
	return content, nil
}

func (b *BackendA) doRequest(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend_a request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := models.Errorf(models.ErrBackendBadResponse, "backend_a status %d: %s",
			resp.StatusCode, truncate(string(respBody), 200))
		if resp.StatusCode == http.StatusTooManyRequests {
			err = models.Errorf(models.ErrBackendRateLimited, "backend_a rate limited: %s",
				truncate(string(respBody), 200))
		}
		if shouldRetryStatus(resp.StatusCode) {
			return "", err
		}
		return "", retry.Unrecoverable(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", models.Errorf(models.ErrBackendBadResponse, "backend_a invalid json: %v", err)
	}
	if parsed.Error != nil {
		// API-level errors arrive with HTTP 200 on some providers.
		apiErr := models.Errorf(models.ErrBackendBadResponse, "backend_a api error: %s", parsed.Error.Message)
		if shouldRetryStatus(parsed.Error.Code) {
			return "", apiErr
		}
		return "", retry.Unrecoverable(apiErr)
	}
	if len(parsed.Choices) == 0 {
		return "", models.Errorf(models.ErrBackendBadResponse, "backend_a returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Healthy implements interfaces.OCRBackend.
func (b *BackendA) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend_a unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Errorf(models.ErrBackendBadResponse, "backend_a health status %d", resp.StatusCode)
	}
	return nil
}

// shouldRetryStatus reports whether an HTTP status is worth retrying:
// rate limits, server errors, and gateway failures.
func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
