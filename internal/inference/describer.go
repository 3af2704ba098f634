package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

const (
	describerMaxTokens = 300
	describerTimeout   = 60 * time.Second
)

// DescriberError is a non-2xx answer from the describer endpoint.
type DescriberError struct {
	StatusCode int
	Body       string
}

func (e *DescriberError) Error() string {
	return fmt.Sprintf("describer request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors. Client errors are permanent.
func (e *DescriberError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPDescriber calls an OpenAI-compatible chat completions endpoint with the
// frame attached as a base64 JPEG data URL.
type HTTPDescriber struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDescriber builds a client for baseURL, e.g. http://localhost:8000/v1.
func NewHTTPDescriber(baseURL, apiKey, model string, logger *slog.Logger) *HTTPDescriber {
	return &HTTPDescriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: describerTimeout,
		},
		logger: logging.WithComponent(logging.OrDiscard(logger), "describer"),
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (d *HTTPDescriber) Describe(ctx context.Context, img image.Image, prompt string) (string, error) {
	jpg, err := vision.EncodeJPEG(img, imageQuality)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Model: d.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg),
				}},
			},
		}},
		MaxTokens: describerMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal describer request: %w", err)
	}

	url := d.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	d.logger.Debug("requesting description",
		"url", url,
		"model", d.model,
		"image_bytes", len(jpg),
		"api_key", logging.SanitizeToken(d.apiKey),
	)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read describer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &DescriberError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse describer response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("describer returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
