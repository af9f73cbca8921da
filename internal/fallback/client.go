// Package fallback calls the endpoint's non-streaming POST interface.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ai-speech-stream/internal/models"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 30 * time.Second

// ErrEmptyAudio is returned before any request for empty input.
var ErrEmptyAudio = errors.New("fallback: no audio")

// StatusError is a non-2xx answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fallback: status %d", e.StatusCode)
	}
	return fmt.Sprintf("fallback: status %d: %s", e.StatusCode, e.Message)
}

// Client posts whole utterances to URL.
type Client struct {
	url  string
	http *http.Client
}

// New returns a Client for url. A nil httpClient gets DefaultTimeout.
func New(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{url: url, http: httpClient}
}

// Transcribe sends pcm as one request and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (models.FallbackResponse, error) {
	var out models.FallbackResponse
	if len(pcm) == 0 {
		return out, ErrEmptyAudio
	}

	audio := make([]int, len(pcm))
	for i, b := range pcm {
		audio[i] = int(b)
	}
	body, err := json.Marshal(models.FallbackRequest{Audio: audio})
	if err != nil {
		return out, fmt.Errorf("fallback: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("fallback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("fallback: post %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("fallback: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		_ = json.Unmarshal(data, &e)
		return out, &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("fallback: decode response: %w", err)
	}
	return out, nil
}
