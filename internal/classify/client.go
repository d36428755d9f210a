// Package classify calls the external inference service. The classifier is an
// opaque collaborator: it takes image bytes and returns a label and a
// confidence; model loading and preprocessing live on the other side of this
// contract.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"aidetector/pkg/domain"
)

// Result is one classification verdict.
type Result struct {
	Label      domain.Prediction `json:"prediction"`
	Confidence float64           `json:"confidence"`
}

// Classifier produces a verdict for raw image bytes.
type Classifier interface {
	Predict(ctx context.Context, contentType string, data []byte) (Result, error)
}

// Client calls the inference service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an inference service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Predict posts the image to /predict and validates the verdict at the
// boundary: label must be one of the two known values, confidence in [0,1].
func (c *Client) Predict(ctx context.Context, contentType string, data []byte) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "image")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(data); err != nil {
		return Result{}, err
	}
	if contentType != "" {
		_ = mw.WriteField("content_type", contentType)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("inference service status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode inference response: %w", err)
	}
	if !out.Label.Valid() {
		return Result{}, fmt.Errorf("inference service returned unknown label %q", out.Label)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Result{}, fmt.Errorf("inference service returned confidence %v outside [0,1]", out.Confidence)
	}
	return out, nil
}
