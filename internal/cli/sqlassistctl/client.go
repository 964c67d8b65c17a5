package sqlassistctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// APIError is the decoded error envelope of a non-2xx response.
type APIError struct {
	Status    int            `json:"-"`
	Code      string         `json:"error_code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context"`
	TraceID   string         `json:"trace_id"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	owner   string
}

type response struct {
	body   []byte
	header http.Header
}

func (c *client) getJSON(ctx context.Context, path string) (response, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

func (c *client) postJSON(ctx context.Context, path string, payload any) (response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	return c.do(ctx, http.MethodPost, path, body, "application/json")
}

func (c *client) delete(ctx context.Context, path string) (response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, "")
}

func (c *client) upload(ctx context.Context, path, filename, kind string) (response, error) {
	file, err := os.Open(filename)
	if err != nil {
		return response{}, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = file.Close() }()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return response{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return response{}, fmt.Errorf("read upload: %w", err)
	}
	if strings.TrimSpace(kind) != "" {
		if err := writer.WriteField("kind", strings.TrimSpace(kind)); err != nil {
			return response{}, fmt.Errorf("write kind field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return response{}, fmt.Errorf("close multipart body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, &buf, writer.FormDataContentType())
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(c.apiKey))
	}
	if strings.TrimSpace(c.owner) != "" {
		req.Header.Set("X-Owner-ID", strings.TrimSpace(c.owner))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return response{body: raw, header: resp.Header}, apiErr
	}
	return response{body: raw, header: resp.Header}, nil
}
