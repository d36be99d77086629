// Package client talks to a running embedq server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("result not found or not yet processed")

// Embedding is one completed task as the server reports it. Text embeddings
// always carry a zero aesthetic.
type Embedding struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Embedding []float32 `json:"embedding"`
	Aesthetic float32   `json:"aesthetic"`
	Error     string    `json:"error,omitempty"`
	Batch     uint64    `json:"batch"`
}

// Embeddings maps task ids to results.
type Embeddings map[string]Embedding

type Task struct {
	ID    string `json:"id,omitempty"`
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ImageTask encodes raw image bytes the way the server expects them.
func ImageTask(id string, imageData []byte) Task {
	return Task{ID: id, Image: base64.StdEncoding.EncodeToString(imageData)}
}

type SubmitItem struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type SubmitResponse struct {
	Message     string       `json:"message,omitempty"`
	Error       string       `json:"error,omitempty"`
	IDs         []string     `json:"ids"`
	AcceptedAll bool         `json:"accepted_all"`
	Items       []SubmitItem `json:"items"`
}

// StatusError is returned for any non-2xx answer other than a result 404.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status code: %d, response body: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SubmitImage(ctx context.Context, id string, imageData []byte) (string, error) {
	return c.submitOne(ctx, ImageTask(id, imageData))
}

func (c *Client) SubmitText(ctx context.Context, id string, text string) (string, error) {
	return c.submitOne(ctx, Task{ID: id, Text: text})
}

// Submit posts tasks as one request. Items the server rejected are reported
// in the response rather than as an error, as long as one item was accepted.
func (c *Client) Submit(ctx context.Context, tasks []Task) (SubmitResponse, error) {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(payload))
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}
	var decoded SubmitResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil && resp.StatusCode < 300 {
			return SubmitResponse{}, fmt.Errorf("failed to decode server response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return decoded, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return decoded, nil
}

func (c *Client) Result(ctx context.Context, id string) (Embedding, error) {
	var decoded struct {
		ID     string    `json:"id"`
		Result Embedding `json:"result"`
	}
	if err := c.getJSON(ctx, "/result/"+url.PathEscape(id), &decoded); err != nil {
		return Embedding{}, err
	}
	return decoded.Result, nil
}

// CollectResults drains every completed result from the server and merges
// them into results, which may be nil.
func (c *Client) CollectResults(ctx context.Context, results Embeddings) (Embeddings, error) {
	var drained Embeddings
	if err := c.getJSON(ctx, "/results", &drained); err != nil {
		return results, fmt.Errorf("failed to collect results: %w", err)
	}
	if results == nil {
		results = make(Embeddings, len(drained))
	}
	for id, result := range drained {
		if result.ID == "" {
			result.ID = id
		}
		results[id] = result
	}
	return results, nil
}

func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var decoded struct {
		Q int `json:"q"`
	}
	if err := c.getJSON(ctx, "/q", &decoded); err != nil {
		return 0, err
	}
	return decoded.Q, nil
}

func (c *Client) submitOne(ctx context.Context, task Task) (string, error) {
	resp, err := c.Submit(ctx, []Task{task})
	if err != nil {
		return "", err
	}
	if len(resp.IDs) == 0 {
		return "", fmt.Errorf("server accepted no task: %s", resp.Error)
	}
	return resp.IDs[0], nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/result/") {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}
