// Package client is a thin Go wrapper for the Drover HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a Drover server.
type Client struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Drover client.
func New(serverURL string) *Client {
	return &Client{
		URL: strings.TrimRight(serverURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// SubmitResult is the response from submitting a bulk operation.
type SubmitResult struct {
	OperationID string `json:"operation_id"`
	Message     string `json:"message"`
}

// SubmitOption configures a submit request.
type SubmitOption func(map[string]interface{})

// WithBatchSize overrides the server's default batch size.
func WithBatchSize(n int) SubmitOption {
	return func(m map[string]interface{}) { m["batch_size"] = n }
}

// Submit sends a bulk mutation of the given kind ("create", "update" or
// "delete") and returns the operation id.
func (c *Client) Submit(kind string, entities []json.RawMessage, opts ...SubmitOption) (*SubmitResult, error) {
	body := map[string]interface{}{
		"entities": entities,
	}
	for _, opt := range opts {
		opt(body)
	}
	var result SubmitResult
	if err := c.post("/api/v1/bulk-"+kind, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OperationStatus is the progress view of an operation.
type OperationStatus struct {
	OperationID      string `json:"operation_id"`
	Status           string `json:"status"`
	TotalBatches     int    `json:"total_batches"`
	ProcessedBatches int    `json:"processed_batches"`
	FailedBatches    int    `json:"failed_batches"`
}

// Status fetches the current progress of an operation.
func (c *Client) Status(operationID string) (*OperationStatus, error) {
	var result OperationStatus
	if err := c.get("/api/v1/status/"+operationID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OperationResult is the final view of an operation including batch errors.
type OperationResult struct {
	OperationStatus
	Errors []string `json:"errors"`
}

// Result fetches the progress of an operation plus accumulated errors.
func (c *Client) Result(operationID string) (*OperationResult, error) {
	var result OperationResult
	if err := c.get("/api/v1/result/"+operationID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Watch subscribes to the given operations over the watch WebSocket and
// delivers snapshots on the returned channel until the context is cancelled.
// The channel is closed when the connection ends.
func (c *Client) Watch(ctx context.Context, operationIDs ...string) (<-chan OperationStatus, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/watch"
	if c.Token != "" {
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial watch socket: %w", err)
	}
	for _, id := range operationIDs {
		if err := ws.WriteJSON(map[string]string{"operation_id": id}); err != nil {
			ws.Close()
			return nil, fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	out := make(chan OperationStatus)
	go func() {
		defer close(out)
		defer ws.Close()
		for {
			var snap OperationStatus
			if err := ws.ReadJSON(&snap); err != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	return out, nil
}

func (c *Client) post(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.URL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.URL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
