package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"command-relay/internal/models"
)

// Client speaks the relay's HTTP contract from the consumer side
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a relay client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Register registers this consumer and returns its assigned client
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.Client, error) {
	var resp struct {
		ClientID string         `json:"clientId"`
		Client   *models.Client `json:"client"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/clients", req, &resp); err != nil {
		return nil, err
	}
	if resp.Client == nil {
		return nil, fmt.Errorf("relay register: empty client in response")
	}
	return resp.Client, nil
}

// Poll claims up to limit pending commands for clientID
func (c *Client) Poll(ctx context.Context, clientID string, limit int, types []string) ([]*models.Command, error) {
	q := url.Values{}
	q.Set("clientId", clientID)
	q.Set("status", string(models.StatusPending))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}

	var resp struct {
		Commands []*models.Command `json:"commands"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/commands?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// Report sends a status report for a command
func (c *Client) Report(ctx context.Context, commandID string, rep models.StatusReport) (*models.Command, error) {
	var resp struct {
		Command *models.Command `json:"command"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/commands/"+url.PathEscape(commandID), rep, &resp); err != nil {
		return nil, err
	}
	return resp.Command, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relay marshal: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relay read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("relay decode: %w", err)
		}
	}
	return nil
}

// HTTPError is a non-2xx response from the relay
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relay HTTP %d: %s", e.StatusCode, e.Body)
}
