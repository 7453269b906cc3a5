package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"command-relay/internal/models"
)

// ClientLister is the slice of the client registry the webhook sink needs
type ClientLister interface {
	ListClients(ctx context.Context) ([]*models.Client, error)
}

// Webhook posts new-command events to active clients that registered a
// webhook URL.
type Webhook struct {
	clients    ClientLister
	httpClient *http.Client
}

// NewWebhook creates a webhook sink
func NewWebhook(clients ClientLister, timeout time.Duration) *Webhook {
	return &Webhook{
		clients:    clients,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Deliver only acts on submissions; other lifecycle events are for the
// producer-side sinks.
func (w *Webhook) Deliver(ctx context.Context, evt Event) error {
	if evt.Type != EventSubmitted {
		return nil
	}

	clients, err := w.clients.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range clients {
		if c.WebhookURL == "" || c.Status != models.ClientActive {
			continue
		}
		wg.Add(1)
		go func(c *models.Client) {
			defer wg.Done()
			if err := w.post(ctx, c.WebhookURL, body); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("client %s: %w", c.ID, err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook POST %s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}
