package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"command-relay/internal/models"
)

// Register adds a consumer to the registry
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.Client, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "Client name is required")
	}
	if req.WebhookURL != "" {
		u, err := url.Parse(req.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid("webhookUrl", "webhookUrl must be an absolute http(s) URL")
		}
	}

	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}

	now := s.opts.Now()
	client := &models.Client{
		ID:           s.opts.NewID(),
		Name:         name,
		WebhookURL:   req.WebhookURL,
		Capabilities: caps,
		Status:       models.ClientActive,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := s.clients.InsertClient(ctx, client); err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"client_id": client.ID,
		"name":      client.Name,
		"webhook":   client.WebhookURL != "",
	}).Info("[REGISTER] Client registered")
	return client, nil
}

// ListClients returns the public view of every registered client
func (s *Service) ListClients(ctx context.Context) ([]models.PublicClient, error) {
	clients, err := s.clients.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.PublicClient, len(clients))
	for i, c := range clients {
		out[i] = c.Public()
	}
	return out, nil
}

// Touch refreshes a client's lastSeen and marks it active again
func (s *Service) Touch(ctx context.Context, clientID string) (*models.Client, error) {
	return s.clients.TouchClient(ctx, clientID, s.opts.Now())
}
