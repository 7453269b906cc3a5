package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"command-relay/internal/models"
	"command-relay/internal/notify"
	"command-relay/internal/store"
)

// Submit validates and enqueues a command in pending state
func (s *Service) Submit(ctx context.Context, req models.SubmitRequest) (*models.Command, error) {
	if strings.TrimSpace(req.Type) == "" || missingData(req.Data) {
		return nil, invalid("type,data", "Missing required fields: type and data are required")
	}
	if !json.Valid(req.Data) {
		return nil, invalid("data", "data must be valid JSON")
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, invalid("priority", fmt.Sprintf("priority must be one of high, medium, low (got %q)", priority))
	}
	source := req.Source
	if source == "" {
		source = DefaultSource
	}

	cmd := &models.Command{
		ID:          s.opts.NewID(),
		Type:        req.Type,
		Data:        append(json.RawMessage{}, req.Data...),
		Priority:    priority,
		Source:      source,
		Status:      models.StatusPending,
		SubmittedAt: s.opts.Now(),
		Attempts:    0,
		MaxAttempts: s.opts.MaxAttempts,
	}

	if err := s.commands.InsertCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"type":       cmd.Type,
		"priority":   cmd.Priority,
		"source":     cmd.Source,
	}).Info("[SUBMIT] Command queued")

	s.publish(notify.EventSubmitted, cmd)
	return cmd, nil
}

// Get returns a command by id
func (s *Service) Get(ctx context.Context, id string) (*models.Command, error) {
	return s.commands.GetCommand(ctx, id)
}

// List returns commands matching f
func (s *Service) List(ctx context.Context, f store.CommandFilter) ([]*models.Command, error) {
	return s.commands.ListCommands(ctx, f)
}

// ListCompleted returns terminal commands, most recently completed first.
// limit <= 0 uses the configured default; larger limits are capped at the
// greater of the poll cap and that default.
func (s *Service) ListCompleted(ctx context.Context, limit int) ([]*models.Command, error) {
	if limit <= 0 {
		limit = s.opts.CompletedLimit
	}
	if ceiling := max(s.opts.MaxPollLimit, s.opts.CompletedLimit); limit > ceiling {
		limit = ceiling
	}
	return s.commands.ListCommands(ctx, store.CommandFilter{
		Statuses: []models.CommandStatus{models.StatusCompleted, models.StatusFailed},
		Order:    store.OrderCompletedDesc,
		Limit:    limit,
	})
}

func missingData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}
