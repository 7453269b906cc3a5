package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"command-relay/internal/models"
	"command-relay/internal/notify"
	"command-relay/internal/store"
)

// PollRequest is a consumer poll. Status defaults to pending, Limit to the
// configured default. Types optionally narrows the poll to command types the
// consumer handles.
type PollRequest struct {
	ClientID string
	Status   models.CommandStatus
	Limit    int
	Types    []string
}

// PollResult is the batch handed to a consumer
type PollResult struct {
	Commands []*models.Command
	// Claimed is true when the batch was transitioned to processing for the
	// requesting client.
	Claimed bool
}

// Poll returns commands in dispatch order. A pending poll that names a client
// claims the whole batch for that client in one repository call; any other
// poll is a read-only view.
func (s *Service) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	status := req.Status
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	limit := s.clampLimit(req.Limit)

	var (
		cmds    []*models.Command
		claimed bool
		err     error
	)
	if status == models.StatusPending && req.ClientID != "" {
		cmds, err = s.commands.ClaimCommands(ctx, store.ClaimRequest{
			ClientID: req.ClientID,
			Types:    req.Types,
			Limit:    limit,
			Now:      s.opts.Now(),
		})
		claimed = true
	} else {
		cmds, err = s.commands.ListCommands(ctx, store.CommandFilter{
			Statuses: []models.CommandStatus{status},
			Types:    req.Types,
			Order:    store.OrderDispatch,
			Limit:    limit,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	if req.ClientID != "" {
		s.touchQuietly(ctx, req.ClientID)
	}

	if claimed && len(cmds) > 0 {
		s.log.WithFields(logrus.Fields{
			"client_id": req.ClientID,
			"count":     len(cmds),
		}).Info("[CLAIM] Commands claimed")
		for _, cmd := range cmds {
			s.publish(notify.EventClaimed, cmd)
		}
	}

	return &PollResult{Commands: cmds, Claimed: claimed}, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.opts.DefaultPollLimit
	}
	if limit > s.opts.MaxPollLimit {
		return s.opts.MaxPollLimit
	}
	return limit
}

// touchQuietly records poll activity. Consumers that never registered may
// still poll, so an unknown id is not an error.
func (s *Service) touchQuietly(ctx context.Context, clientID string) {
	if _, err := s.Touch(ctx, clientID); err != nil {
		entry := s.log.WithField("client_id", clientID)
		if errors.Is(err, store.ErrNotFound) {
			entry.Debug("[TOUCH] Poll from unregistered client")
			return
		}
		entry.WithError(err).Warn("[TOUCH] Failed to refresh client")
	}
}
