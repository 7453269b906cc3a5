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

// ReportStatus applies a consumer's status report. The bool result is false
// when the report repeated the command's current status and nothing changed.
//
// completed and failed are the normal targets. pending re-offers the command
// (claim, result and error are cleared); processing is accepted for
// administrative correction.
func (s *Service) ReportStatus(ctx context.Context, id string, rep models.StatusReport) (*models.Command, bool, error) {
	if !rep.Status.Valid() {
		return nil, false, invalid("status", fmt.Sprintf("status must be one of pending, processing, completed, failed (got %q)", rep.Status))
	}

	now := s.opts.Now()
	cmd, err := s.commands.UpdateCommand(ctx, id, func(cmd *models.Command) error {
		if cmd.Status == rep.Status {
			return store.ErrNoChange
		}
		switch {
		case rep.Status.Terminal():
			if cmd.Status.Terminal() {
				return fmt.Errorf("command %s is %s, cannot become %s: %w", cmd.ID, cmd.Status, rep.Status, ErrInvalidTransition)
			}
			completedAt := now
			cmd.Status = rep.Status
			cmd.CompletedAt = &completedAt
			cmd.Result = rep.Result
			cmd.Error = rep.Error
		case rep.Status == models.StatusPending:
			resetToPending(cmd)
		case rep.Status == models.StatusProcessing:
			cmd.Status = models.StatusProcessing
			cmd.CompletedAt = nil
			cmd.Result = nil
			cmd.Error = ""
			if cmd.ClaimedAt == nil {
				claimedAt := now
				cmd.ClaimedAt = &claimedAt
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return cmd, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.log.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"status":     cmd.Status,
		"claimed_by": cmd.ClaimedBy,
	}).Info("[REPORT] Command updated")

	switch cmd.Status {
	case models.StatusCompleted:
		s.publish(notify.EventCompleted, cmd)
	case models.StatusFailed:
		s.publish(notify.EventFailed, cmd)
	case models.StatusPending:
		s.publish(notify.EventRequeued, cmd)
	}
	return cmd, true, nil
}

// RequeueStale re-offers processing commands whose claim is older than the
// claim timeout. Commands that have used all their attempts fail instead.
func (s *Service) RequeueStale(ctx context.Context) (requeued, failed int, err error) {
	if s.opts.ClaimTimeout <= 0 {
		return 0, 0, nil
	}
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.ClaimTimeout)

	stale, err := s.commands.ListCommands(ctx, store.CommandFilter{
		Statuses:      []models.CommandStatus{models.StatusProcessing},
		ClaimedBefore: cutoff,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list stale claims: %w", err)
	}

	for _, c := range stale {
		cmd, err := s.commands.UpdateCommand(ctx, c.ID, func(cmd *models.Command) error {
			// Re-check inside the critical section: the consumer may have
			// reported since the listing.
			if cmd.Status != models.StatusProcessing || cmd.ClaimedAt == nil || !cmd.ClaimedAt.Before(cutoff) {
				return store.ErrNoChange
			}
			if cmd.Attempts < cmd.MaxAttempts {
				resetToPending(cmd)
				return nil
			}
			completedAt := now
			cmd.Status = models.StatusFailed
			cmd.CompletedAt = &completedAt
			cmd.Error = fmt.Sprintf("claim expired after %d attempts", cmd.Attempts)
			return nil
		})
		if errors.Is(err, store.ErrNoChange) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return requeued, failed, fmt.Errorf("requeue %s: %w", c.ID, err)
		}

		entry := s.log.WithFields(logrus.Fields{
			"command_id": cmd.ID,
			"claimed_by": c.ClaimedBy,
			"attempts":   cmd.Attempts,
		})
		if cmd.Status == models.StatusPending {
			requeued++
			entry.Warn("[REQUEUE] Stale claim re-offered")
			s.publish(notify.EventRequeued, cmd)
		} else {
			failed++
			entry.Warn("[REQUEUE] Stale claim exhausted attempts")
			s.publish(notify.EventFailed, cmd)
		}
	}
	return requeued, failed, nil
}

func resetToPending(cmd *models.Command) {
	cmd.Status = models.StatusPending
	cmd.ClaimedBy = ""
	cmd.ClaimedAt = nil
	cmd.CompletedAt = nil
	cmd.Result = nil
	cmd.Error = ""
}
