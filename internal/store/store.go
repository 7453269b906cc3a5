// Package store defines the repositories behind the command queue and an
// in-memory implementation of them.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"command-relay/internal/models"
)

var (
	// ErrNotFound is returned when a command or client id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNoChange may be returned by an UpdateCommand mutator to leave the
	// record untouched. UpdateCommand then returns the current record along
	// with ErrNoChange.
	ErrNoChange = errors.New("no change")
)

// Order selects how ListCommands sorts its result.
type Order int

const (
	// OrderSubmitted is submission order, oldest first.
	OrderSubmitted Order = iota
	// OrderDispatch is priority rank descending, then oldest first.
	OrderDispatch
	// OrderCompletedDesc is completedAt descending, newest first.
	OrderCompletedDesc
)

// CommandFilter narrows ListCommands. Zero values match everything.
type CommandFilter struct {
	Statuses      []models.CommandStatus
	Types         []string
	ClaimedBefore time.Time
	Order         Order
	Limit         int
}

// ClaimRequest describes a claim-on-read poll.
type ClaimRequest struct {
	ClientID string
	Types    []string
	Limit    int
	Now      time.Time
}

// CommandRepository stores commands. ClaimCommands and UpdateCommand must
// each run as a single critical section.
type CommandRepository interface {
	InsertCommand(ctx context.Context, cmd *models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	ListCommands(ctx context.Context, f CommandFilter) ([]*models.Command, error)
	UpdateCommand(ctx context.Context, id string, mutate func(*models.Command) error) (*models.Command, error)
	ClaimCommands(ctx context.Context, req ClaimRequest) ([]*models.Command, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountCommands(ctx context.Context) (models.CommandCounts, error)
}

// ClientRepository stores registered consumers.
type ClientRepository interface {
	InsertClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
	ListClients(ctx context.Context) ([]*models.Client, error)
	TouchClient(ctx context.Context, id string, now time.Time) (*models.Client, error)
	MarkInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountClients(ctx context.Context) (models.ClientCounts, error)
}

// Match reports whether cmd passes the status, type and claim filters of f.
func (f CommandFilter) Match(cmd *models.Command) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, cmd.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, cmd.Type) {
		return false
	}
	if !f.ClaimedBefore.IsZero() {
		if cmd.ClaimedAt == nil || !cmd.ClaimedAt.Before(f.ClaimedBefore) {
			return false
		}
	}
	return true
}

// Less compares two commands under the given order. It returns false for
// ties so callers can fall back to insertion order with a stable sort.
func Less(order Order, a, b *models.Command) bool {
	switch order {
	case OrderDispatch:
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	case OrderCompletedDesc:
		ta, tb := completedOrZero(a), completedOrZero(b)
		return ta.After(tb)
	default:
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
}

// SortCommands sorts cmds in place. cmds must already be in insertion order.
func SortCommands(cmds []*models.Command, order Order) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return Less(order, cmds[i], cmds[j])
	})
}

func completedOrZero(c *models.Command) time.Time {
	if c.CompletedAt == nil {
		return time.Time{}
	}
	return *c.CompletedAt
}

func containsStatus(list []models.CommandStatus, s models.CommandStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
