// Package agent is the consumer side of the relay: it registers, polls for
// claimed commands and reports results. Executing a command is delegated to
// a Handler registered for its type.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"command-relay/internal/models"
)

// ErrNoHandlers is returned when a runner would poll without any handler.
// An unfiltered poll would claim every pending command.
var ErrNoHandlers = errors.New("agent: no command handlers registered")

// Handler executes one command payload and returns a JSON-encodable result
type Handler func(ctx context.Context, cmd *models.Command) (any, error)

// Runner polls the relay and dispatches claimed commands to handlers
type Runner struct {
	client   *Client
	name     string
	pollTime time.Duration
	limit    int
	log      logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]Handler
	clientID string
}

// NewRunner creates a runner. Handlers are added with Handle before Start.
func NewRunner(client *Client, name string, pollTime time.Duration, limit int, log logrus.FieldLogger) *Runner {
	return &Runner{
		client:   client,
		name:     name,
		pollTime: pollTime,
		limit:    limit,
		log:      log.WithField("component", "agent"),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for a command type
func (r *Runner) Handle(cmdType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmdType] = h
}

func (r *Runner) capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		caps = append(caps, t)
	}
	sort.Strings(caps)
	return caps
}

// ClientID is the id assigned at registration; empty before Register
func (r *Runner) ClientID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clientID
}

// Register announces this consumer and its handled types to the relay
func (r *Runner) Register(ctx context.Context) error {
	client, err := r.client.Register(ctx, models.RegisterRequest{
		Name:         r.name,
		Capabilities: r.capabilities(),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.clientID = client.ID
	r.mu.Unlock()
	r.log.WithField("client_id", client.ID).Info("[AGENT] Registered")
	return nil
}

// Start registers and polls until ctx is cancelled
func (r *Runner) Start(ctx context.Context) error {
	if len(r.capabilities()) == 0 {
		return ErrNoHandlers
	}
	if err := r.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	ticker := time.NewTicker(r.pollTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("[AGENT] Shutting down")
			return nil
		case <-ticker.C:
			if _, err := r.PollOnce(ctx); err != nil {
				r.log.WithError(err).Warn("[AGENT] Poll failed")
			}
		}
	}
}

// PollOnce claims a batch of commands whose type has a handler and
// processes it in order. It returns how many commands were processed.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	types := r.capabilities()
	if len(types) == 0 {
		return 0, ErrNoHandlers
	}
	cmds, err := r.client.Poll(ctx, r.ClientID(), r.limit, types)
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		r.process(ctx, cmd)
	}
	return len(cmds), nil
}

func (r *Runner) process(ctx context.Context, cmd *models.Command) {
	entry := r.log.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"type":       cmd.Type,
		"attempts":   cmd.Attempts,
	})
	entry.Info("[START] Executing command")

	rep := r.execute(ctx, cmd)
	if _, err := r.client.Report(ctx, cmd.ID, rep); err != nil {
		entry.WithError(err).Error("[ERROR] Failed to report status")
		return
	}
	if rep.Status == models.StatusCompleted {
		entry.Info("[FINISH] Command completed")
	} else {
		entry.WithField("error", rep.Error).Warn("[FINISH] Command failed")
	}
}

func (r *Runner) execute(ctx context.Context, cmd *models.Command) (rep models.StatusReport) {
	r.mu.RLock()
	h, ok := r.handlers[cmd.Type]
	r.mu.RUnlock()
	if !ok {
		return models.StatusReport{
			Status: models.StatusFailed,
			Error:  fmt.Sprintf("unsupported command type %q", cmd.Type),
		}
	}

	defer func() {
		if p := recover(); p != nil {
			rep = models.StatusReport{Status: models.StatusFailed, Error: fmt.Sprintf("handler panic: %v", p)}
		}
	}()

	result, err := h(ctx, cmd)
	if err != nil {
		return models.StatusReport{Status: models.StatusFailed, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return models.StatusReport{Status: models.StatusFailed, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return models.StatusReport{Status: models.StatusCompleted, Result: raw}
}
