// Package queue implements the command relay: submission, claim-on-read
// dispatch, the status lifecycle, the client registry and retention.
//
// All state lives behind store.CommandRepository and store.ClientRepository.
// The service holds no locks of its own; every read-modify-write goes through
// a single repository call so the repository's critical section is the only
// one that matters.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"command-relay/internal/config"
	"command-relay/internal/models"
	"command-relay/internal/notify"
	"command-relay/internal/store"
)

const DefaultSource = "producer"

// Options tunes queue policy
type Options struct {
	MaxAttempts         int
	DefaultPollLimit    int
	MaxPollLimit        int
	CompletedLimit      int
	ClaimTimeout        time.Duration
	CommandTTL          time.Duration
	InactivityThreshold time.Duration

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// OptionsFromConfig maps configuration sections onto Options
func OptionsFromConfig(q config.QueueConfig, r config.RetentionConfig) Options {
	return Options{
		MaxAttempts:         q.MaxAttempts,
		DefaultPollLimit:    q.DefaultPollLimit,
		MaxPollLimit:        q.MaxPollLimit,
		CompletedLimit:      q.CompletedLimit,
		ClaimTimeout:        q.ClaimTimeout,
		CommandTTL:          r.CommandTTL,
		InactivityThreshold: r.InactivityThreshold,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.DefaultPollLimit <= 0 {
		o.DefaultPollLimit = 10
	}
	if o.MaxPollLimit < o.DefaultPollLimit {
		o.MaxPollLimit = max(100, o.DefaultPollLimit)
	}
	if o.CompletedLimit <= 0 {
		o.CompletedLimit = 50
	}
	if o.CommandTTL <= 0 {
		o.CommandTTL = 7 * 24 * time.Hour
	}
	if o.InactivityThreshold <= 0 {
		o.InactivityThreshold = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Service is the command queue
type Service struct {
	commands store.CommandRepository
	clients  store.ClientRepository
	events   notify.Publisher
	opts     Options
	log      logrus.FieldLogger
	started  time.Time
}

// New creates the queue service. events may be nil.
func New(commands store.CommandRepository, clients store.ClientRepository, events notify.Publisher, opts Options, log logrus.FieldLogger) *Service {
	opts.applyDefaults()
	if events == nil {
		events = discardPublisher{}
	}
	return &Service{
		commands: commands,
		clients:  clients,
		events:   events,
		opts:     opts,
		log:      log.WithField("component", "queue"),
		started:  opts.Now(),
	}
}

// Options returns the effective policy after defaults
func (s *Service) Options() Options {
	return s.opts
}

// Uptime is the time since the service was created
func (s *Service) Uptime() time.Duration {
	return s.opts.Now().Sub(s.started)
}

// Counts returns command and client totals by status
func (s *Service) Counts(ctx context.Context) (models.CommandCounts, models.ClientCounts, error) {
	cmds, err := s.commands.CountCommands(ctx)
	if err != nil {
		return cmds, models.ClientCounts{}, err
	}
	clients, err := s.clients.CountClients(ctx)
	return cmds, clients, err
}

func (s *Service) publish(t notify.EventType, cmd *models.Command) {
	s.events.Publish(notify.Event{Type: t, Command: cmd.Clone(), Timestamp: s.opts.Now()})
}

type discardPublisher struct{}

func (discardPublisher) Publish(notify.Event) {}
