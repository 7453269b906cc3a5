package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Target is the retention surface of the queue
type Target interface {
	EvictExpired(ctx context.Context) (int, error)
	MarkIdleClients(ctx context.Context) (int, error)
	RequeueStale(ctx context.Context) (requeued, failed int, err error)
}

// Sweeper runs the periodic retention tasks
type Sweeper struct {
	target        Target
	evictEvery    time.Duration
	livenessEvery time.Duration
	log           logrus.FieldLogger
}

// New creates a new sweeper
func New(target Target, evictEvery, livenessEvery time.Duration, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		target:        target,
		evictEvery:    evictEvery,
		livenessEvery: livenessEvery,
		log:           log.WithField("component", "sweeper"),
	}
}

// Start runs both sweeps until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Infof("[SWEEPER] Started (eviction every %v, liveness every %v)", s.evictEvery, s.livenessEvery)

	evict := time.NewTicker(s.evictEvery)
	defer evict.Stop()
	liveness := time.NewTicker(s.livenessEvery)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[SWEEPER] Shutting down")
			return
		case <-evict.C:
			s.SweepCommands(ctx)
		case <-liveness.C:
			s.SweepClients(ctx)
		}
	}
}

// SweepCommands evicts expired terminal commands
func (s *Sweeper) SweepCommands(ctx context.Context) {
	if _, err := s.target.EvictExpired(ctx); err != nil {
		s.log.WithError(err).Error("[SWEEPER] Command eviction failed")
	}
}

// SweepClients demotes idle clients, then re-offers stale claims
func (s *Sweeper) SweepClients(ctx context.Context) {
	if _, err := s.target.MarkIdleClients(ctx); err != nil {
		s.log.WithError(err).Error("[SWEEPER] Liveness sweep failed")
	}
	if _, _, err := s.target.RequeueStale(ctx); err != nil {
		s.log.WithError(err).Error("[SWEEPER] Stale claim requeue failed")
	}
}
