package queue

import (
	"context"
	"fmt"
)

// EvictExpired removes terminal commands submitted longer than the command
// TTL ago. Pending and processing commands are never evicted by age.
func (s *Service) EvictExpired(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.CommandTTL)
	n, err := s.commands.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict commands: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Info("[EVICT] Cleaned up old commands")
	}
	return n, nil
}

// MarkIdleClients demotes clients whose last activity is older than the
// inactivity threshold.
func (s *Service) MarkIdleClients(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.InactivityThreshold)
	n, err := s.clients.MarkInactiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark idle clients: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Info("[LIVENESS] Clients marked inactive")
	}
	return n, nil
}
