package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"command-relay/internal/logger"
)

type fakeTarget struct {
	mu       sync.Mutex
	evicts   int
	idle     int
	requeues int
	fail     bool
}

func (f *fakeTarget) EvictExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicts++
	if f.fail {
		return 0, errors.New("store down")
	}
	return 1, nil
}

func (f *fakeTarget) MarkIdleClients(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle++
	if f.fail {
		return 0, errors.New("store down")
	}
	return 0, nil
}

func (f *fakeTarget) RequeueStale(context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues++
	return 0, 0, nil
}

func (f *fakeTarget) snapshot() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicts, f.idle, f.requeues
}

func TestSweepClientsRequeuesEvenWhenLivenessFails(t *testing.T) {
	target := &fakeTarget{fail: true}
	s := New(target, time.Hour, time.Hour, logger.Discard())

	s.SweepClients(context.Background())
	s.SweepCommands(context.Background())

	evicts, idle, requeues := target.snapshot()
	assert.Equal(t, 1, evicts)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, requeues)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	target := &fakeTarget{}
	s := New(target, 5*time.Millisecond, 5*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		evicts, idle, requeues := target.snapshot()
		return evicts > 0 && idle > 0 && requeues > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
