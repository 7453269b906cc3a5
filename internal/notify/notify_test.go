package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-relay/internal/logger"
	"command-relay/internal/models"
)

func TestDispatcherDeliversToEverySink(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	record := func(name string) Sink {
		return SinkFunc{SinkName: name, Fn: func(_ context.Context, evt Event) error {
			mu.Lock()
			got = append(got, name+":"+string(evt.Type))
			mu.Unlock()
			return nil
		}}
	}

	d := NewDispatcher(logger.Discard(), time.Second, record("a"))
	d.AddSink(record("b"))
	d.Publish(Event{Type: EventSubmitted, Command: &models.Command{ID: "c-1"}})
	d.Close()

	assert.ElementsMatch(t, []string{"a:command.submitted", "b:command.submitted"}, got)
}

func TestDispatcherSurvivesFailingSinks(t *testing.T) {
	var delivered atomic.Int32
	d := NewDispatcher(logger.Discard(), time.Second,
		SinkFunc{SinkName: "err", Fn: func(context.Context, Event) error { return errors.New("down") }},
		SinkFunc{SinkName: "panic", Fn: func(context.Context, Event) error { panic("boom") }},
		SinkFunc{SinkName: "nil"},
		SinkFunc{SinkName: "ok", Fn: func(context.Context, Event) error {
			delivered.Add(1)
			return nil
		}},
	)

	assert.NotPanics(t, func() {
		d.Publish(Event{Type: EventFailed})
		d.Close()
	})
	assert.Equal(t, int32(1), delivered.Load())
}

func TestDispatcherBoundsDelivery(t *testing.T) {
	d := NewDispatcher(logger.Discard(), 20*time.Millisecond, SinkFunc{SinkName: "slow", Fn: func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	start := time.Now()
	d.Publish(Event{Type: EventClaimed})
	d.Close()
	assert.Less(t, time.Since(start), 2*time.Second)
}

type staticClients []*models.Client

func (s staticClients) ListClients(context.Context) ([]*models.Client, error) { return s, nil }

func TestWebhookPostsToActiveClients(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var evt Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		bodies = append(bodies, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clients := staticClients{
		{ID: "active", Status: models.ClientActive, WebhookURL: srv.URL},
		{ID: "inactive", Status: models.ClientInactive, WebhookURL: srv.URL},
		{ID: "no-hook", Status: models.ClientActive},
	}
	wh := NewWebhook(clients, time.Second)

	err := wh.Deliver(context.Background(), Event{
		Type:    EventSubmitted,
		Command: &models.Command{ID: "c-1", Type: "file_create"},
	})
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, EventSubmitted, bodies[0].Type)
	assert.Equal(t, "c-1", bodies[0].Command.ID)

	// Only submissions are pushed to consumers.
	require.NoError(t, wh.Deliver(context.Background(), Event{Type: EventCompleted, Command: &models.Command{ID: "c-1"}}))
	assert.Len(t, bodies, 1)
}

func TestWebhookReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(staticClients{{ID: "a", Status: models.ClientActive, WebhookURL: srv.URL}}, time.Second)
	err := wh.Deliver(context.Background(), Event{Type: EventSubmitted, Command: &models.Command{ID: "c-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestDispatcherPreservesOrderPerSink(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	d := NewDispatcher(logger.Discard(), time.Second, SinkFunc{SinkName: "ordered", Fn: func(_ context.Context, evt Event) error {
		// Uneven delivery latency must not reorder events.
		time.Sleep(time.Duration(len(evt.Command.ID)%3) * 50 * time.Microsecond)
		mu.Lock()
		got = append(got, evt.Command.ID+":"+string(evt.Type))
		mu.Unlock()
		return nil
	}})

	var want []string
	for i := 0; i < 60; i++ {
		cmd := &models.Command{ID: fmt.Sprintf("cmd-%d", i)}
		for _, typ := range []EventType{EventSubmitted, EventClaimed, EventCompleted} {
			d.Publish(Event{Type: typ, Command: cmd})
			want = append(want, cmd.ID+":"+string(typ))
		}
	}
	d.Close()

	assert.Equal(t, want, got)
}

func TestDispatcherDropsWhenBacklogFull(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Int32

	d := NewDispatcher(logger.Discard(), 5*time.Second)
	d.buffer = 1
	d.AddSink(SinkFunc{SinkName: "stuck", Fn: func(context.Context, Event) error {
		<-release
		delivered.Add(1)
		return nil
	}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(Event{Type: EventSubmitted, Command: &models.Command{ID: fmt.Sprint(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stuck sink")
	}

	close(release)
	d.Close()
	assert.GreaterOrEqual(t, delivered.Load(), int32(1))
	assert.LessOrEqual(t, delivered.Load(), int32(2))
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	var delivered atomic.Int32
	d := NewDispatcher(logger.Discard(), time.Second, SinkFunc{SinkName: "count", Fn: func(context.Context, Event) error {
		delivered.Add(1)
		return nil
	}})
	d.Close()

	assert.NotPanics(t, func() { d.Publish(Event{Type: EventFailed}) })
	d.Close()
	assert.Zero(t, delivered.Load())
}
