// Package notify fans command lifecycle events out to best-effort sinks
// (webhooks, websocket subscribers, kafka). Delivery never blocks or fails
// the request that produced the event.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"command-relay/internal/models"
)

type EventType string

const (
	EventSubmitted EventType = "command.submitted"
	EventClaimed   EventType = "command.claimed"
	EventCompleted EventType = "command.completed"
	EventFailed    EventType = "command.failed"
	EventRequeued  EventType = "command.requeued"
)

// Event is a lifecycle change of one command
type Event struct {
	Type      EventType       `json:"event"`
	Command   *models.Command `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink receives events. Deliver runs on a detached goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Publisher is what the queue depends on.
type Publisher interface {
	Publish(evt Event)
}

// DefaultBuffer is how many events may wait for one sink before new ones
// are dropped.
const DefaultBuffer = 256

// Dispatcher delivers published events to every sink. Each sink has one
// worker goroutine fed by a buffered channel, so a sink sees events in
// publish order and a slow sink never blocks Publish.
type Dispatcher struct {
	mu      sync.RWMutex
	workers []*sinkWorker
	closed  bool
	buffer  int
	timeout time.Duration
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

type sinkWorker struct {
	sink   Sink
	events chan Event
}

// NewDispatcher creates a dispatcher and starts a worker per sink. timeout
// bounds a single delivery.
func NewDispatcher(log logrus.FieldLogger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		buffer:  DefaultBuffer,
		timeout: timeout,
		log:     log.WithField("component", "notify"),
	}
	for _, s := range sinks {
		d.AddSink(s)
	}
	return d
}

// AddSink registers another sink and starts its worker. It is a no-op after Close.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	w := &sinkWorker{sink: s, events: make(chan Event, d.buffer)}
	d.workers = append(d.workers, w)
	d.wg.Add(1)
	go d.run(w)
}

// Publish queues evt for every sink and returns immediately. An event is
// dropped for a sink whose buffer is full.
func (d *Dispatcher) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, w := range d.workers {
		select {
		case w.events <- evt:
		default:
			entry := d.log.WithFields(logrus.Fields{
				"sink":  w.sink.Name(),
				"event": evt.Type,
			})
			if evt.Command != nil {
				entry = entry.WithField("command_id", evt.Command.ID)
			}
			entry.Warn("[NOTIFY] sink backlog full, event dropped")
		}
	}
}

func (d *Dispatcher) run(w *sinkWorker) {
	defer d.wg.Done()
	for evt := range w.events {
		d.deliver(w.sink, evt)
	}
}

func (d *Dispatcher) deliver(s Sink, evt Event) {
	entry := d.log.WithFields(logrus.Fields{
		"sink":  s.Name(),
		"event": evt.Type,
	})
	if evt.Command != nil {
		entry = entry.WithField("command_id", evt.Command.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("[NOTIFY] sink panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, evt); err != nil {
		entry.WithError(err).Warn("[NOTIFY] delivery failed")
		return
	}
	entry.Debug("[NOTIFY] delivered")
}

// Close stops accepting events and waits for every queued event to be
// delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, w := range d.workers {
			close(w.events)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// SinkFunc adapts a function into a Sink
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, evt Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Deliver(ctx context.Context, evt Event) error {
	if f.Fn == nil {
		return fmt.Errorf("sink %s has no function", f.SinkName)
	}
	return f.Fn(ctx, evt)
}
