// Package events is the messaging collaborator. Lifecycle events are sent
// as Postgres notifications on the cm_events channel, where other instances
// and SSE clients pick them up, and handed to in-process sinks.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// maxPayload keeps notifications under the 8000 byte NOTIFY limit.
const maxPayload = 7900

// Notifier sends a payload on a channel. storage.DB implements it.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Sink receives every published event in its own goroutine.
type Sink interface {
	OnEvent(ctx context.Context, ev model.LifecycleEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.LifecycleEvent) error

func (f SinkFunc) OnEvent(ctx context.Context, ev model.LifecycleEvent) error { return f(ctx, ev) }

// Publisher delivers events at most once and never blocks the caller.
type Publisher struct {
	notifier Notifier
	logger   *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
	wg    sync.WaitGroup
}

// NewPublisher creates a publisher. notifier may be nil, in which case only
// sinks receive events.
func NewPublisher(notifier Notifier, logger *slog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{notifier: notifier, logger: logger, sinks: sinks}
}

// AddSink registers a sink for subsequent events.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// Publish sends ev asynchronously. Failures are logged.
func (p *Publisher) Publish(ctx context.Context, ev model.LifecycleEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	// The request context is usually cancelled before delivery finishes.
	ctx = context.WithoutCancel(ctx)

	p.mu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.RUnlock()

	if p.notifier != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			payload, err := encode(ev)
			if err != nil {
				p.logger.Warn("events: encode failed", "event", ev.Event, "error", err)
				return
			}
			nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := p.notifier.Notify(nctx, storage.ChannelEvents, payload); err != nil {
				p.logger.Warn("events: notify failed", "event", ev.Event, "id", ev.ID, "error", err)
			}
		}()
	}
	for _, s := range sinks {
		p.wg.Add(1)
		go func(s Sink) {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("events: sink panicked", "event", ev.Event, "panic", r)
				}
			}()
			if err := s.OnEvent(ctx, ev); err != nil {
				p.logger.Warn("events: sink failed", "event", ev.Event, "id", ev.ID, "error", err)
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish.
func (p *Publisher) Wait() { p.wg.Wait() }

// encode drops the document snapshots when the full event is too large for
// a notification.
func encode(ev model.LifecycleEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	if len(b) <= maxPayload {
		return string(b), nil
	}
	ev.Before, ev.After = nil, nil
	b, err = json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
