package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// AppFilter reports whether a subscriber may see events of app.
type AppFilter func(app string) bool

// Broker fans out lifecycle events received over Postgres LISTEN/NOTIFY to
// SSE subscribers, each restricted to the apps it may access.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]AppFilter
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]AppFilter),
	}
}

// Start listens on the lifecycle event channel. It blocks until ctx is
// cancelled, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelEvents, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.broadcast(channel, payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events accepted
// by filter. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(filter AppFilter) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast delivers one notification. Subscribers with a full buffer miss
// the event rather than stall the others.
func (b *Broker) broadcast(channel, payload string) {
	var head struct {
		App string `json:"app"`
	}
	_ = json.Unmarshal([]byte(payload), &head)
	event := formatSSE(channel, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, allow := range b.subscribers {
		if allow != nil && !allow(head.App) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
