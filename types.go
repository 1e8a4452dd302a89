package configmanager

import (
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// LifecycleEvent describes one committed change to a flow, function or
// process flow.
type LifecycleEvent struct {
	Event     string    `json:"event"`
	Kind      string    `json:"kind"` // flow, faas or processflow
	App       string    `json:"app"`
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`
	Status    string    `json:"status,omitempty"` // status after the change
	Version   int       `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toPublicEvent(ev model.LifecycleEvent) LifecycleEvent {
	out := LifecycleEvent{
		Event:     ev.Event,
		Kind:      string(ev.Kind),
		App:       ev.App,
		ID:        ev.ID,
		Action:    ev.Action,
		User:      ev.User,
		Timestamp: ev.Timestamp,
	}
	if ev.After != nil {
		out.Status = string(ev.After.Status)
		out.Version = ev.After.Version
	}
	return out
}
