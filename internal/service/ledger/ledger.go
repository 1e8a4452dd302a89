// Package ledger is the AgentActionLedger: the pull-based queue of work
// orders agents collect on heartbeat.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

// Store persists actions. storage.DB implements it.
type Store interface {
	AppendActions(ctx context.Context, actions []model.AgentAction, ttl time.Duration) ([]model.AgentAction, error)
	FetchAndMarkActions(ctx context.Context, agentID string) ([]model.AgentAction, error)
}

// Ledger appends actions and hands them out at most once.
type Ledger struct {
	store       Store
	ttl         time.Duration
	maxFileSize int64
	logger      *slog.Logger
	appended    metric.Int64Counter
	delivered   metric.Int64Counter
}

// New creates a ledger. ttl bounds how long an undelivered action stays
// collectable; it is the heartbeat frequency times the miss count.
func New(store Store, ttl time.Duration, maxFileSize int64, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:       store,
		ttl:         ttl,
		maxFileSize: maxFileSize,
		logger:      logger,
		appended: telemetry.Int64Counter("configmanager/ledger",
			"cm.ledger.actions.appended", "Agent actions queued"),
		delivered: telemetry.Int64Counter("configmanager/ledger",
			"cm.ledger.actions.delivered", "Agent actions handed to agents on heartbeat"),
	}
}

// Append queues actions.
func (l *Ledger) Append(ctx context.Context, actions ...model.AgentAction) ([]model.AgentAction, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	saved, err := l.store.AppendActions(ctx, actions, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}
	l.appended.Add(ctx, int64(len(saved)))
	for _, a := range saved {
		l.logger.Debug("ledger: action queued", "action_id", a.ID, "agent_id", a.AgentID, "action", a.Action, "flow_id", a.FlowID)
	}
	return saved, nil
}

// EmitForFlow queues the actions FlowActions derives for op. Flows without
// FILE agents queue nothing.
func (l *Ledger) EmitForFlow(ctx context.Context, p *model.Pipeline, op Op) ([]model.AgentAction, error) {
	if p.Kind != model.KindFlow {
		return nil, nil
	}
	return l.Append(ctx, FlowActions(p, op, l.maxFileSize, time.Now().UTC())...)
}

// Snapshot builds the actions for op without queueing them. Agent init
// uses it to describe every flow an agent belongs to.
func (l *Ledger) Snapshot(p *model.Pipeline, op Op) []model.AgentAction {
	return FlowActions(p, op, l.maxFileSize, time.Now().UTC())
}

// Deliver marks every pending action of agentID as sent and returns them.
// A crash after the mark loses the batch; there is no acknowledgement.
func (l *Ledger) Deliver(ctx context.Context, agentID string) ([]model.AgentAction, error) {
	actions, err := l.store.FetchAndMarkActions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: deliver: %w", err)
	}
	if len(actions) > 0 {
		l.delivered.Add(ctx, int64(len(actions)))
		l.logger.Info("ledger: actions delivered", "agent_id", agentID, "count", len(actions))
	}
	return actions, nil
}
