package storage

import (
	"context"
	"fmt"
	"strconv"
)

// Counter names and offsets for the non-pipeline collections. Pipeline
// counters come from model.KindProfile.
const (
	CounterAgents       = "b2b.agents"
	CounterActions      = "b2b.agent.actions"
	CounterInteractions = "b2b.interactions"
	CounterActivities   = "b2b.activities"

	AgentIDOffset  = 2000
	ActionIDOffset = 1000
	TraceIDOffset  = 1000
)

// NextID increments the named counter and returns prefix followed by the
// new value. The first value handed out is offset+1.
func (db *DB) NextID(ctx context.Context, counter, prefix string, offset int) (string, error) {
	var v int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO id_counters (name, value) VALUES ($1, $2::bigint + 1)
		 ON CONFLICT (name) DO UPDATE SET value = id_counters.value + 1
		 RETURNING value`,
		counter, offset,
	).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("storage: next id %s: %w", counter, err)
	}
	return prefix + strconv.FormatInt(v, 10), nil
}

// nextIDs reserves n consecutive values in one statement.
func (db *DB) nextIDs(ctx context.Context, counter, prefix string, offset, n int) ([]string, error) {
	if n == 0 {
		return nil, nil
	}
	var last int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO id_counters (name, value) VALUES ($1, $2::bigint + $3::bigint)
		 ON CONFLICT (name) DO UPDATE SET value = id_counters.value + $3::bigint
		 RETURNING value`,
		counter, offset, n,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve ids %s: %w", counter, err)
	}
	ids := make([]string, n)
	for i := range n {
		ids[i] = prefix + strconv.FormatInt(last-int64(n-1-i), 10)
	}
	return ids, nil
}
