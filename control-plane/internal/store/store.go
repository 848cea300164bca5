// Package store persists coordinated run history in Postgres.
//
// # Design
//
// The store uses raw SQL with pgx. Each RunResult becomes one row in runs
// plus one row per redistribution event, written in a single transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = config.DefaultPaginationLimit

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// RUNS
// =============================================================================

// RecordRun stores a finished run and its redistribution events. Recording
// the same run id twice replaces the earlier row.
func (s *Store) RecordRun(ctx context.Context, r types.RunResult) error {
	metrics, err := encodeMetrics(r.Stats.Metrics)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (
			run_id, name, started_at, ended_at, duration_sec, agent_ids,
			per_agent_rate, total_rate, active_agents, total_agents,
			metrics, partial, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_sec = EXCLUDED.duration_sec,
			active_agents = EXCLUDED.active_agents,
			total_agents = EXCLUDED.total_agents,
			metrics = EXCLUDED.metrics,
			partial = EXCLUDED.partial,
			error = EXCLUDED.error
	`,
		r.RunID, r.Name, r.StartedAt, r.EndedAt, r.Duration, nonNil(r.AgentIDs),
		r.PerAgentRate, r.TotalRate, r.Stats.ActiveAgents, r.Stats.TotalAgents,
		metrics, r.Partial, r.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.RunID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM redistribution_events WHERE run_id = $1`, r.RunID); err != nil {
		return fmt.Errorf("clearing redistribution events: %w", err)
	}

	if len(r.Redistributions) > 0 {
		batch := &pgx.Batch{}
		for _, ev := range r.Redistributions {
			batch.Queue(`
				INSERT INTO redistribution_events (
					run_id, trigger_agent, remaining_agents, new_per_agent_rate, total_rate, occurred_at
				) VALUES ($1, $2, $3, $4, $5, $6)
			`, r.RunID, ev.Trigger, ev.RemainingAgents, ev.NewPerAgentRate, ev.TotalRate, ev.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting redistribution events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]types.RunResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, name, started_at, ended_at, duration_sec, agent_ids,
			per_agent_rate, total_rate, active_agents, total_agents,
			metrics, partial, error
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.RunResult
	index := make(map[string]int)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		index[r.RunID] = len(runs)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	events, err := s.redistributions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for runID, evs := range events {
		runs[index[runID]].Redistributions = evs
	}
	return runs, nil
}

// GetRun retrieves one run by id. It returns nil, nil when the run is unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.RunResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, name, started_at, ended_at, duration_sec, agent_ids,
			per_agent_rate, total_rate, active_agents, total_agents,
			metrics, partial, error
		FROM runs WHERE run_id = $1
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	events, err := s.redistributions(ctx, []string{runID})
	if err != nil {
		return nil, err
	}
	r.Redistributions = events[runID]
	return &r, nil
}

func (s *Store) redistributions(ctx context.Context, runIDs []string) (map[string][]types.RedistributionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, trigger_agent, remaining_agents, new_per_agent_rate, total_rate, occurred_at
		FROM redistribution_events
		WHERE run_id = ANY($1)
		ORDER BY occurred_at, id
	`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("querying redistribution events: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]types.RedistributionEvent)
	for rows.Next() {
		var runID string
		var ev types.RedistributionEvent
		if err := rows.Scan(&runID, &ev.Trigger, &ev.RemainingAgents, &ev.NewPerAgentRate, &ev.TotalRate, &ev.Timestamp); err != nil {
			return nil, err
		}
		out[runID] = append(out[runID], ev)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (types.RunResult, error) {
	var r types.RunResult
	var metrics []byte
	err := row.Scan(
		&r.RunID, &r.Name, &r.StartedAt, &r.EndedAt, &r.Duration, &r.AgentIDs,
		&r.PerAgentRate, &r.TotalRate, &r.Stats.ActiveAgents, &r.Stats.TotalAgents,
		&metrics, &r.Partial, &r.Error,
	)
	if err != nil {
		return r, err
	}
	r.Stats.Timestamp = r.EndedAt
	r.Stats.Metrics, err = decodeMetrics(metrics)
	return r, err
}

func encodeMetrics(m map[string]float64) ([]byte, error) {
	if m == nil {
		m = map[string]float64{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metrics: %w", err)
	}
	return data, nil
}

func decodeMetrics(data []byte) (map[string]float64, error) {
	m := map[string]float64{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding metrics: %w", err)
	}
	return m, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
