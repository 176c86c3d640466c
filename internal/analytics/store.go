// Package analytics persists predict-path decisions to Postgres for
// dashboard aggregation (spec §4.P), modeled on the teacher's backup
// service: a thin service wrapping *sql.DB with context-bounded queries
// and a zap logger.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DecisionRecord is one logged predict-path outcome.
type DecisionRecord struct {
	RequestID    string
	ModelVersion string
	ActionCode   string
	ReasonCode   string
	DriftScore   float64
	PredictedAt  time.Time
}

// DashboardStats is the aggregation served by /dashboard/stats.
type DashboardStats struct {
	TotalDecisions   int64              `json:"total_decisions"`
	ActionCounts     map[string]int64   `json:"action_counts"`
	AvgDriftScore    float64            `json:"avg_drift_score"`
	WindowStart      time.Time          `json:"window_start"`
	WindowEnd        time.Time          `json:"window_end"`
}

// Store is the Postgres-backed analytics sink. Writes are best-effort and
// asynchronous from the predict path's perspective — a logging failure
// must never fail a prediction.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens a Postgres connection pool and verifies it with a
// bounded ping.
func NewStore(databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("analytics: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("analytics: ping database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// EnsureSchema creates the decisions table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS predict_decisions (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			model_version TEXT NOT NULL,
			action_code TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			drift_score DOUBLE PRECISION NOT NULL,
			predicted_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("analytics: ensure schema: %w", err)
	}
	return nil
}

// RecordAsync logs one decision in a detached goroutine so the predict
// path never blocks on, or fails because of, analytics persistence.
func (s *Store) RecordAsync(record DecisionRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.record(ctx, record); err != nil {
			s.logger.Warn("analytics: failed to record decision", zap.Error(err), zap.String("request_id", record.RequestID))
		}
	}()
}

func (s *Store) record(ctx context.Context, record DecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predict_decisions (request_id, model_version, action_code, reason_code, drift_score, predicted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.RequestID, record.ModelVersion, record.ActionCode, record.ReasonCode, record.DriftScore, record.PredictedAt,
	)
	return err
}

// DashboardAggregate computes decision counts and average drift score
// over the given window.
func (s *Store) DashboardAggregate(ctx context.Context, since time.Time) (DashboardStats, error) {
	stats := DashboardStats{
		ActionCounts: make(map[string]int64),
		WindowStart:  since,
		WindowEnd:    time.Now().UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action_code, COUNT(*), COALESCE(AVG(drift_score), 0)
		FROM predict_decisions
		WHERE predicted_at >= $1
		GROUP BY action_code`, since)
	if err != nil {
		return stats, fmt.Errorf("analytics: query aggregate: %w", err)
	}
	defer rows.Close()

	var weightedDriftSum float64
	for rows.Next() {
		var action string
		var count int64
		var avgDrift float64
		if err := rows.Scan(&action, &count, &avgDrift); err != nil {
			return stats, fmt.Errorf("analytics: scan aggregate row: %w", err)
		}
		stats.ActionCounts[action] = count
		stats.TotalDecisions += count
		weightedDriftSum += avgDrift * float64(count)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("analytics: iterate aggregate rows: %w", err)
	}

	if stats.TotalDecisions > 0 {
		stats.AvgDriftScore = weightedDriftSum / float64(stats.TotalDecisions)
	}
	return stats, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error { return s.db.Close() }
