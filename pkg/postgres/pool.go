// Package postgres provides PostgreSQL connection pooling and query helpers
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/store"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with domain-specific query methods
type Pool struct {
	*pgxpool.Pool
}

var _ store.Store = (*Pool)(nil)

// NewPool creates a connection pool from the configured URL and pool limits
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	return connect(ctx, poolCfg)
}

func poolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	return poolCfg, nil
}

func connect(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Migrate creates the tables and functions if they do not exist
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// RecordObservation stores a complete hotspot for future baselines.
// Incomplete hotspots are ignored.
func (p *Pool) RecordObservation(ctx context.Context, h messages.Hotspot) error {
	if !h.Complete() {
		return nil
	}
	observedAt := h.AcquiredAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	_, err := p.Exec(ctx, `
		INSERT INTO hotspot_observations (lat, lon, brightness_k, frp, satellite, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, *h.Latitude, *h.Longitude, *h.BrightnessK, h.FRP, h.Satellite, observedAt)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// Baseline returns the mean brightness of observations within 0.05 degrees
// over the last 30 days, restricted to within an hour of the same time of day
func (p *Pool) Baseline(ctx context.Context, lat, lon float64, at time.Time) (float64, error) {
	query := `
		SELECT AVG(brightness_k)
		FROM hotspot_observations
		WHERE observed_at >= $1 AND observed_at < $2
		  AND lat BETWEEN $3 AND $4
		  AND lon BETWEEN $5 AND $6
		  AND LEAST(
				ABS(EXTRACT(HOUR FROM observed_at AT TIME ZONE 'UTC') - $7),
				24 - ABS(EXTRACT(HOUR FROM observed_at AT TIME ZONE 'UTC') - $7)
			) <= $8
	`

	at = at.UTC()
	var mean *float64
	err := p.QueryRow(ctx, query,
		at.Add(-store.BaselineWindow), at,
		lat-store.BaselineRadiusDeg, lat+store.BaselineRadiusDeg,
		lon-store.BaselineRadiusDeg, lon+store.BaselineRadiusDeg,
		at.Hour(), store.BaselineHourSpan,
	).Scan(&mean)
	if err != nil {
		return 0, fmt.Errorf("failed to query baseline: %w", err)
	}
	if mean == nil {
		return 0, satellite.ErrNoBaseline
	}
	return *mean, nil
}

// InsertDecision inserts a fused decision. Redelivered messages are ignored.
func (p *Pool) InsertDecision(ctx context.Context, d *messages.FireDecision) error {
	query := `
		INSERT INTO decision_traces (
			message_id, correlation_id, lat, lon, decision,
			final_score, effective_score, triggered_sniffer, trace, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO NOTHING
	`

	trace, err := json.Marshal(d.Trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	_, err = p.Exec(ctx, query,
		d.Envelope.MessageID, d.Envelope.Correlation(), d.Location.Lat, d.Location.Lon,
		string(d.Trace.Decision), d.Trace.FinalScore, d.Trace.EffectiveScore, d.Trace.TriggeredSniffer,
		trace, createdAt(d.Envelope.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

const decisionColumns = `
	message_id, correlation_id, lat, lon, decision,
	final_score, effective_score, triggered_sniffer, trace, created_at
`

// ListDecisions retrieves decisions with optional filtering
func (p *Pool) ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]store.DecisionRow, error) {
	query := `SELECT ` + decisionColumns + ` FROM decision_traces WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.Decision != "" {
		query += fmt.Sprintf(" AND decision = $%d", argNum)
		args = append(args, filter.Decision)
		argNum++
	}

	if filter.CorrelationID != "" {
		query += fmt.Sprintf(" AND correlation_id = $%d", argNum)
		args = append(args, filter.CorrelationID)
		argNum++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []store.DecisionRow
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}

	return decisions, nil
}

// GetDecision retrieves a single decision by message ID
func (p *Pool) GetDecision(ctx context.Context, messageID string) (*store.DecisionRow, error) {
	row := p.QueryRow(ctx, `SELECT `+decisionColumns+` FROM decision_traces WHERE message_id = $1`, messageID)
	d, err := scanDecision(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDecision(row pgx.Row) (*store.DecisionRow, error) {
	var d store.DecisionRow
	var decision string
	var trace []byte

	err := row.Scan(
		&d.MessageID, &d.CorrelationID, &d.Latitude, &d.Longitude, &decision,
		&d.FinalScore, &d.EffectiveScore, &d.TriggeredSniffer, &trace, &d.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}

	if err := json.Unmarshal(trace, &d.Trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	d.Decision = messages.Decision(decision)
	return &d, nil
}

// InsertResponse inserts a response plan. Redelivered messages are ignored.
func (p *Pool) InsertResponse(ctx context.Context, r *messages.ResponsePlan) error {
	query := `
		INSERT INTO response_plans (
			response_id, correlation_id, decision, lat, lon,
			spread, sniffer, released, policy, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (response_id) DO NOTHING
	`

	spread, err := jsonOrNil(r.Spread)
	if err != nil {
		return fmt.Errorf("failed to marshal spread: %w", err)
	}
	sniffer, err := jsonOrNil(r.Sniffer)
	if err != nil {
		return fmt.Errorf("failed to marshal sniffer path: %w", err)
	}
	policy, err := json.Marshal(r.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = p.Exec(ctx, query,
		r.ResponseID, r.Envelope.Correlation(), string(r.Decision), r.Location.Lat, r.Location.Lon,
		spread, sniffer, r.Released, policy, createdAt(r.Envelope.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}
	return nil
}

// ListResponses retrieves response plans with optional filtering
func (p *Pool) ListResponses(ctx context.Context, filter store.ResponseFilter) ([]store.ResponseRow, error) {
	query := `
		SELECT
			response_id, correlation_id, decision, lat, lon,
			spread, sniffer, released, policy, created_at
		FROM response_plans
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.Released != nil {
		query += fmt.Sprintf(" AND released = $%d", argNum)
		args = append(args, *filter.Released)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []store.ResponseRow
	for rows.Next() {
		var r store.ResponseRow
		var decision string
		var spread, sniffer, policy []byte

		err := rows.Scan(
			&r.ResponseID, &r.CorrelationID, &decision, &r.Latitude, &r.Longitude,
			&spread, &sniffer, &r.Released, &policy, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.Decision = messages.Decision(decision)

		if spread != nil {
			r.Spread = &messages.SpreadCone{}
			if err := json.Unmarshal(spread, r.Spread); err != nil {
				return nil, fmt.Errorf("failed to decode spread: %w", err)
			}
		}
		if sniffer != nil {
			r.Sniffer = &messages.SnifferPath{}
			if err := json.Unmarshal(sniffer, r.Sniffer); err != nil {
				return nil, fmt.Errorf("failed to decode sniffer path: %w", err)
			}
		}
		if err := json.Unmarshal(policy, &r.Policy); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}

		responses = append(responses, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating responses: %w", err)
	}

	return responses, nil
}

// IncrementCounter atomically increments a named counter and returns the new value
func (p *Pool) IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error) {
	var newValue int64
	err := p.QueryRow(ctx, `SELECT increment_counter($1, $2)`, counterName, increment).Scan(&newValue)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", counterName, err)
	}
	return newValue, nil
}

// Counter returns the current value of a named counter, 0 when unset
func (p *Pool) Counter(ctx context.Context, counterName string) (int64, error) {
	var value int64
	err := p.QueryRow(ctx, `SELECT counter_value FROM system_counters WHERE counter_name = $1`, counterName).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter %s: %w", counterName, err)
	}
	return value, nil
}

// ClearAllResult contains the counts of deleted records per table
type ClearAllResult struct {
	Responses    int64 `json:"responses"`
	Decisions    int64 `json:"decisions"`
	Observations int64 `json:"observations"`
}

// ClearAll deletes all assessment data in one transaction and resets the
// counters. Returns the counts of deleted records per table.
func (p *Pool) ClearAll(ctx context.Context) (*ClearAllResult, error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &ClearAllResult{}
	var tag pgconn.CommandTag

	tag, err = tx.Exec(ctx, "DELETE FROM response_plans")
	if err != nil {
		return nil, fmt.Errorf("failed to delete from response_plans: %w", err)
	}
	result.Responses = tag.RowsAffected()

	tag, err = tx.Exec(ctx, "DELETE FROM decision_traces")
	if err != nil {
		return nil, fmt.Errorf("failed to delete from decision_traces: %w", err)
	}
	result.Decisions = tag.RowsAffected()

	tag, err = tx.Exec(ctx, "DELETE FROM hotspot_observations")
	if err != nil {
		return nil, fmt.Errorf("failed to delete from hotspot_observations: %w", err)
	}
	result.Observations = tag.RowsAffected()

	_, err = tx.Exec(ctx, "UPDATE system_counters SET counter_value = 0, last_updated = NOW()")
	if err != nil {
		return nil, fmt.Errorf("failed to reset counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// Health checks if the database connection is healthy
func (p *Pool) Health(ctx context.Context) error {
	return p.Ping(ctx)
}

func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
