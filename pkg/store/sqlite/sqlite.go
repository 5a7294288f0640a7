// Package sqlite is the pure-Go edge store used by the local CLI when no
// PostgreSQL server is reachable
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS hotspot_observations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  lat REAL NOT NULL,
  lon REAL NOT NULL,
  brightness_k REAL NOT NULL,
  observed_at INTEGER NOT NULL,
  observed_hour INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_loc ON hotspot_observations(lat, lon, observed_at);
CREATE TABLE IF NOT EXISTS decision_traces (
  message_id TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  lat REAL NOT NULL,
  lon REAL NOT NULL,
  decision TEXT NOT NULL,
  final_score REAL NOT NULL,
  effective_score REAL NOT NULL,
  triggered_sniffer INTEGER NOT NULL DEFAULT 0,
  trace TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS response_plans (
  response_id TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  decision TEXT NOT NULL,
  lat REAL NOT NULL,
  lon REAL NOT NULL,
  spread TEXT,
  sniffer TEXT,
  released INTEGER NOT NULL DEFAULT 0,
  policy TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS system_counters (
  counter_name TEXT PRIMARY KEY,
  counter_value INTEGER NOT NULL DEFAULT 0,
  last_updated INTEGER NOT NULL
);
`

// Store is a SQLite-backed store.Store
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps in-memory databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks the database connection
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordObservation stores a complete hotspot for future baselines.
// Incomplete hotspots are ignored.
func (s *Store) RecordObservation(ctx context.Context, h messages.Hotspot) error {
	if !h.Complete() {
		return nil
	}
	at := h.AcquiredAt
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hotspot_observations (lat, lon, brightness_k, observed_at, observed_hour) VALUES (?, ?, ?, ?, ?)`,
		*h.Latitude, *h.Longitude, *h.BrightnessK, at.Unix(), at.Hour(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// Baseline returns the mean brightness of nearby observations from the last
// 30 days at a similar hour of day
func (s *Store) Baseline(ctx context.Context, lat, lon float64, at time.Time) (float64, error) {
	at = at.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT brightness_k, observed_hour FROM hotspot_observations
		WHERE observed_at >= ? AND observed_at < ?
		  AND lat BETWEEN ? AND ?
		  AND lon BETWEEN ? AND ?`,
		at.Add(-store.BaselineWindow).Unix(), at.Unix(),
		lat-store.BaselineRadiusDeg, lat+store.BaselineRadiusDeg,
		lon-store.BaselineRadiusDeg, lon+store.BaselineRadiusDeg,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query baseline: %w", err)
	}
	defer rows.Close()

	var sum float64
	var n int
	for rows.Next() {
		var brightness float64
		var hour int
		if err := rows.Scan(&brightness, &hour); err != nil {
			return 0, fmt.Errorf("failed to scan observation: %w", err)
		}
		if store.HourDistance(hour, at.Hour()) <= store.BaselineHourSpan {
			sum += brightness
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating observations: %w", err)
	}

	if n == 0 {
		return 0, satellite.ErrNoBaseline
	}
	return sum / float64(n), nil
}

// InsertDecision stores a fused decision
func (s *Store) InsertDecision(ctx context.Context, d *messages.FireDecision) error {
	trace, err := json.Marshal(d.Trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_traces (
			message_id, correlation_id, lat, lon, decision,
			final_score, effective_score, triggered_sniffer, trace, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Envelope.MessageID, d.Envelope.Correlation(), d.Location.Lat, d.Location.Lon, string(d.Trace.Decision),
		d.Trace.FinalScore, d.Trace.EffectiveScore, d.Trace.TriggeredSniffer, string(trace), timestamp(d.Envelope.Timestamp, s.now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

const decisionColumns = `message_id, correlation_id, lat, lon, decision,
	final_score, effective_score, triggered_sniffer, trace, created_at`

// ListDecisions retrieves decisions, newest first
func (s *Store) ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]store.DecisionRow, error) {
	query := `SELECT ` + decisionColumns + ` FROM decision_traces WHERE 1=1`
	args := []any{}

	if filter.Decision != "" {
		query += " AND decision = ?"
		args = append(args, filter.Decision)
	}
	if filter.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, filter.CorrelationID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UnixNano())
	}

	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// GetDecision retrieves one decision by message ID, or nil if absent
func (s *Store) GetDecision(ctx context.Context, messageID string) (*store.DecisionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_traces WHERE message_id = ?`, messageID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(sc scanner) (*store.DecisionRow, error) {
	var d store.DecisionRow
	var decision, trace string
	var created int64
	err := sc.Scan(
		&d.MessageID, &d.CorrelationID, &d.Latitude, &d.Longitude, &decision,
		&d.FinalScore, &d.EffectiveScore, &d.TriggeredSniffer, &trace, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}
	if err := json.Unmarshal([]byte(trace), &d.Trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	d.Decision = messages.Decision(decision)
	d.CreatedAt = time.Unix(0, created).UTC()
	return &d, nil
}

// InsertResponse stores a response plan
func (s *Store) InsertResponse(ctx context.Context, r *messages.ResponsePlan) error {
	spread, err := nullableJSON(r.Spread)
	if err != nil {
		return fmt.Errorf("failed to marshal spread: %w", err)
	}
	sniffer, err := nullableJSON(r.Sniffer)
	if err != nil {
		return fmt.Errorf("failed to marshal sniffer path: %w", err)
	}
	policy, err := json.Marshal(r.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_plans (
			response_id, correlation_id, decision, lat, lon,
			spread, sniffer, released, policy, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ResponseID, r.Envelope.Correlation(), string(r.Decision), r.Location.Lat, r.Location.Lon,
		spread, sniffer, r.Released, string(policy), timestamp(r.Envelope.Timestamp, s.now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}
	return nil
}

// ListResponses retrieves response plans, newest first
func (s *Store) ListResponses(ctx context.Context, filter store.ResponseFilter) ([]store.ResponseRow, error) {
	query := `SELECT response_id, correlation_id, decision, lat, lon, spread, sniffer, released, policy, created_at
		FROM response_plans WHERE 1=1`
	args := []any{}

	if filter.Released != nil {
		query += " AND released = ?"
		args = append(args, *filter.Released)
	}

	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []store.ResponseRow
	for rows.Next() {
		var r store.ResponseRow
		var decision, policy string
		var spread, sniffer sql.NullString
		var created int64
		err := rows.Scan(
			&r.ResponseID, &r.CorrelationID, &decision, &r.Latitude, &r.Longitude,
			&spread, &sniffer, &r.Released, &policy, &created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.Decision = messages.Decision(decision)
		r.CreatedAt = time.Unix(0, created).UTC()

		if spread.Valid {
			r.Spread = &messages.SpreadCone{}
			if err := json.Unmarshal([]byte(spread.String), r.Spread); err != nil {
				return nil, fmt.Errorf("failed to decode spread: %w", err)
			}
		}
		if sniffer.Valid {
			r.Sniffer = &messages.SnifferPath{}
			if err := json.Unmarshal([]byte(sniffer.String), r.Sniffer); err != nil {
				return nil, fmt.Errorf("failed to decode sniffer path: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(policy), &r.Policy); err != nil {
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
func (s *Store) IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO system_counters (counter_name, counter_value, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(counter_name) DO UPDATE SET
			counter_value = counter_value + excluded.counter_value,
			last_updated = excluded.last_updated
		RETURNING counter_value`,
		counterName, increment, s.now().Unix(),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", counterName, err)
	}
	return value, nil
}

// Counter returns the current value of a named counter, 0 when unset
func (s *Store) Counter(ctx context.Context, counterName string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT counter_value FROM system_counters WHERE counter_name = ?`, counterName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", counterName, err)
	}
	return value, nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func timestamp(t time.Time, now func() time.Time) int64 {
	if t.IsZero() {
		t = now()
	}
	return t.UnixNano()
}
