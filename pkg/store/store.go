// Package store defines the persistence records shared by the PostgreSQL and
// SQLite backends, and the pipeline sink that writes assessments to them.
package store

import (
	"context"
	"time"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// Historic baseline window: observations from the last BaselineWindow,
// within BaselineHourSpan of the same hour of day and BaselineRadiusDeg on
// each axis, are averaged.
const (
	BaselineWindow    = 30 * 24 * time.Hour
	BaselineHourSpan  = 1
	BaselineRadiusDeg = 0.05
)

// Counter names kept in system_counters
const (
	CounterObservations = "hotspots_observed"
	CounterDecisions    = "decisions_recorded"
	CounterResponses    = "responses_recorded"
)

// DecisionRow is a fused decision stored in the database
type DecisionRow struct {
	MessageID        string                 `json:"message_id"`
	CorrelationID    string                 `json:"correlation_id"`
	Latitude         float64                `json:"latitude"`
	Longitude        float64                `json:"longitude"`
	Decision         messages.Decision      `json:"decision"`
	FinalScore       float64                `json:"final_score"`
	EffectiveScore   float64                `json:"effective_score"`
	TriggeredSniffer bool                   `json:"triggered_sniffer"`
	Trace            messages.DecisionTrace `json:"trace"`
	CreatedAt        time.Time              `json:"created_at"`
}

// DecisionFilter defines filter options for decision queries
type DecisionFilter struct {
	Decision      string
	CorrelationID string
	Since         *time.Time
	Limit         int
	Offset        int
}

// ResponseRow is a response plan stored in the database
type ResponseRow struct {
	ResponseID    string                  `json:"response_id"`
	CorrelationID string                  `json:"correlation_id"`
	Decision      messages.Decision       `json:"decision"`
	Latitude      float64                 `json:"latitude"`
	Longitude     float64                 `json:"longitude"`
	Spread        *messages.SpreadCone    `json:"spread,omitempty"`
	Sniffer       *messages.SnifferPath   `json:"sniffer,omitempty"`
	Released      bool                    `json:"released"`
	Policy        messages.PolicyDecision `json:"policy"`
	CreatedAt     time.Time               `json:"created_at"`
}

// ResponseFilter defines filter options for response queries
type ResponseFilter struct {
	Released *bool
	Limit    int
	Offset   int
}

// Store is implemented by both database backends
type Store interface {
	Baseline(ctx context.Context, lat, lon float64, at time.Time) (float64, error)
	RecordObservation(ctx context.Context, h messages.Hotspot) error
	InsertDecision(ctx context.Context, d *messages.FireDecision) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRow, error)
	GetDecision(ctx context.Context, messageID string) (*DecisionRow, error)
	InsertResponse(ctx context.Context, r *messages.ResponsePlan) error
	ListResponses(ctx context.Context, filter ResponseFilter) ([]ResponseRow, error)
	IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error)
	Counter(ctx context.Context, counterName string) (int64, error)
	Health(ctx context.Context) error
}

// HourDistance is the circular distance in hours between two hours of day
func HourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}
