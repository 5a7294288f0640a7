package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/pipeline"
)

// Sink persists pipeline assessments: the decision trace always, and for
// escalated decisions the response plan after the dispatch policy ruled on it
type Sink struct {
	name    string
	store   Store
	policy  pipeline.DispatchPolicy
	agentID string
	logger  zerolog.Logger
}

var _ pipeline.Sink = (*Sink)(nil)

// NewSink creates a sink. A nil policy releases every plan.
func NewSink(name string, s Store, policy pipeline.DispatchPolicy, agentID string, logger zerolog.Logger) *Sink {
	return &Sink{
		name:    name,
		store:   s,
		policy:  policy,
		agentID: agentID,
		logger:  logger.With().Str("sink", name).Logger(),
	}
}

// Name returns the sink name used in metrics
func (s *Sink) Name() string {
	return s.name
}

// Record writes the assessment
func (s *Sink) Record(ctx context.Context, a *pipeline.Assessment) error {
	d := a.FireDecision(s.agentID)
	if err := s.store.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	s.count(ctx, CounterDecisions)

	plan := a.ResponsePlan(d, s.agentID)
	if plan == nil {
		return nil
	}

	if err := pipeline.Release(ctx, s.policy, plan); err != nil {
		s.logger.Warn().
			Err(err).
			Str("correlation_id", a.CorrelationID).
			Msg("Dispatch policy check failed, holding response")
	}

	if err := s.store.InsertResponse(ctx, plan); err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	s.count(ctx, CounterResponses)
	return nil
}

func (s *Sink) count(ctx context.Context, name string) {
	if _, err := s.store.IncrementCounter(ctx, name, 1); err != nil {
		s.logger.Warn().Err(err).Str("counter", name).Msg("Failed to increment counter")
	}
}
