package pipeline

import (
	"context"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// DispatchPolicy decides whether a response plan may be released to crews
type DispatchPolicy interface {
	CheckDispatch(ctx context.Context, plan *messages.ResponsePlan) (*messages.PolicyDecision, error)
}

// Release evaluates plan against policy and records the outcome on the
// plan. A policy error holds the plan and is returned.
func Release(ctx context.Context, policy DispatchPolicy, plan *messages.ResponsePlan) error {
	if policy == nil {
		plan.Released = true
		plan.Policy = messages.PolicyDecision{Allowed: true, Reasons: []string{"no dispatch policy configured"}}
		return nil
	}

	decision, err := policy.CheckDispatch(ctx, plan)
	if err != nil {
		plan.Released = false
		plan.Policy = messages.PolicyDecision{
			Allowed:    false,
			Violations: []string{"dispatch policy unavailable"},
		}
		return err
	}

	plan.Policy = *decision
	plan.Released = decision.Allowed
	return nil
}

// FireDecision converts the assessment into the decision record published
// and persisted for it
func (a *Assessment) FireDecision(agentID string) *messages.FireDecision {
	env := messages.NewEnvelope(agentID, "fusion")
	env.CorrelationID = a.CorrelationID
	return &messages.FireDecision{
		Envelope:        env,
		Location:        a.Location,
		LocationUnknown: a.LocationUnknown,
		Mission:         a.Mission,
		Sweep:           a.Sweep,
		Trace:           a.Trace,
	}
}

// ResponsePlan returns the held Level 4 plan for an escalated assessment,
// or nil when the decision is SAFE
func (a *Assessment) ResponsePlan(d *messages.FireDecision, agentID string) *messages.ResponsePlan {
	if a.Spread == nil && a.Sniffer == nil {
		return nil
	}
	return messages.NewResponsePlan(d, agentID, a.Spread, a.Sniffer)
}
