package opa

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/pipeline"
)

//go:embed policies/dispatch.rego
var dispatchPolicy string

// Local evaluates the bundled dispatch policy in process
type Local struct {
	query rego.PreparedEvalQuery
}

var _ pipeline.DispatchPolicy = (*Local)(nil)

// NewLocal compiles the bundled dispatch policy
func NewLocal(ctx context.Context) (*Local, error) {
	query, err := rego.New(
		rego.Query("data.firegrid.dispatch"),
		rego.Module("dispatch.rego", dispatchPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dispatch policy: %w", err)
	}
	return &Local{query: query}, nil
}

// CheckDispatch rules on whether a response plan may be released to crews
func (l *Local) CheckDispatch(ctx context.Context, plan *messages.ResponsePlan) (*messages.PolicyDecision, error) {
	input, err := planInput(plan)
	if err != nil {
		return nil, err
	}

	rs, err := l.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate dispatch policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("dispatch policy returned no result")
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected dispatch policy result %T", rs[0].Expressions[0].Value)
	}
	return decisionFromResult(DispatchPath, result), nil
}

// Health always succeeds for the embedded engine
func (l *Local) Health(context.Context) error {
	return nil
}

// Policy is a dispatch policy with a health probe
type Policy interface {
	pipeline.DispatchPolicy
	Health(ctx context.Context) error
}

// NewPolicy returns the dispatch policy selected by cfg
func NewPolicy(ctx context.Context, cfg config.OPAConfig) (Policy, error) {
	switch cfg.Mode {
	case config.OPAModeRemote:
		return NewClient(cfg.URL), nil
	case config.OPAModeEmbedded, "":
		return NewLocal(ctx)
	default:
		return nil, fmt.Errorf("unknown OPA mode %q", cfg.Mode)
	}
}
