// Responder Agent - Projects spread and plans sniffer sweeps for escalated fire decisions, gated by the dispatch policy
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/agent"
	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	natsutil "github.com/agile-defense/firegrid/pkg/nats"
	"github.com/agile-defense/firegrid/pkg/opa"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/telemetry"
)

// ResponderAgent turns escalated decisions into response plans
type ResponderAgent struct {
	*agent.BaseAgent
	logger   zerolog.Logger
	pipeline *pipeline.Pipeline
	policy   pipeline.DispatchPolicy
	limiter  *pipeline.AlertLimiter
	publish  func(ctx context.Context, msg messages.Message) error
	now      func() time.Time
	plans    *prometheus.CounterVec
}

// NewResponderAgent creates a new responder agent. A nil policy releases
// every plan.
func NewResponderAgent(cfg agent.Config, pc config.PipelineConfig, policy pipeline.DispatchPolicy) (*ResponderAgent, error) {
	base, err := agent.NewBaseAgent(cfg)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.Build(pc, nil, pipeline.SimulatedSources(pc.SimulationSeed), *base.Logger(),
		pipeline.WithMetrics(pipeline.NewMetrics(base.Metrics())))
	if err != nil {
		return nil, err
	}

	plans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "responder_plans_total",
		Help: "Response plans published by decision and release outcome",
	}, []string{"decision", "released"})
	base.Metrics().MustRegister(plans)

	a := &ResponderAgent{
		BaseAgent: base,
		logger:    *base.Logger(),
		pipeline:  p,
		policy:    policy,
		limiter:   pipeline.NewAlertLimiter(pc.AlertMinMove, pc.AlertInterval),
		now:       time.Now,
		plans:     plans,
	}
	a.publish = a.Publish
	return a, nil
}

// Run starts the responder agent
func (a *ResponderAgent) Run(ctx context.Context) error {
	// Start base agent (connects to NATS)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start base agent: %w", err)
	}

	// Ensure streams exist
	if err := natsutil.SetupStreams(ctx, a.JetStream()); err != nil {
		return fmt.Errorf("failed to setup streams: %w", err)
	}

	consumer, err := natsutil.SetupConsumer(ctx, a.JetStream(), natsutil.StreamDecisions, "responder")
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	a.logger.Info().Msg("Responder agent started, consuming from DECISIONS stream")

	return a.Consume(ctx, consumer, "decision", a.handleDecision)
}

// handleDecision plans the physical response for one decision
func (a *ResponderAgent) handleDecision(ctx context.Context, msg jetstream.Msg) error {
	var d messages.FireDecision
	ctx, err := a.Decode(ctx, msg.Data(), &d)
	if err != nil {
		return err
	}
	if !d.Trace.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", agent.ErrUndeliverable, d.Trace.Decision)
	}

	correlationID := d.Envelope.Correlation()

	if !d.Trace.Decision.Escalated() {
		a.logger.Debug().
			Str("correlation_id", correlationID).
			Str("decision", string(d.Trace.Decision)).
			Msg("No response needed")
		return nil
	}

	if d.LocationUnknown {
		a.logger.Warn().
			Str("correlation_id", correlationID).
			Str("decision", string(d.Trace.Decision)).
			Msg("Escalated decision has no location, response not planned")
		return nil
	}

	if !a.limiter.Allow(d.Location, a.now()) {
		a.pipeline.Metrics().AlertSuppressed()
		a.logger.Info().
			Str("correlation_id", correlationID).
			Float64("lat", d.Location.Lat).
			Float64("lon", d.Location.Lon).
			Msg("Alert suppressed, location unchanged since last response")
		return nil
	}

	cone, path := a.pipeline.Respond(ctx, d.Location, d.Wind, d.Trace, d.SnifferSteps)
	plan := messages.NewResponsePlan(&d, a.ID(), cone, path)

	if err := pipeline.Release(ctx, a.policy, plan); err != nil {
		a.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Dispatch policy unavailable, holding plan")
		a.RecordError("policy")
	}

	if err := a.publish(ctx, plan); err != nil {
		return fmt.Errorf("failed to publish response plan: %w", err)
	}
	a.plans.WithLabelValues(string(plan.Decision), strconv.FormatBool(plan.Released)).Inc()

	event := a.logger.Info().
		Str("correlation_id", correlationID).
		Str("response_id", plan.ResponseID).
		Str("decision", string(plan.Decision)).
		Bool("released", plan.Released)
	if cone != nil {
		event = event.Float64("rate_of_spread", cone.RateOfSpread).Float64("risk_area", cone.RiskArea)
	}
	if path != nil {
		event = event.Str("termination", string(path.Termination)).Int("waypoints", len(path.Points))
	}
	event.Msg("Published response plan")

	return nil
}

func main() {
	fc, err := config.Load(getEnv("FIREGRID_CONFIG", "firegrid.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := opa.NewPolicy(ctx, fc.OPA)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load dispatch policy: %v\n", err)
		os.Exit(1)
	}

	// Create agent
	responder, err := NewResponderAgent(agent.NewConfig(fc, agent.AgentTypeResponder), fc.Pipeline, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create responder agent: %v\n", err)
		os.Exit(1)
	}

	if err := policy.Health(ctx); err != nil {
		responder.logger.Warn().Err(err).Str("mode", string(fc.OPA.Mode)).Msg("Dispatch policy not healthy, plans will be held")
	}

	shutdownTracing, err := telemetry.Setup(ctx, fc.Telemetry, "firegrid-responder", responder.logger)
	if err != nil {
		responder.logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start metrics server
	go func() {
		responder.logger.Info().Str("addr", fc.Service.MetricsAddr).Msg("Starting metrics server")
		if err := http.ListenAndServe(fc.Service.MetricsAddr, responder.MetricsHandler()); err != nil {
			responder.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Run agent
	go func() {
		if err := responder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			responder.logger.Error().Err(err).Msg("Responder agent error")
			cancel()
		}
	}()

	// Wait for shutdown signal or agent failure
	select {
	case sig := <-sigChan:
		responder.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := responder.Stop(shutdownCtx); err != nil {
		responder.logger.Error().Err(err).Msg("Error during shutdown")
	}
	shutdownTracing(shutdownCtx)

	responder.logger.Info().Msg("Responder agent stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
