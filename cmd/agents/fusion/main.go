// Fusion Agent - Runs the Level 3 sensor sweep for each drone mission and publishes fused fire decisions
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/agent"
	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	natsutil "github.com/agile-defense/firegrid/pkg/nats"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/sensor"
	"github.com/agile-defense/firegrid/pkg/telemetry"
)

// Hardware sample subjects. Samples are plain JSON from the drone's
// onboard sensors and are not signed.
const (
	acousticSubject = "sensor.acoustic.>"
	chemicalSubject = "sensor.chemical.>"
)

// AcousticPush is one spectral measurement from a drone microphone
type AcousticPush struct {
	FireBandEnergy float64 `json:"fire_band_energy"`
	WindEnergy     float64 `json:"wind_energy"`
}

// ChemicalPush is one gas measurement from a drone sniffer
type ChemicalPush struct {
	COppm  float64 `json:"co_ppm"`
	CO2ppm float64 `json:"co2_ppm"`
	NOxppm float64 `json:"nox_ppm"`
}

// FusionAgent keeps the vision state and votes over sensor sweeps
type FusionAgent struct {
	*agent.BaseAgent
	logger   zerolog.Logger
	pipeline *pipeline.Pipeline
	live     *sensor.Live
	publish  func(ctx context.Context, msg messages.Message) error
	subs     []*nats.Subscription
	samples  *prometheus.CounterVec
}

// NewFusionAgent creates a new fusion agent. Hardware samples pushed on the
// bus are used while younger than the configured live sample age; the
// simulated sources fill in otherwise.
func NewFusionAgent(cfg agent.Config, pc config.PipelineConfig) (*FusionAgent, error) {
	base, err := agent.NewBaseAgent(cfg)
	if err != nil {
		return nil, err
	}

	sim := pipeline.SimulatedSources(pc.SimulationSeed)
	live := sensor.NewLive(pc.LiveSampleAge, sim.Acoustic, sim.Chemical)

	p, err := pipeline.Build(pc, nil, pipeline.LiveSources(live, sim), *base.Logger(),
		pipeline.WithMetrics(pipeline.NewMetrics(base.Metrics())))
	if err != nil {
		return nil, err
	}

	samples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_hardware_samples_total",
		Help: "Hardware sensor samples received by modality",
	}, []string{"modality"})
	base.Metrics().MustRegister(samples)

	a := &FusionAgent{
		BaseAgent: base,
		logger:    *base.Logger(),
		pipeline:  p,
		live:      live,
		samples:   samples,
	}
	a.publish = a.Publish
	return a, nil
}

// Run starts the fusion agent
func (a *FusionAgent) Run(ctx context.Context) error {
	// Start base agent (connects to NATS)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start base agent: %w", err)
	}

	// Ensure streams exist
	if err := natsutil.SetupStreams(ctx, a.JetStream()); err != nil {
		return fmt.Errorf("failed to setup streams: %w", err)
	}

	// Every fusion agent sees every vision detection and hardware sample
	handlers := map[string]nats.MsgHandler{
		"vision.event.>": a.handleVision,
		acousticSubject:  a.handleAcoustic,
		chemicalSubject:  a.handleChemical,
	}
	for subject, h := range handlers {
		sub, err := a.NATS().Subscribe(subject, h)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		a.subs = append(a.subs, sub)
	}
	defer func() {
		for _, sub := range a.subs {
			sub.Unsubscribe()
		}
	}()

	consumer, err := natsutil.SetupConsumer(ctx, a.JetStream(), natsutil.StreamMissions, "fusion")
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	a.logger.Info().Msg("Fusion agent started, consuming from MISSIONS stream")

	return a.Consume(ctx, consumer, "mission", a.handleMission)
}

// handleVision folds a detection into the vision state
func (a *FusionAgent) handleVision(msg *nats.Msg) {
	var ev messages.VisionEvent
	if _, err := a.Decode(context.Background(), msg.Data, &ev); err != nil {
		a.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping vision event")
		a.RecordError("vision_decode")
		return
	}
	if err := messages.ValidateVisionEvent(&ev); err != nil {
		a.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping invalid vision event")
		a.RecordError("vision_invalid")
		return
	}

	smoothed := a.pipeline.ObserveVision(&ev)
	a.RecordMessage("success", "vision")

	a.logger.Debug().
		Str("camera", ev.Camera).
		Float64("confidence", ev.Confidence).
		Float64("smoothed", smoothed).
		Msg("Vision state updated")
}

func (a *FusionAgent) handleAcoustic(msg *nats.Msg) {
	var s AcousticPush
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		a.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping acoustic sample")
		a.RecordError("sample_decode")
		return
	}
	a.live.PushAcoustic(s.FireBandEnergy, s.WindEnergy)
	a.samples.WithLabelValues("acoustic").Inc()
}

func (a *FusionAgent) handleChemical(msg *nats.Msg) {
	var s ChemicalPush
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		a.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping chemical sample")
		a.RecordError("sample_decode")
		return
	}
	a.live.PushChemical(s.COppm, s.CO2ppm, s.NOxppm)
	a.samples.WithLabelValues("chemical").Inc()
}

// handleMission runs the sensor sweep and fusion vote for one mission
func (a *FusionAgent) handleMission(ctx context.Context, msg jetstream.Msg) error {
	var m messages.MissionDispatch
	ctx, err := a.Decode(ctx, msg.Data(), &m)
	if err != nil {
		return err
	}

	sweep := a.pipeline.Sense(ctx, m.Mission)
	trace := a.pipeline.Decide(ctx, sweep)

	decision := messages.NewFireDecision(&m, a.ID(), sweep, trace)
	if err := a.publish(ctx, decision); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}

	a.logger.Info().
		Str("correlation_id", decision.Envelope.Correlation()).
		Str("mission_id", m.Mission.MissionID).
		Float64("vision", sweep.Vision.Confidence).
		Float64("acoustic", sweep.Acoustic.Confidence).
		Float64("chemical", sweep.Chemical.Confidence).
		Float64("final_score", trace.FinalScore).
		Str("decision", string(trace.Decision)).
		Bool("override", trace.OverrideApplied).
		Msg("Published fire decision")

	return nil
}

func main() {
	fc, err := config.Load(getEnv("FIREGRID_CONFIG", "firegrid.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create agent
	fusion, err := NewFusionAgent(agent.NewConfig(fc, agent.AgentTypeFusion), fc.Pipeline)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create fusion agent: %v\n", err)
		os.Exit(1)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, fc.Telemetry, "firegrid-fusion", fusion.logger)
	if err != nil {
		fusion.logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start metrics server
	go func() {
		fusion.logger.Info().Str("addr", fc.Service.MetricsAddr).Msg("Starting metrics server")
		if err := http.ListenAndServe(fc.Service.MetricsAddr, fusion.MetricsHandler()); err != nil {
			fusion.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Run agent
	go func() {
		if err := fusion.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fusion.logger.Error().Err(err).Msg("Fusion agent error")
			cancel()
		}
	}()

	// Wait for shutdown signal or agent failure
	select {
	case sig := <-sigChan:
		fusion.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := fusion.Stop(shutdownCtx); err != nil {
		fusion.logger.Error().Err(err).Msg("Error during shutdown")
	}
	shutdownTracing(shutdownCtx)

	fusion.logger.Info().Msg("Fusion agent stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
