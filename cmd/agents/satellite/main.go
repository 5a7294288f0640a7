// Satellite Agent - Verifies ingested hotspots against historic baselines and dispatches drone missions
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/agent"
	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/messages"
	natsutil "github.com/agile-defense/firegrid/pkg/nats"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/postgres"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/store"
	"github.com/agile-defense/firegrid/pkg/telemetry"
)

// ObservationStore keeps verified-or-not hotspots as future baseline history
type ObservationStore interface {
	RecordObservation(ctx context.Context, h messages.Hotspot) error
	IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error)
}

// SatelliteAgent runs Level 1 and Level 2 for every ingested hotspot
type SatelliteAgent struct {
	*agent.BaseAgent
	logger       zerolog.Logger
	pipeline     *pipeline.Pipeline
	observations ObservationStore
	publish      func(ctx context.Context, msg messages.Message) error
	missions     *prometheus.CounterVec
}

// NewSatelliteAgent creates a new satellite agent. baselines and
// observations may be nil, in which case the configured fallback baseline
// is used and nothing is recorded.
func NewSatelliteAgent(cfg agent.Config, pc config.PipelineConfig, baselines satellite.BaselineLookup, observations ObservationStore) (*SatelliteAgent, error) {
	base, err := agent.NewBaseAgent(cfg)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.Build(pc, baselines, pipeline.SimulatedSources(pc.SimulationSeed), *base.Logger(),
		pipeline.WithMetrics(pipeline.NewMetrics(base.Metrics())))
	if err != nil {
		return nil, err
	}

	missions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_missions_dispatched_total",
		Help: "Drone missions dispatched by sensitivity level",
	}, []string{"sensitivity"})
	base.Metrics().MustRegister(missions)

	a := &SatelliteAgent{
		BaseAgent:    base,
		logger:       *base.Logger(),
		pipeline:     p,
		observations: observations,
		missions:     missions,
	}
	a.publish = a.Publish
	return a, nil
}

// Run starts the satellite agent
func (a *SatelliteAgent) Run(ctx context.Context) error {
	// Start base agent (connects to NATS)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start base agent: %w", err)
	}

	// Ensure streams exist
	if err := natsutil.SetupStreams(ctx, a.JetStream()); err != nil {
		return fmt.Errorf("failed to setup streams: %w", err)
	}

	consumer, err := natsutil.SetupConsumer(ctx, a.JetStream(), natsutil.StreamHotspots, "satellite")
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	a.logger.Info().Msg("Satellite agent started, consuming from HOTSPOTS stream")

	return a.Consume(ctx, consumer, "hotspot", a.handleHotspot)
}

// handleHotspot verifies one hotspot and publishes the resulting mission
func (a *SatelliteAgent) handleHotspot(ctx context.Context, msg jetstream.Msg) error {
	var ev messages.HotspotEvent
	ctx, err := a.Decode(ctx, msg.Data(), &ev)
	if err != nil {
		return err
	}
	if err := messages.ValidateHotspot(ev.Hotspot); err != nil {
		return fmt.Errorf("%w: %w", agent.ErrUndeliverable, err)
	}

	correlationID := ev.Envelope.Correlation()
	v, mission := a.pipeline.Screen(ctx, ev.Hotspot)

	// Recorded after screening so a hotspot never counts toward its own baseline
	if a.observations != nil && ev.Hotspot.Complete() {
		if err := a.observations.RecordObservation(ctx, ev.Hotspot); err != nil {
			a.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Failed to record observation")
			a.RecordError("observation_error")
		} else if _, err := a.observations.IncrementCounter(ctx, store.CounterObservations, 1); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to increment observation counter")
		}
	}

	dispatch := messages.NewMissionDispatch(&ev, a.ID(), v, mission)
	if err := a.publish(ctx, dispatch); err != nil {
		return fmt.Errorf("failed to publish mission: %w", err)
	}
	a.missions.WithLabelValues(string(mission.SensitivityLevel)).Inc()

	a.logger.Info().
		Str("correlation_id", correlationID).
		Bool("verified", v.Verified).
		Float64("delta", v.Delta).
		Float64("confidence", v.Confidence).
		Str("sensitivity", string(mission.SensitivityLevel)).
		Str("subject", dispatch.Subject()).
		Msg("Published drone mission")

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

	db, err := postgres.NewPool(ctx, fc.Postgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to PostgreSQL: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if fc.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to migrate PostgreSQL: %v\n", err)
			os.Exit(1)
		}
	}

	// Create agent
	sat, err := NewSatelliteAgent(agent.NewConfig(fc, agent.AgentTypeSatellite), fc.Pipeline, db, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create satellite agent: %v\n", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.Setup(ctx, fc.Telemetry, "firegrid-satellite", sat.logger)
	if err != nil {
		sat.logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start metrics server
	go func() {
		sat.logger.Info().Str("addr", fc.Service.MetricsAddr).Msg("Starting metrics server")
		if err := http.ListenAndServe(fc.Service.MetricsAddr, sat.MetricsHandler()); err != nil {
			sat.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Run agent
	go func() {
		if err := sat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sat.logger.Error().Err(err).Msg("Satellite agent error")
			cancel()
		}
	}()

	// Wait for shutdown signal or agent failure
	select {
	case sig := <-sigChan:
		sat.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := sat.Stop(shutdownCtx); err != nil {
		sat.logger.Error().Err(err).Msg("Error during shutdown")
	}
	shutdownTracing(shutdownCtx)

	sat.logger.Info().Msg("Satellite agent stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
