// Package pipeline composes the fire-risk stages into one escalation ladder:
// satellite filter, adaptive handshake, the three sensors, fusion voting and,
// for escalated decisions, spread projection and sniffer localization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agile-defense/firegrid/pkg/fusion"
	"github.com/agile-defense/firegrid/pkg/handshake"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/sensor"
	"github.com/agile-defense/firegrid/pkg/sniffer"
	"github.com/agile-defense/firegrid/pkg/spread"
)

const tracerName = "github.com/agile-defense/firegrid/pkg/pipeline"

// Stage names used for spans and latency metrics
const (
	StageSatellite = "satellite"
	StageHandshake = "handshake"
	StageSensors   = "sensors"
	StageFusion    = "fusion"
	StageSpread    = "spread"
	StageSniffer   = "sniffer"
)

// Stages are the components the pipeline drives
type Stages struct {
	Satellite *satellite.Filter
	Handshake *handshake.Handshake
	Vision    *sensor.Vision
	Acoustic  *sensor.Acoustic
	Chemical  *sensor.Chemical
	Fusion    *fusion.Voting
	Spread    *spread.Model
	Sniffer   *sniffer.Navigator
}

func (s Stages) validate() error {
	switch {
	case s.Satellite == nil:
		return errors.New("satellite filter is required")
	case s.Handshake == nil:
		return errors.New("handshake is required")
	case s.Vision == nil || s.Acoustic == nil || s.Chemical == nil:
		return errors.New("all three sensors are required")
	case s.Fusion == nil:
		return errors.New("fusion voting is required")
	case s.Spread == nil || s.Sniffer == nil:
		return errors.New("spread model and sniffer navigator are required")
	}
	return nil
}

// Sink receives every completed assessment
type Sink interface {
	Name() string
	Record(ctx context.Context, a *Assessment) error
}

// Request asks for one hotspot to be assessed
type Request struct {
	CorrelationID string
	Hotspot       messages.Hotspot
	Wind          *messages.Wind
	SnifferSteps  int
}

// Assessment is everything the pipeline concluded about one hotspot
type Assessment struct {
	CorrelationID   string                         `json:"correlation_id"`
	Location        messages.Position              `json:"location"`
	LocationUnknown bool                           `json:"location_unknown,omitempty"`
	Verification    messages.SatelliteVerification `json:"verification"`
	Mission         messages.DroneMissionConfig    `json:"mission"`
	Sweep           messages.SensorSweep           `json:"sweep"`
	Trace           messages.DecisionTrace         `json:"trace"`
	Spread          *messages.SpreadCone           `json:"spread,omitempty"`
	Sniffer         *messages.SnifferPath          `json:"sniffer,omitempty"`
	CompletedAt     time.Time                      `json:"completed_at"`
}

// Pipeline runs the stages in order
type Pipeline struct {
	stages      Stages
	defaultWind messages.Wind
	sinks       []Sink
	metrics     *Metrics
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSinks adds assessment sinks
func WithSinks(sinks ...Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, sinks...) }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer overrides the OpenTelemetry tracer
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithDefaultWind sets the wind used when a request carries none
func WithDefaultWind(w messages.Wind) Option {
	return func(p *Pipeline) { p.defaultWind = w }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline over the given stages
func New(stages Stages, logger zerolog.Logger, opts ...Option) (*Pipeline, error) {
	if err := stages.validate(); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	p := &Pipeline{
		stages: stages,
		logger: logger.With().Str("component", "pipeline").Logger(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p, nil
}

// Vision exposes the vision sensor for push updates
func (p *Pipeline) Vision() *sensor.Vision {
	return p.stages.Vision
}

// Metrics returns the pipeline collectors
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.metrics.stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Screen runs Level 1 and Level 2: hotspot verification and threshold adaptation
func (p *Pipeline) Screen(ctx context.Context, h messages.Hotspot) (messages.SatelliteVerification, messages.DroneMissionConfig) {
	sctx, span := p.tracer.Start(ctx, StageSatellite)
	start := time.Now()
	v := p.stages.Satellite.Verify(sctx, h)
	p.observe(StageSatellite, start)
	span.SetAttributes(
		attribute.Bool("verified", v.Verified),
		attribute.Float64("confidence", v.Confidence),
	)
	span.End()
	p.metrics.verifications.WithLabelValues(strconv.FormatBool(v.Verified)).Inc()

	_, span = p.tracer.Start(ctx, StageHandshake)
	start = time.Now()
	mission := p.stages.Handshake.ConfigureVerification(v)
	p.observe(StageHandshake, start)
	span.SetAttributes(attribute.String("sensitivity", string(mission.SensitivityLevel)))
	span.End()

	return v, mission
}

// Sense runs the three Level 3 sensors tuned by the mission thresholds. The
// vision confidence is the intensity hint for the acoustic and chemical
// stand-ins.
func (p *Pipeline) Sense(ctx context.Context, mission messages.DroneMissionConfig) messages.SensorSweep {
	ctx, span := p.tracer.Start(ctx, StageSensors)
	defer span.End()
	start := time.Now()

	th := mission.AdaptedThresholds
	vision := p.stages.Vision.Detect(ctx, th.VisionMinConf)
	hint := vision.Confidence

	sweep := messages.SensorSweep{
		Vision:   vision,
		Acoustic: p.stages.Acoustic.Detect(ctx, &hint),
		Chemical: p.stages.Chemical.Detect(ctx, &hint, th.SmokeMinDensity),
	}

	p.observe(StageSensors, start)
	span.SetAttributes(
		attribute.Float64("vision", sweep.Vision.Confidence),
		attribute.Float64("acoustic", sweep.Acoustic.Confidence),
		attribute.Float64("chemical", sweep.Chemical.Confidence),
		attribute.String("vision_source", string(sweep.Vision.Source)),
	)
	return sweep
}

// Decide runs fusion voting over a sweep
func (p *Pipeline) Decide(ctx context.Context, sweep messages.SensorSweep) messages.DecisionTrace {
	_, span := p.tracer.Start(ctx, StageFusion)
	defer span.End()
	start := time.Now()

	t := p.stages.Fusion.FuseSweep(sweep)

	p.observe(StageFusion, start)
	span.SetAttributes(
		attribute.Float64("final_score", t.FinalScore),
		attribute.String("decision", string(t.Decision)),
		attribute.Bool("override", t.OverrideApplied),
	)
	return t
}

// Respond runs Level 4 for an escalated decision: the spread cone when the
// decision is at least SMOKE_WITHOUT_FLAME and a sniffer path when fusion
// asked for one. Both are nil for SAFE.
func (p *Pipeline) Respond(ctx context.Context, loc messages.Position, wind *messages.Wind, t messages.DecisionTrace, steps int) (*messages.SpreadCone, *messages.SnifferPath) {
	var cone *messages.SpreadCone
	var path *messages.SnifferPath

	if t.Decision.Escalated() {
		w := p.defaultWind
		if wind != nil {
			w = *wind
		}
		_, span := p.tracer.Start(ctx, StageSpread)
		start := time.Now()
		c := p.stages.Spread.ProjectWind(loc, w)
		p.observe(StageSpread, start)
		span.SetAttributes(attribute.Float64("rate_of_spread", c.RateOfSpread))
		span.End()
		cone = &c
	}

	if t.TriggeredSniffer {
		_, span := p.tracer.Start(ctx, StageSniffer)
		start := time.Now()
		sp := p.stages.Sniffer.Localize(loc.Lat, loc.Lon, steps)
		p.observe(StageSniffer, start)
		span.SetAttributes(
			attribute.Int("points", len(sp.Points)),
			attribute.String("termination", string(sp.Termination)),
		)
		span.End()
		p.metrics.snifferDispatch.WithLabelValues(string(sp.Termination)).Inc()
		path = &sp
	}

	return cone, path
}

// Assess runs every stage for one hotspot. Every stage runs even when the
// satellite rejects the hotspot; only Level 4 depends on the decision, and it
// is skipped when the hotspot has no coordinates.
func (p *Pipeline) Assess(ctx context.Context, req Request) *Assessment {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ctx, span := p.tracer.Start(ctx, "assess", trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()

	verification, mission := p.Screen(ctx, req.Hotspot)
	loc := messages.Position{Lat: verification.Latitude, Lon: verification.Longitude}

	a := p.run(ctx, correlationID, loc, req.Hotspot.Located(), verification, mission, req.Wind, req.SnifferSteps)

	p.logger.Info().
		Str("correlation_id", correlationID).
		Bool("verified", verification.Verified).
		Float64("satellite_confidence", verification.Confidence).
		Str("sensitivity", string(mission.SensitivityLevel)).
		Float64("final_score", a.Trace.FinalScore).
		Str("decision", string(a.Trace.Decision)).
		Str("reasoning", a.Trace.Reasoning).
		Msg("Assessment complete")

	return a
}

// Trigger folds a pushed vision detection into the vision state and runs an
// immediate sensor sweep at the detection's location. No satellite evidence
// is involved, so base thresholds apply. A detection without a location gets
// a decision but no Level 4 response.
func (p *Pipeline) Trigger(ctx context.Context, ev *messages.VisionEvent, wind *messages.Wind, steps int) *Assessment {
	smoothed := p.ObserveVision(ev)

	correlationID := ev.Envelope.Correlation()
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ctx, span := p.tracer.Start(ctx, "vision_trigger", trace.WithAttributes(
		attribute.String("correlation_id", correlationID),
		attribute.Float64("smoothed_confidence", smoothed),
	))
	defer span.End()

	mission := p.stages.Handshake.Configure(nil)
	verification := messages.SatelliteVerification{Reason: satellite.ReasonMissingData, Timestamp: p.now().UTC()}

	var loc messages.Position
	if ev.Location != nil {
		loc = *ev.Location
		verification.Latitude, verification.Longitude = loc.Lat, loc.Lon
	}

	a := p.run(ctx, correlationID, loc, ev.Location != nil, verification, mission, wind, steps)

	p.logger.Info().
		Str("correlation_id", correlationID).
		Float64("vision_confidence", ev.Confidence).
		Float64("smoothed", smoothed).
		Str("decision", string(a.Trace.Decision)).
		Strs("levels_passed", a.Trace.LevelsPassed).
		Msg("Vision trigger assessed")

	return a
}

// ObserveVision folds a vision detection into the vision state without
// running a sweep and returns the smoothed confidence
func (p *Pipeline) ObserveVision(ev *messages.VisionEvent) float64 {
	smoothed := p.stages.Vision.Update(ev)
	p.metrics.visionUpdates.Inc()
	return smoothed
}

func (p *Pipeline) run(ctx context.Context, correlationID string, loc messages.Position, located bool,
	v messages.SatelliteVerification, mission messages.DroneMissionConfig, wind *messages.Wind, steps int) *Assessment {

	sweep := p.Sense(ctx, mission)
	t := p.Decide(ctx, sweep)

	var cone *messages.SpreadCone
	var path *messages.SnifferPath
	if located {
		cone, path = p.Respond(ctx, loc, wind, t, steps)
	} else if t.Decision.Escalated() {
		p.logger.Warn().
			Str("correlation_id", correlationID).
			Str("decision", string(t.Decision)).
			Msg("No location, Level 4 response skipped")
	}

	a := &Assessment{
		CorrelationID:   correlationID,
		Location:        loc,
		LocationUnknown: !located,
		Verification:    v,
		Mission:         mission,
		Sweep:           sweep,
		Trace:           t,
		Spread:          cone,
		Sniffer:         path,
		CompletedAt:     p.now().UTC(),
	}

	p.metrics.assessments.WithLabelValues(string(t.Decision)).Inc()
	p.emit(ctx, a)
	return a
}

func (p *Pipeline) emit(ctx context.Context, a *Assessment) {
	for _, s := range p.sinks {
		if err := s.Record(ctx, a); err != nil {
			p.metrics.sinkErrors.WithLabelValues(s.Name()).Inc()
			p.logger.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("correlation_id", a.CorrelationID).
				Msg("Failed to record assessment")
		}
	}
}
