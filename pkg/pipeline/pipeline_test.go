package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/fusion"
	"github.com/agile-defense/firegrid/pkg/handshake"
	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/sensor"
	"github.com/agile-defense/firegrid/pkg/sniffer"
	"github.com/agile-defense/firegrid/pkg/spread"
)

var testNow = time.Date(2025, 8, 14, 21, 30, 0, 0, time.UTC)

type stubVision struct{ conf float64 }

func (s stubVision) Sample(context.Context) (sensor.VisionSample, error) {
	return sensor.VisionSample{Confidence: s.conf, Source: messages.SourceSimulated}, nil
}

type stubAcoustic struct{ fire, wind float64 }

func (s stubAcoustic) Measure(context.Context, float64, *float64) (sensor.AcousticSample, error) {
	return sensor.AcousticSample{FireBandEnergy: s.fire, WindEnergy: s.wind, Source: messages.SourceSimulated}, nil
}

type stubChemical struct {
	co, co2, nox float64
	hints        []float64
	mu           sync.Mutex
}

func (s *stubChemical) Measure(_ context.Context, hint *float64) (sensor.ChemicalSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hint != nil {
		s.hints = append(s.hints, *hint)
	}
	return sensor.ChemicalSample{CO: s.co, CO2: s.co2, NOx: s.nox, Source: messages.SourceSimulated}, nil
}

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []*Assessment
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

type scenario struct {
	vision   float64
	acoustic stubAcoustic
	chemical *stubChemical
}

var (
	fireScenario = scenario{
		vision:   0.9,
		acoustic: stubAcoustic{fire: 100, wind: 10},
		chemical: &stubChemical{co: 100, co2: 500},
	}
	quietScenario = scenario{
		vision:   0.1,
		acoustic: stubAcoustic{fire: 10, wind: 10},
		chemical: &stubChemical{co: 1, co2: 400},
	}
)

func newTestPipeline(t *testing.T, sc scenario, opts ...Option) *Pipeline {
	t.Helper()

	logger := zerolog.Nop()
	voting, err := fusion.NewVoting(fusion.DefaultWeights())
	require.NoError(t, err)

	stages := Stages{
		Satellite: satellite.NewFilter(satellite.DefaultConfig(), nil, logger, satellite.WithClock(func() time.Time { return testNow })),
		Handshake: handshake.New(handshake.DefaultConfig()),
		Vision:    sensor.NewVision(0, stubVision{conf: sc.vision}, logger, sensor.WithVisionClock(func() time.Time { return testNow })),
		Acoustic:  sensor.NewAcoustic(sc.acoustic, logger),
		Chemical:  sensor.NewChemical(sc.chemical, logger),
		Fusion:    voting,
		Spread:    spread.NewModel(spread.DefaultConfig()),
		Sniffer:   sniffer.NewNavigator(sniffer.DefaultConfig(), nil),
	}

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	p, err := New(stages, logger, opts...)
	require.NoError(t, err)
	return p
}

func TestNewRequiresStages(t *testing.T) {
	_, err := New(Stages{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "satellite filter is required")
}

func TestAssessCriticalFire(t *testing.T) {
	sink := &recordingSink{name: "memory"}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	p := newTestPipeline(t, fireScenario, WithSinks(sink), WithMetrics(metrics))

	a := p.Assess(context.Background(), Request{
		CorrelationID: "corr-1",
		Hotspot:       messages.NewHotspot(38.5, -121.4, 350),
		Wind:          &messages.Wind{SpeedKmh: 20, BearingDeg: 90},
	})

	assert.Equal(t, "corr-1", a.CorrelationID)
	assert.True(t, a.Verification.Verified)
	assert.Equal(t, 1.0, a.Verification.Confidence)
	assert.Equal(t, messages.SensitivityHigh, a.Mission.SensitivityLevel)
	assert.Equal(t, 0.3, a.Mission.AdaptedThresholds.VisionMinConf)
	assert.True(t, a.Sweep.Vision.AboveThreshold)

	assert.Equal(t, 0.93, a.Trace.FinalScore)
	assert.Equal(t, messages.DecisionCritical, a.Trace.Decision)
	assert.True(t, a.Trace.TriggeredSniffer)
	assert.Len(t, a.Trace.LevelsPassed, 3)

	require.NotNil(t, a.Spread)
	assert.InDelta(t, 2.0, a.Spread.RateOfSpread, 1e-9)
	require.NotNil(t, a.Sniffer)
	assert.Equal(t, messages.TerminationVisual, a.Sniffer.Termination)
	assert.Equal(t, messages.Position{Lat: 38.5, Lon: -121.4}, a.Location)
	assert.Equal(t, testNow, a.CompletedAt)

	require.Len(t, sink.got, 1)
	assert.Same(t, a, sink.got[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.assessments.WithLabelValues(string(messages.DecisionCritical))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.verifications.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.snifferDispatch.WithLabelValues(string(messages.TerminationVisual))))
}

func TestAssessSafeSkipsLevelFour(t *testing.T) {
	p := newTestPipeline(t, quietScenario)

	a := p.Assess(context.Background(), Request{Hotspot: messages.NewHotspot(10, 10, 305)})

	assert.NotEmpty(t, a.CorrelationID)
	assert.False(t, a.Verification.Verified)
	assert.Equal(t, messages.SensitivityLow, a.Mission.SensitivityLevel)
	assert.Equal(t, messages.DecisionSafe, a.Trace.Decision)
	assert.False(t, a.Trace.TriggeredSniffer)
	assert.Nil(t, a.Spread)
	assert.Nil(t, a.Sniffer)
}

func TestAssessRunsSensorsForUnverifiedHotspot(t *testing.T) {
	p := newTestPipeline(t, fireScenario)

	a := p.Assess(context.Background(), Request{Hotspot: messages.Hotspot{}})

	assert.False(t, a.Verification.Verified)
	assert.Equal(t, satellite.ReasonMissingData, a.Verification.Reason)
	assert.Equal(t, messages.DecisionCritical, a.Trace.Decision)
	assert.True(t, a.LocationUnknown)
	assert.Nil(t, a.Spread)
	assert.Nil(t, a.Sniffer)
	assert.True(t, a.FireDecision("gw-1").LocationUnknown)
}

func TestAssessMissingBrightnessStillResponds(t *testing.T) {
	p := newTestPipeline(t, fireScenario)
	lat, lon := 38.5, -121.4

	a := p.Assess(context.Background(), Request{Hotspot: messages.Hotspot{Latitude: &lat, Longitude: &lon}})

	assert.False(t, a.Verification.Verified)
	assert.False(t, a.LocationUnknown)
	assert.NotNil(t, a.Spread)
}

func TestTriggerWithoutLocationSkipsLevelFour(t *testing.T) {
	p := newTestPipeline(t, fireScenario)

	ev := &messages.VisionEvent{
		Envelope:   messages.NewEnvelope("camera-1", "gateway"),
		Confidence: 0.9,
	}

	a := p.Trigger(context.Background(), ev, nil, 5)

	assert.True(t, a.Trace.Decision.Escalated())
	assert.True(t, a.LocationUnknown)
	assert.Nil(t, a.Spread)
	assert.Nil(t, a.Sniffer)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.Metrics().snifferDispatch.WithLabelValues(string(messages.TerminationVisual))))
}

func TestSenseUsesVisionAsHint(t *testing.T) {
	sc := fireScenario
	sc.chemical = &stubChemical{co: 100, co2: 500}
	p := newTestPipeline(t, sc)

	p.Sense(context.Background(), handshake.New(handshake.DefaultConfig()).Configure(nil))

	require.Len(t, sc.chemical.hints, 1)
	assert.Equal(t, 0.9, sc.chemical.hints[0])
}

func TestRespondDefaultWind(t *testing.T) {
	p := newTestPipeline(t, fireScenario, WithDefaultWind(messages.Wind{SpeedKmh: 40, BearingDeg: 0}))

	trace := messages.DecisionTrace{Decision: messages.DecisionSmoke}
	cone, path := p.Respond(context.Background(), messages.Position{Lat: 1, Lon: 1}, nil, trace, 0)

	require.NotNil(t, cone)
	assert.InDelta(t, 4.0, cone.RateOfSpread, 1e-9)
	assert.Nil(t, path)
}

func TestTriggerFoldsVisionAndAssesses(t *testing.T) {
	p := newTestPipeline(t, fireScenario)

	ev := &messages.VisionEvent{
		Envelope:    messages.NewEnvelope("camera-1", "gateway"),
		Confidence:  0.85,
		Location:    &messages.Position{Lat: 34.1, Lon: -118.2},
		PersonCount: 2,
	}

	a := p.Trigger(context.Background(), ev, nil, 5)

	assert.Equal(t, ev.Envelope.MessageID, a.CorrelationID)
	assert.Equal(t, messages.SourceReal, a.Sweep.Vision.Source)
	assert.Equal(t, 0.85, a.Sweep.Vision.Confidence)
	assert.Equal(t, 2, a.Sweep.Vision.PersonCount)
	assert.Equal(t, messages.SensitivityLow, a.Mission.SensitivityLevel)
	assert.Equal(t, messages.Position{Lat: 34.1, Lon: -118.2}, a.Location)
	require.NotNil(t, a.Sniffer)
	assert.LessOrEqual(t, len(a.Sniffer.Points), 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().visionUpdates))
}

func TestSinkErrorsAreCounted(t *testing.T) {
	failing := &recordingSink{name: "postgres", err: errors.New("connection refused")}
	ok := &recordingSink{name: "sqlite"}
	p := newTestPipeline(t, quietScenario, WithSinks(failing, ok))

	p.Assess(context.Background(), Request{Hotspot: messages.NewHotspot(1, 1, 300)})

	assert.Len(t, failing.got, 1)
	assert.Len(t, ok.got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().sinkErrors.WithLabelValues("postgres")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.Metrics().sinkErrors.WithLabelValues("sqlite")))
}

func TestAlertLimiter(t *testing.T) {
	l := NewAlertLimiter(0.001, time.Minute)
	at := messages.Position{Lat: 38.5, Lon: -121.4}

	steps := []struct {
		name     string
		pos      messages.Position
		offset   time.Duration
		expected bool
	}{
		{name: "first alert", pos: at, offset: 0, expected: true},
		{name: "same place soon", pos: at, offset: 10 * time.Second, expected: false},
		{name: "tiny move", pos: messages.Position{Lat: 38.5005, Lon: -121.4}, offset: 20 * time.Second, expected: false},
		{name: "moved on latitude", pos: messages.Position{Lat: 38.502, Lon: -121.4}, offset: 30 * time.Second, expected: true},
		{name: "same place after interval", pos: messages.Position{Lat: 38.502, Lon: -121.4}, offset: 91 * time.Second, expected: true},
		{name: "moved on longitude", pos: messages.Position{Lat: 38.502, Lon: -121.39}, offset: 92 * time.Second, expected: true},
	}

	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, s.expected, l.Allow(s.pos, testNow.Add(s.offset)))
		})
	}
}

func TestMetricsSuppressedCounter(t *testing.T) {
	m := NewMetrics(nil)
	m.AlertSuppressed()
	m.AlertSuppressed()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsSuppressed))
}

func TestBuildFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Pipeline
	cfg.DefaultWind = messages.Wind{SpeedKmh: 30, BearingDeg: 0}

	p, err := Build(cfg, satellite.StaticBaseline(300), SimulatedSources(7), zerolog.Nop())
	require.NoError(t, err)

	a := p.Assess(context.Background(), Request{Hotspot: messages.NewHotspot(38.5, -121.4, 360)})
	assert.True(t, a.Verification.Verified)
	assert.Equal(t, messages.SourceSimulated, a.Sweep.Vision.Source)
	assert.GreaterOrEqual(t, a.Sweep.Vision.Confidence, 0.7)
	assert.Equal(t, fusion.FrameworkVersion, a.Trace.FrameworkVersion)
	if a.Spread != nil {
		assert.InDelta(t, 3.0, a.Spread.RateOfSpread, 1e-9)
	}
}

func TestBuildRejectsBadWeights(t *testing.T) {
	cfg := config.DefaultConfig().Pipeline
	cfg.Weights.Vision = 0.9

	_, err := Build(cfg, nil, SimulatedSources(1), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, fusion.ErrInvalidWeights)
}

func TestLiveSourcesServePushedSamples(t *testing.T) {
	live := sensor.NewLive(time.Minute, nil, nil)
	live.PushAcoustic(100, 10)
	live.PushChemical(100, 500, 0)

	p, err := Build(config.DefaultConfig().Pipeline, nil, LiveSources(live, SimulatedSources(3)), zerolog.Nop())
	require.NoError(t, err)

	sweep := p.Sense(context.Background(), handshake.New(handshake.DefaultConfig()).Configure(nil))
	assert.Equal(t, messages.SourceReal, sweep.Acoustic.Source)
	assert.Equal(t, 1.0, sweep.Acoustic.Confidence)
	assert.Equal(t, messages.SourceReal, sweep.Chemical.Source)
	assert.Equal(t, 0.9, sweep.Chemical.Confidence)
}
