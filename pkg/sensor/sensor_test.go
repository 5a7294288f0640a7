package sensor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/messages"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedVision struct {
	conf float64
	err  error
}

func (f fixedVision) Sample(context.Context) (VisionSample, error) {
	return VisionSample{Confidence: f.conf, Source: messages.SourceSimulated}, f.err
}

type fixedAcoustic struct {
	sample AcousticSample
	err    error
	prevs  []float64
}

func (f *fixedAcoustic) Measure(_ context.Context, prev float64, _ *float64) (AcousticSample, error) {
	f.prevs = append(f.prevs, prev)
	return f.sample, f.err
}

type fixedChemical struct {
	sample ChemicalSample
	err    error
}

func (f fixedChemical) Measure(context.Context, *float64) (ChemicalSample, error) {
	return f.sample, f.err
}

func ptr(v float64) *float64 { return &v }

func TestVisionSmoothing(t *testing.T) {
	clock := newFakeClock()
	v := NewVision(0, fixedVision{conf: 0.2}, zerolog.Nop(), WithVisionClock(clock.Now))

	steps := []struct {
		name     string
		conf     float64
		expected float64
	}{
		{name: "first update snaps", conf: 0.5, expected: 0.5},
		{name: "rising update snaps", conf: 0.9, expected: 0.9},
		{name: "falling update decays", conf: 0.4, expected: 0.75},
		{name: "equal update decays toward itself", conf: 0.75, expected: 0.75},
		{name: "out of range is clamped", conf: 1.5, expected: 1.0},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			got := v.Update(&messages.VisionEvent{Confidence: step.conf})
			assert.InDelta(t, step.expected, got, 1e-9)
			clock.Advance(time.Second)
		})
	}
}

func TestVisionSmoothingDecaysAtEachFallingStep(t *testing.T) {
	clock := newFakeClock()
	v := NewVision(0, fixedVision{conf: 0.2}, zerolog.Nop(), WithVisionClock(clock.Now))

	inputs := []float64{0.9, 0.8, 0.7, 0.6, 0.5}
	expected := []float64{0.9, 0.87, 0.819, 0.7533, 0.67731}

	prev := 0.0
	for i, conf := range inputs {
		got := v.Update(&messages.VisionEvent{Confidence: conf})
		assert.InDelta(t, expected[i], got, 1e-9, "update %d", i)
		if i > 0 {
			assert.InDelta(t, 0.7*prev+0.3*conf, got, 1e-9, "update %d", i)
		}
		prev = got
		clock.Advance(time.Second)
	}
}

func TestVisionDetectUsesHeldStateUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	v := NewVision(10*time.Second, fixedVision{conf: 0.2}, zerolog.Nop(), WithVisionClock(clock.Now))

	loc := &messages.Position{Lat: 20.59, Lon: 78.96}
	v.Update(&messages.VisionEvent{
		Confidence:     0.88,
		ImageReference: "detections/fire_001.jpg",
		Location:       loc,
		PersonCount:    2,
		AnimalCount:    1,
	})

	clock.Advance(9 * time.Second)
	r := v.Detect(context.Background(), 0.6)
	assert.Equal(t, messages.SourceReal, r.Source)
	assert.InDelta(t, 0.88, r.Confidence, 1e-9)
	assert.Equal(t, "detections/fire_001.jpg", r.ImagePath)
	assert.Equal(t, loc, r.Location)
	assert.Equal(t, 2, r.PersonCount)
	assert.Equal(t, 1, r.AnimalCount)
	assert.True(t, r.AboveThreshold)
	assert.Equal(t, 0.6, r.MinConfidence)
	require.NotNil(t, r.Timestamp)

	clock.Advance(time.Second)
	r = v.Detect(context.Background(), 0.6)
	assert.Equal(t, messages.SourceSimulated, r.Source)
	assert.InDelta(t, 0.2, r.Confidence, 1e-9)
	assert.False(t, r.AboveThreshold)

	_, ok := v.State()
	assert.False(t, ok)
}

func TestVisionExpiredStateDoesNotSmooth(t *testing.T) {
	clock := newFakeClock()
	v := NewVision(10*time.Second, nil, zerolog.Nop(), WithVisionClock(clock.Now))

	v.Update(&messages.VisionEvent{Confidence: 0.9})
	clock.Advance(11 * time.Second)

	got := v.Update(&messages.VisionEvent{Confidence: 0.3})
	assert.InDelta(t, 0.3, got, 1e-9)
}

func TestVisionDetectFallbackFailure(t *testing.T) {
	v := NewVision(0, fixedVision{err: errors.New("camera offline")}, zerolog.Nop())
	r := v.Detect(context.Background(), 0.3)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, messages.SourceSimulated, r.Source)

	v = NewVision(0, nil, zerolog.Nop())
	assert.Zero(t, v.Detect(context.Background(), 0.3).Confidence)
}

func TestVisionConcurrentUpdates(t *testing.T) {
	v := NewVision(0, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(&messages.VisionEvent{Confidence: 0.8})
			v.Detect(context.Background(), 0.5)
		}()
	}
	wg.Wait()

	state, ok := v.State()
	require.True(t, ok)
	assert.InDelta(t, 0.8, state.SmoothedConfidence, 1e-9)
}

func TestScoreAcoustic(t *testing.T) {
	tests := []struct {
		name       string
		fire       float64
		wind       float64
		ratio      float64
		confidence float64
	}{
		{name: "fire dominates wind", fire: 60, wind: 20, ratio: 3, confidence: 0.8},
		{name: "loud but windy", fire: 90, wind: 50, ratio: 1.8, confidence: 0.75},
		{name: "no wind uses raw energy as ratio", fire: 50, wind: 0, ratio: 50, confidence: 1.0},
		{name: "quiet", fire: 40, wind: 40, ratio: 1, confidence: 0},
		{name: "ratio exactly 2 is not enough", fire: 40, wind: 20, ratio: 2, confidence: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ScoreAcoustic(tt.fire, tt.wind, messages.SourceReal)
			assert.InDelta(t, tt.ratio, r.Ratio, 1e-9)
			assert.InDelta(t, tt.confidence, r.Confidence, 1e-9)
			assert.GreaterOrEqual(t, r.Confidence, 0.0)
			assert.LessOrEqual(t, r.Confidence, 1.0)
		})
	}
}

func TestAcousticDetectOwnsEnergy(t *testing.T) {
	src := &fixedAcoustic{sample: AcousticSample{FireBandEnergy: 72, WindEnergy: 12, Source: messages.SourceReal}}
	a := NewAcoustic(src, zerolog.Nop())
	assert.Equal(t, InitialFireBandEnergy, a.Energy())

	r := a.Detect(context.Background(), nil)
	assert.InDelta(t, 6.0, r.Ratio, 1e-9)
	assert.InDelta(t, 1.0, r.Confidence, 1e-9)
	assert.Equal(t, 72.0, a.Energy())

	a.Detect(context.Background(), nil)
	assert.Equal(t, []float64{50, 72}, src.prevs)
}

func TestAcousticDetectSourceError(t *testing.T) {
	a := NewAcoustic(&fixedAcoustic{err: ErrNoSample}, zerolog.Nop())
	r := a.Detect(context.Background(), nil)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, InitialFireBandEnergy, a.Energy())
}

func TestSimulatedAcoustic(t *testing.T) {
	src := NewSimulated(rand.New(rand.NewSource(7))).Acoustic()
	ctx := context.Background()

	s, err := src.Measure(ctx, 50, ptr(0.9))
	require.NoError(t, err)
	assert.Equal(t, 55.0, s.FireBandEnergy)

	s, err = src.Measure(ctx, 95, ptr(0.9))
	require.NoError(t, err)
	assert.Equal(t, 93.0, s.FireBandEnergy)

	energy := 50.0
	for i := 0; i < 1000; i++ {
		s, err = src.Measure(ctx, energy, ptr(0.3))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.FireBandEnergy, 0.0)
		assert.LessOrEqual(t, s.FireBandEnergy, 100.0)
		assert.GreaterOrEqual(t, s.WindEnergy, 0.0)
		assert.Less(t, s.WindEnergy, 50.0)
		assert.InDelta(t, energy, s.FireBandEnergy, 5.0)
		energy = s.FireBandEnergy
	}
}

func TestScoreChemical(t *testing.T) {
	tests := []struct {
		name       string
		co         float64
		co2        float64
		nox        float64
		confidence float64
	}{
		{name: "smouldering biomass", co: 100, co2: 700, nox: 10, confidence: 0.9},
		{name: "high ratio, low CO", co: 45, co2: 400, nox: 5, confidence: 0.6},
		{name: "ambient air", co: 2, co2: 420, nox: 5, confidence: 0},
		{name: "vehicle exhaust", co: 30, co2: 420, nox: 80, confidence: 0},
		{name: "fire masked by exhaust", co: 100, co2: 700, nox: 60, confidence: 0.18},
		{name: "zero CO", co: 0, co2: 400, nox: 50, confidence: 0},
		{name: "zero CO2", co: 10, co2: 0, nox: 1, confidence: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ScoreChemical(tt.co, tt.co2, tt.nox, messages.SourceReal)
			assert.InDelta(t, tt.confidence, r.Confidence, 1e-9)
		})
	}
}

func TestExhaustPenaltyMultipliesAdditiveScore(t *testing.T) {
	clean := ScoreChemical(120, 800, 10, messages.SourceReal)
	dirty := ScoreChemical(120, 800, 70, messages.SourceReal)
	assert.InDelta(t, clean.Confidence*0.2, dirty.Confidence, 0.005)
}

func TestChemicalDetectThresholdFlag(t *testing.T) {
	c := NewChemical(fixedChemical{sample: ChemicalSample{CO: 100, CO2: 700, NOx: 10}}, zerolog.Nop())

	r := c.Detect(context.Background(), nil, 0.2)
	assert.True(t, r.SmokeDetected)
	assert.Equal(t, 0.2, r.MinDensity)
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)

	c = NewChemical(fixedChemical{sample: ChemicalSample{CO: 2, CO2: 420, NOx: 5}}, zerolog.Nop())
	assert.False(t, c.Detect(context.Background(), nil, 0.0).SmokeDetected)

	c = NewChemical(fixedChemical{err: ErrNoSample}, zerolog.Nop())
	assert.Zero(t, c.Detect(context.Background(), nil, 0.4).Confidence)
}

func TestSimulatedChemicalFollowsHint(t *testing.T) {
	src := NewSimulated(rand.New(rand.NewSource(11))).Chemical()

	for i := 0; i < 100; i++ {
		s, err := src.Measure(context.Background(), ptr(0.95))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.CO, 50.0)
		assert.Less(t, s.CO, 150.0)
		assert.GreaterOrEqual(t, s.CO2, 600.0)
		assert.GreaterOrEqual(t, s.NOx, 5.0)
		assert.Equal(t, messages.SourceSimulated, s.Source)
	}
}

func TestLiveSourceFreshness(t *testing.T) {
	clock := newFakeClock()
	fallback := NewSimulated(rand.New(rand.NewSource(3)))
	live := NewLive(5*time.Second, fallback.Acoustic(), nil)
	live.now = clock.Now

	live.PushAcoustic(88, 11)
	live.PushChemical(90, 650, 8)

	s, err := live.Acoustic().Measure(context.Background(), 50, nil)
	require.NoError(t, err)
	assert.Equal(t, messages.SourceReal, s.Source)
	assert.Equal(t, 88.0, s.FireBandEnergy)

	c, err := live.Chemical().Measure(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 650.0, c.CO2)

	clock.Advance(5 * time.Second)

	s, err = live.Acoustic().Measure(context.Background(), 50, nil)
	require.NoError(t, err)
	assert.Equal(t, messages.SourceSimulated, s.Source)

	_, err = live.Chemical().Measure(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSample)
}
