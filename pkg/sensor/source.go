// Package sensor implements the Level 3 vision, acoustic and chemical
// sensors. Each sensor owns its decision logic; raw measurements come from a
// Source that is either simulated or fed by live hardware.
package sensor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// ErrNoSample is returned by live sources that have nothing fresh to report
var ErrNoSample = errors.New("no fresh sample")

// VisionSource supplies a fallback vision confidence when no real detection is held
type VisionSource interface {
	Sample(ctx context.Context) (VisionSample, error)
}

// AcousticSource supplies fire-band and wind energy. prevEnergy is the
// sensor's last fire-band energy; hint is an optional fire intensity in [0,1].
type AcousticSource interface {
	Measure(ctx context.Context, prevEnergy float64, hint *float64) (AcousticSample, error)
}

// ChemicalSource supplies gas concentrations in ppm
type ChemicalSource interface {
	Measure(ctx context.Context, hint *float64) (ChemicalSample, error)
}

// VisionSample is a raw vision measurement
type VisionSample struct {
	Confidence float64
	BBox       *messages.BoundingBox
	Source     messages.ReadingSource
}

// AcousticSample is a raw spectral measurement
type AcousticSample struct {
	FireBandEnergy float64
	WindEnergy     float64
	Source         messages.ReadingSource
}

// ChemicalSample is a raw gas measurement
type ChemicalSample struct {
	CO     float64
	CO2    float64
	NOx    float64
	Source messages.ReadingSource
}

// lockedRand serialises access to a *rand.Rand shared by the simulated sources
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{rng: rng}
}

func (r *lockedRand) uniform(lo, hi float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + r.rng.Float64()*(hi-lo)
}

func (r *lockedRand) float() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Simulated produces plausible measurements for all three modalities from
// one random stream. It stands in for hardware that is not fitted.
type Simulated struct {
	rng *lockedRand

	VisionMin float64
	VisionMax float64
}

// NewSimulated creates a simulated source. A nil rng is seeded from the clock.
func NewSimulated(rng *rand.Rand) *Simulated {
	return &Simulated{
		rng:       newLockedRand(rng),
		VisionMin: 0.7,
		VisionMax: 0.95,
	}
}

// Sample implements VisionSource
func (s *Simulated) Sample(context.Context) (VisionSample, error) {
	return VisionSample{
		Confidence: s.rng.uniform(s.VisionMin, s.VisionMax),
		BBox:       &messages.BoundingBox{X: 10, Y: 20, Width: 90, Height: 130},
		Source:     messages.SourceSimulated,
	}, nil
}

// acousticSimulator adapts Simulated to AcousticSource
type acousticSimulator struct{ *Simulated }

// Acoustic returns the simulated acoustic source
func (s *Simulated) Acoustic() AcousticSource { return acousticSimulator{s} }

// Measure drifts the fire-band energy toward hint*100 when the hint exceeds
// 0.6, otherwise random-walks it by up to ±5. Energy stays within [0,100].
func (s acousticSimulator) Measure(_ context.Context, prev float64, hint *float64) (AcousticSample, error) {
	energy := prev
	if hint != nil && *hint > 0.6 {
		target := *hint * 100
		if energy < target {
			energy += 5
		} else {
			energy -= 2
		}
	} else {
		energy += s.rng.uniform(-5, 5)
	}

	return AcousticSample{
		FireBandEnergy: math.Max(0, math.Min(100, energy)),
		WindEnergy:     s.rng.uniform(0, 50),
		Source:         messages.SourceSimulated,
	}, nil
}

// chemicalSimulator adapts Simulated to ChemicalSource
type chemicalSimulator struct{ *Simulated }

// Chemical returns the simulated chemical source
func (s *Simulated) Chemical() ChemicalSource { return chemicalSimulator{s} }

// Measure returns ambient air, a smouldering signature when the hint exceeds
// 0.6, or with 20% probability a random fire or vehicle event.
func (s chemicalSimulator) Measure(_ context.Context, hint *float64) (ChemicalSample, error) {
	r := s.rng
	sample := ChemicalSample{
		CO:     r.uniform(0, 5),
		CO2:    r.uniform(400, 450),
		NOx:    r.uniform(0, 10),
		Source: messages.SourceSimulated,
	}

	switch {
	case hint != nil && *hint > 0.6:
		sample.CO = r.uniform(50, 150)
		sample.CO2 = r.uniform(600, 900)
		sample.NOx = r.uniform(5, 20)
	case r.float() > 0.8:
		if r.float() > 0.5 {
			sample.CO = r.uniform(20, 150)
			sample.CO2 = r.uniform(500, 800)
		} else {
			sample.CO = r.uniform(10, 50)
			sample.NOx = r.uniform(50, 100)
		}
	}

	return sample, nil
}

// Live holds the latest hardware measurements pushed by a drone link and
// serves them while fresh. Stale or absent samples are delegated to the
// fallback source, if any.
type Live struct {
	mu       sync.RWMutex
	maxAge   time.Duration
	now      func() time.Time
	acoustic *timed[AcousticSample]
	chemical *timed[ChemicalSample]

	fallbackAcoustic AcousticSource
	fallbackChemical ChemicalSource
}

type timed[T any] struct {
	value T
	at    time.Time
}

// NewLive creates a live source. Fallbacks may be nil.
func NewLive(maxAge time.Duration, acoustic AcousticSource, chemical ChemicalSource) *Live {
	return &Live{
		maxAge:           maxAge,
		now:              time.Now,
		fallbackAcoustic: acoustic,
		fallbackChemical: chemical,
	}
}

// PushAcoustic records a hardware spectral measurement
func (l *Live) PushAcoustic(fireBand, wind float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acoustic = &timed[AcousticSample]{
		value: AcousticSample{FireBandEnergy: fireBand, WindEnergy: wind, Source: messages.SourceReal},
		at:    l.now(),
	}
}

// PushChemical records a hardware gas measurement
func (l *Live) PushChemical(co, co2, nox float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chemical = &timed[ChemicalSample]{
		value: ChemicalSample{CO: co, CO2: co2, NOx: nox, Source: messages.SourceReal},
		at:    l.now(),
	}
}

func (l *Live) fresh(at time.Time) bool {
	return l.now().Sub(at) < l.maxAge
}

// Acoustic returns the live acoustic source
func (l *Live) Acoustic() AcousticSource { return liveAcoustic{l} }

// Chemical returns the live chemical source
func (l *Live) Chemical() ChemicalSource { return liveChemical{l} }

type liveAcoustic struct{ *Live }

func (l liveAcoustic) Measure(ctx context.Context, prev float64, hint *float64) (AcousticSample, error) {
	l.mu.RLock()
	s := l.acoustic
	l.mu.RUnlock()

	if s != nil && l.fresh(s.at) {
		return s.value, nil
	}
	if l.fallbackAcoustic != nil {
		return l.fallbackAcoustic.Measure(ctx, prev, hint)
	}
	return AcousticSample{}, ErrNoSample
}

type liveChemical struct{ *Live }

func (l liveChemical) Measure(ctx context.Context, hint *float64) (ChemicalSample, error) {
	l.mu.RLock()
	s := l.chemical
	l.mu.RUnlock()

	if s != nil && l.fresh(s.at) {
		return s.value, nil
	}
	if l.fallbackChemical != nil {
		return l.fallbackChemical.Measure(ctx, hint)
	}
	return ChemicalSample{}, ErrNoSample
}
