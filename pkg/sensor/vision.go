package sensor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// DefaultVisionExpiry is how long a pushed detection stays authoritative
const DefaultVisionExpiry = 10 * time.Second

// VisionState is the smoothed result of pushed camera detections
type VisionState struct {
	SmoothedConfidence float64
	ImagePath          string
	BBox               *messages.BoundingBox
	Location           *messages.Position
	PersonCount        int
	AnimalCount        int
	LastUpdate         time.Time
}

// Vision smooths asynchronous camera detections and falls back to a source
// once they expire.
type Vision struct {
	mu     sync.Mutex
	state  *VisionState
	expiry time.Duration

	fallback VisionSource
	now      func() time.Time
	logger   zerolog.Logger
}

// VisionOption configures a Vision sensor
type VisionOption func(*Vision)

// WithVisionClock overrides the time source
func WithVisionClock(now func() time.Time) VisionOption {
	return func(v *Vision) { v.now = now }
}

// NewVision creates a vision sensor. expiry <= 0 selects DefaultVisionExpiry.
func NewVision(expiry time.Duration, fallback VisionSource, logger zerolog.Logger, opts ...VisionOption) *Vision {
	if expiry <= 0 {
		expiry = DefaultVisionExpiry
	}
	v := &Vision{
		expiry:   expiry,
		fallback: fallback,
		now:      time.Now,
		logger:   logger.With().Str("component", "vision_sensor").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// validLocked returns the held state if younger than the expiry. Caller holds mu.
func (v *Vision) validLocked(now time.Time) *VisionState {
	if v.state == nil || now.Sub(v.state.LastUpdate) >= v.expiry {
		return nil
	}
	return v.state
}

// Update folds a pushed detection into the held state and returns the new
// smoothed confidence. Rising confidence is taken as is; falling confidence
// decays as 0.7*current + 0.3*new. Expired state counts as zero.
func (v *Vision) Update(ev *messages.VisionEvent) float64 {
	conf := clamp01(ev.Confidence)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	current := 0.0
	if s := v.validLocked(now); s != nil {
		current = s.SmoothedConfidence
	}

	smoothed := 0.7*current + 0.3*conf
	if conf > current {
		smoothed = conf
	}

	v.state = &VisionState{
		SmoothedConfidence: smoothed,
		ImagePath:          ev.ImageReference,
		BBox:               ev.BBox,
		Location:           ev.Location,
		PersonCount:        ev.PersonCount,
		AnimalCount:        ev.AnimalCount,
		LastUpdate:         now,
	}

	v.logger.Debug().
		Float64("confidence", conf).
		Float64("smoothed", smoothed).
		Int("persons", ev.PersonCount).
		Int("animals", ev.AnimalCount).
		Msg("Vision state updated")

	return smoothed
}

// State returns a copy of the held state if it has not expired
func (v *Vision) State() (VisionState, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.validLocked(v.now())
	if s == nil {
		return VisionState{}, false
	}
	return *s, true
}

// Detect returns the held detection while fresh, otherwise a fallback
// sample. minConf is the handshake's vision threshold; it flags the reading
// but never alters its confidence.
func (v *Vision) Detect(ctx context.Context, minConf float64) messages.VisionReading {
	v.mu.Lock()
	now := v.now()
	s := v.validLocked(now)
	var held VisionState
	if s != nil {
		held = *s
	}
	v.mu.Unlock()

	var r messages.VisionReading
	if s != nil {
		ts := held.LastUpdate
		r = messages.VisionReading{
			Confidence:  held.SmoothedConfidence,
			Source:      messages.SourceReal,
			BBox:        held.BBox,
			ImagePath:   held.ImagePath,
			Location:    held.Location,
			PersonCount: held.PersonCount,
			AnimalCount: held.AnimalCount,
			Timestamp:   &ts,
		}
	} else {
		r = v.sample(ctx)
	}

	r.MinConfidence = minConf
	r.AboveThreshold = r.Confidence >= minConf
	return r
}

func (v *Vision) sample(ctx context.Context) messages.VisionReading {
	if v.fallback == nil {
		return messages.VisionReading{Source: messages.SourceSimulated}
	}

	s, err := v.fallback.Sample(ctx)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Vision fallback failed")
		return messages.VisionReading{Source: messages.SourceSimulated}
	}

	source := s.Source
	if source == "" {
		source = messages.SourceSimulated
	}
	return messages.VisionReading{
		Confidence: clamp01(s.Confidence),
		Source:     source,
		BBox:       s.BBox,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
