// Package satellite implements the Level 1 temporal-persistence filter that
// accepts or rejects satellite hotspots against a historic thermal baseline.
package satellite

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
)

const (
	ReasonMissingData = "missing data"
	ReasonVerified    = "thermal rise above historic baseline"
	ReasonWithinNorm  = "within historic variance"
)

// ErrNoBaseline is returned by lookups with no history for a location
var ErrNoBaseline = errors.New("no historic observations")

// BaselineLookup returns the historic mean brightness (Kelvin) for a location
// at the hour of day of at.
type BaselineLookup interface {
	Baseline(ctx context.Context, lat, lon float64, at time.Time) (float64, error)
}

// StaticBaseline is a BaselineLookup that always returns the same value
type StaticBaseline float64

func (s StaticBaseline) Baseline(context.Context, float64, float64, time.Time) (float64, error) {
	return float64(s), nil
}

// Config holds the filter tunables
type Config struct {
	RiseThresholdK   float64 `yaml:"rise_threshold_k"`  // Kelvin above baseline required to verify
	ConfidenceSpanK  float64 `yaml:"confidence_span_k"` // Kelvin of excess that maps to +0.5 confidence
	FallbackBaseline float64 `yaml:"fallback_baseline"` // Used when the lookup fails
}

// DefaultConfig returns the standard filter settings
func DefaultConfig() Config {
	return Config{
		RiseThresholdK:   20.0,
		ConfidenceSpanK:  50.0,
		FallbackBaseline: 300.0,
	}
}

// Filter verifies hotspots
type Filter struct {
	cfg       Config
	baselines BaselineLookup
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Filter
type Option func(*Filter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// NewFilter creates a filter backed by the given baseline lookup
func NewFilter(cfg Config, baselines BaselineLookup, logger zerolog.Logger, opts ...Option) *Filter {
	if baselines == nil {
		baselines = StaticBaseline(cfg.FallbackBaseline)
	}
	f := &Filter{
		cfg:       cfg,
		baselines: baselines,
		logger:    logger.With().Str("component", "satellite_filter").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verify decides whether a hotspot is a real thermal anomaly. Missing or
// non-finite fields yield an unverified, zero-confidence result, never an error.
func (f *Filter) Verify(ctx context.Context, h messages.Hotspot) messages.SatelliteVerification {
	now := f.now().UTC()

	if !h.Complete() || *h.BrightnessK <= 0 {
		v := messages.SatelliteVerification{
			Reason:    ReasonMissingData,
			Timestamp: now,
		}
		if h.Latitude != nil && h.Longitude != nil {
			v.Latitude, v.Longitude = *h.Latitude, *h.Longitude
		}
		return v
	}

	lat, lon, current := *h.Latitude, *h.Longitude, *h.BrightnessK

	at := now
	if !h.AcquiredAt.IsZero() {
		at = h.AcquiredAt.UTC()
	}

	baseline, err := f.baselines.Baseline(ctx, lat, lon, at)
	if errors.Is(err, ErrNoBaseline) {
		f.logger.Debug().
			Float64("lat", lat).
			Float64("lon", lon).
			Msg("No baseline history, using fallback")
		baseline = f.cfg.FallbackBaseline
	} else if err != nil || math.IsNaN(baseline) || math.IsInf(baseline, 0) {
		f.logger.Warn().
			Err(err).
			Float64("lat", lat).
			Float64("lon", lon).
			Float64("fallback", f.cfg.FallbackBaseline).
			Msg("Baseline lookup failed, using fallback")
		baseline = f.cfg.FallbackBaseline
	}

	threshold := baseline + f.cfg.RiseThresholdK
	v := messages.SatelliteVerification{
		Latitude:         lat,
		Longitude:        lon,
		CurrentTemp:      current,
		HistoricBaseline: math.Round(baseline*100) / 100,
		Delta:            math.Round((current-baseline)*100) / 100,
		Reason:           ReasonWithinNorm,
		Timestamp:        now,
	}

	if current > threshold {
		v.Verified = true
		v.Reason = ReasonVerified
		v.Confidence = math.Min(1.0, 0.5+(current-threshold)/f.cfg.ConfidenceSpanK)
	}

	return v
}
