// Package sniffer generates the bounded zig-zag search path a drone flies
// to localize an emission source.
package sniffer

import (
	"math"
	"sync"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// Config holds the search parameters
type Config struct {
	// Synthetic source offset from the start point, in degrees. A real
	// concentration-gradient estimator replaces this on hardware.
	TargetOffsetLat float64 `yaml:"target_offset_lat"`
	TargetOffsetLon float64 `yaml:"target_offset_lon"`

	LerpRate        float64 `yaml:"lerp_rate"`        // Fraction of remaining distance per step
	ZigZagAmplitude float64 `yaml:"zigzag_amplitude"` // Degrees of lateral offset at step 0
	Epsilon         float64 `yaml:"epsilon"`          // Gradient-stabilized distance, degrees
	VisualThreshold float64 `yaml:"visual_threshold"`
	DefaultSteps    int     `yaml:"default_steps"`
	MaxSteps        int     `yaml:"max_steps"` // Upper bound on requested steps; 0 disables
}

// pathPrealloc caps the initial path capacity. Searches normally end on the
// gradient check well before this.
const pathPrealloc = 64

// DefaultConfig returns the standard search parameters
func DefaultConfig() Config {
	return Config{
		TargetOffsetLat: 0.005,
		TargetOffsetLon: 0.003,
		LerpRate:        0.2,
		ZigZagAmplitude: 0.001,
		Epsilon:         1e-4,
		VisualThreshold: 0.7,
		DefaultSteps:    10,
		MaxSteps:        500,
	}
}

// VisualScore models onboard visual confirmation as a function of search
// progress in [0,1)
type VisualScore func(progress float64) float64

// LinearVisualScore rises from 0.1 at the start to 0.9 at the end
func LinearVisualScore(progress float64) float64 {
	return 0.1 + progress*0.8
}

// Navigator plans sniffer paths. Only the most recent path is kept.
type Navigator struct {
	cfg    Config
	visual VisualScore

	mu   sync.RWMutex
	last messages.SnifferPath
}

// NewNavigator creates a navigator. A nil visual score uses LinearVisualScore.
func NewNavigator(cfg Config, visual VisualScore) *Navigator {
	if visual == nil {
		visual = LinearVisualScore
	}
	return &Navigator{cfg: cfg, visual: visual}
}

// Localize runs the search from (lat, lon) for at most steps points; steps
// <= 0 uses the configured default and steps above MaxSteps are clamped. The
// search stops early when the drone is within Epsilon of the source or when
// the visual score crosses the threshold; in both cases the final point is
// CONFIRMED.
func (n *Navigator) Localize(lat, lon float64, steps int) messages.SnifferPath {
	if steps <= 0 {
		steps = n.cfg.DefaultSteps
	}
	if n.cfg.MaxSteps > 0 && steps > n.cfg.MaxSteps {
		steps = n.cfg.MaxSteps
	}

	targetLat := lat + n.cfg.TargetOffsetLat
	targetLon := lon + n.cfg.TargetOffsetLon

	path := messages.SnifferPath{
		Points:      make([]messages.PathPoint, 0, min(steps, pathPrealloc)),
		Termination: messages.TerminationSteps,
	}

	for i := 0; i < steps; i++ {
		progress := float64(i) / float64(steps)

		nextLat := lat + (targetLat-lat)*n.cfg.LerpRate
		nextLon := lon + (targetLon-lon)*n.cfg.LerpRate
		nextLon += math.Sin(float64(i)) * n.cfg.ZigZagAmplitude * (1 - progress)

		point := messages.PathPoint{Lat: nextLat, Lon: nextLon, Step: i, Status: messages.StatusSearching}

		if math.Hypot(targetLat-nextLat, targetLon-nextLon) < n.cfg.Epsilon {
			point.Status = messages.StatusConfirmed
			path.Points = append(path.Points, point)
			path.Termination = messages.TerminationGradient
			break
		}

		if n.visual(progress) > n.cfg.VisualThreshold {
			point.Status = messages.StatusConfirmed
			path.Points = append(path.Points, point)
			path.Termination = messages.TerminationVisual
			break
		}

		path.Points = append(path.Points, point)
		lat, lon = nextLat, nextLon
	}

	n.mu.Lock()
	n.last = path
	n.mu.Unlock()

	return path
}

// LastPath returns the most recent path
func (n *Navigator) LastPath() messages.SnifferPath {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.last
}
