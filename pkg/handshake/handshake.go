// Package handshake implements the Level 2 adaptive handshake: satellite
// confidence loosens the drone's detection thresholds so that a strongly
// verified hotspot is confirmed with less onboard evidence.
package handshake

import (
	"fmt"
	"math"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// Config holds the base thresholds used when satellite confidence is zero
type Config struct {
	BaseVisionConf   float64 `yaml:"base_vision_conf"`
	BaseThermalTemp  float64 `yaml:"base_thermal_temp"`
	BaseSmokeDensity float64 `yaml:"base_smoke_density"`
	// MaxReduction is the fractional reduction applied at confidence 1
	MaxReduction float64 `yaml:"max_reduction"`
}

// DefaultConfig returns the standard base thresholds
func DefaultConfig() Config {
	return Config{
		BaseVisionConf:   0.6,
		BaseThermalTemp:  50.0,
		BaseSmokeDensity: 0.4,
		MaxReduction:     0.5,
	}
}

// Handshake derives drone mission configs. It holds no mutable state.
type Handshake struct {
	cfg Config
}

// New creates a handshake with the given base thresholds
func New(cfg Config) *Handshake {
	return &Handshake{cfg: cfg}
}

// Configure maps satellite confidence to a mission config. A nil confidence
// is treated as 0; values outside [0,1] are clamped.
func (h *Handshake) Configure(confidence *float64) messages.DroneMissionConfig {
	conf := 0.0
	if confidence != nil {
		conf = clamp01(*confidence)
	}

	multiplier := 1.0 - conf*h.cfg.MaxReduction

	return messages.DroneMissionConfig{
		MissionID:        fmt.Sprintf("mission_%d", int(conf*100)),
		SensitivityLevel: sensitivity(conf),
		AdaptedThresholds: messages.Thresholds{
			VisionMinConf:   round(h.cfg.BaseVisionConf*multiplier, 2),
			ThermalMinTemp:  round(h.cfg.BaseThermalTemp*multiplier, 1),
			SmokeMinDensity: round(h.cfg.BaseSmokeDensity*multiplier, 2),
		},
		Explanation: fmt.Sprintf("Satellite confidence %.2f adapted thresholds by -%d%%",
			conf, int(conf*h.cfg.MaxReduction*100)),
	}
}

// ConfigureVerification is Configure applied to a Level 1 result
func (h *Handshake) ConfigureVerification(v messages.SatelliteVerification) messages.DroneMissionConfig {
	conf := v.Confidence
	return h.Configure(&conf)
}

func sensitivity(conf float64) messages.Sensitivity {
	switch {
	case conf > 0.8:
		return messages.SensitivityHigh
	case conf > 0.5:
		return messages.SensitivityMedium
	default:
		return messages.SensitivityLow
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
