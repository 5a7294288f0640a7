// Package fusion implements Level 3 weighted voting over the vision, acoustic
// and chemical confidences and produces an explainable decision trace.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// FrameworkVersion is stamped on every decision trace
const FrameworkVersion = "v1.0"

const (
	LevelSatellite   = "Level 1 (Satellite)"
	LevelAtmospheric = "Level 2 (Atmospheric)"
	LevelMultiModal  = "Level 3 (Multi-Modal)"
)

const (
	criticalThreshold    = 0.8
	smokeThreshold       = 0.5
	visualOverrideMin    = 0.8
	overrideCeiling      = 0.6
	overrideScore        = 0.65
	modalityReportMin    = 0.6
	criticalReasoningMin = 0.9
)

// ErrInvalidWeights is returned when weights are negative or do not sum to 1
var ErrInvalidWeights = errors.New("fusion weights must be non-negative and sum to 1")

// DefaultWeights returns the standard voting weights
func DefaultWeights() messages.FusionWeights {
	return messages.FusionWeights{Vision: 0.4, Acoustic: 0.3, Chemical: 0.3}
}

// Voting fuses modality confidences. It holds no mutable state.
type Voting struct {
	weights messages.FusionWeights
}

// NewVoting validates the weights and creates a voter
func NewVoting(w messages.FusionWeights) (*Voting, error) {
	if w.Vision < 0 || w.Acoustic < 0 || w.Chemical < 0 {
		return nil, fmt.Errorf("%w: got %+v", ErrInvalidWeights, w)
	}
	if sum := w.Vision + w.Acoustic + w.Chemical; math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("%w: sum is %.4f", ErrInvalidWeights, sum)
	}
	return &Voting{weights: w}, nil
}

// Weights returns the configured weights
func (v *Voting) Weights() messages.FusionWeights {
	return v.weights
}

// Fuse combines the three confidences into a decision. Inputs are clamped
// to [0,1]. The stored final score is the weighted sum rounded to two
// decimals; the visual override can only raise the effective score used for
// the decision, never the stored one.
func (v *Voting) Fuse(vision, audio, chem float64) messages.DecisionTrace {
	vision, audio, chem = clamp01(vision), clamp01(audio), clamp01(chem)

	final := round2(vision*v.weights.Vision + audio*v.weights.Acoustic + chem*v.weights.Chemical)

	effective := final
	override := false
	if vision > visualOverrideMin && final < overrideCeiling {
		effective = overrideScore
		override = true
	}

	decision := messages.DecisionSafe
	switch {
	case effective > criticalThreshold:
		decision = messages.DecisionCritical
	case effective > smokeThreshold:
		decision = messages.DecisionSmoke
	}

	levels := []string{LevelSatellite, LevelAtmospheric}
	if final > smokeThreshold {
		levels = append(levels, LevelMultiModal)
	}

	return messages.DecisionTrace{
		VisionConf:       vision,
		AudioConf:        audio,
		ChemConf:         chem,
		Weights:          v.weights,
		FinalScore:       final,
		EffectiveScore:   effective,
		OverrideApplied:  override,
		Decision:         decision,
		Reasoning:        reasoning(vision, audio, chem, final),
		TriggeredSniffer: decision.Escalated(),
		LevelsPassed:     levels,
		FrameworkVersion: FrameworkVersion,
	}
}

// FuseSweep fuses a full sensor sweep
func (v *Voting) FuseSweep(s messages.SensorSweep) messages.DecisionTrace {
	return v.Fuse(s.Vision.Confidence, s.Acoustic.Confidence, s.Chemical.Confidence)
}

func reasoning(vision, audio, chem, final float64) string {
	var parts []string
	if vision > modalityReportMin {
		parts = append(parts, fmt.Sprintf("Vision Confirmed (%d%%)", int(vision*100)))
	}
	if audio > modalityReportMin {
		parts = append(parts, "Acoustic Anomaly")
	}
	if chem > modalityReportMin {
		parts = append(parts, "Chemical Signature")
	}
	detail := strings.Join(parts, " + ")

	switch {
	case final > criticalReasoningMin:
		return "CRITICAL: " + detail
	case final > smokeThreshold:
		return "WARNING: " + detail
	default:
		return "Stable: No significant aggregation."
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

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
