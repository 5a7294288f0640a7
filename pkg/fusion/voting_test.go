package fusion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/messages"
)

func newVoting(t *testing.T) *Voting {
	t.Helper()
	v, err := NewVoting(DefaultWeights())
	require.NoError(t, err)
	return v
}

func TestFuse(t *testing.T) {
	v := newVoting(t)

	tests := []struct {
		name      string
		vision    float64
		audio     float64
		chem      float64
		final     float64
		effective float64
		override  bool
		decision  messages.Decision
		levels    int
		reasoning string
	}{
		{
			name:   "vision blind, audio and chemical high",
			vision: 0, audio: 0.95, chem: 0.95,
			final: 0.57, effective: 0.57,
			decision:  messages.DecisionSmoke,
			levels:    3,
			reasoning: "WARNING: Acoustic Anomaly + Chemical Signature",
		},
		{
			name:   "strong vision alone triggers override",
			vision: 0.85, audio: 0, chem: 0,
			final: 0.34, effective: 0.65, override: true,
			decision:  messages.DecisionSmoke,
			levels:    2,
			reasoning: "Stable: No significant aggregation.",
		},
		{
			name:   "vision at 0.8 does not override",
			vision: 0.8, audio: 0, chem: 0,
			final: 0.32, effective: 0.32,
			decision:  messages.DecisionSafe,
			levels:    2,
			reasoning: "Stable: No significant aggregation.",
		},
		{
			name:   "all modalities saturated",
			vision: 1, audio: 1, chem: 1,
			final: 1, effective: 1,
			decision:  messages.DecisionCritical,
			levels:    3,
			reasoning: "CRITICAL: Vision Confirmed (100%) + Acoustic Anomaly + Chemical Signature",
		},
		{
			name:   "critical decision with warning reasoning",
			vision: 0.9, audio: 0.9, chem: 0.9,
			final: 0.9, effective: 0.9,
			decision:  messages.DecisionCritical,
			levels:    3,
			reasoning: "WARNING: Vision Confirmed (90%) + Acoustic Anomaly + Chemical Signature",
		},
		{
			name:   "score exactly 0.5 is safe",
			vision: 0.5, audio: 0.5, chem: 0.5,
			final: 0.5, effective: 0.5,
			decision:  messages.DecisionSafe,
			levels:    2,
			reasoning: "Stable: No significant aggregation.",
		},
		{
			name:   "out of range inputs are clamped",
			vision: 1.4, audio: -0.2, chem: math.NaN(),
			final: 0.4, effective: 0.65, override: true,
			decision:  messages.DecisionSmoke,
			levels:    2,
			reasoning: "Stable: No significant aggregation.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trace := v.Fuse(tt.vision, tt.audio, tt.chem)

			assert.InDelta(t, tt.final, trace.FinalScore, 1e-9)
			assert.InDelta(t, tt.effective, trace.EffectiveScore, 1e-9)
			assert.Equal(t, tt.override, trace.OverrideApplied)
			assert.Equal(t, tt.decision, trace.Decision)
			assert.Equal(t, tt.decision.Escalated(), trace.TriggeredSniffer)
			assert.Len(t, trace.LevelsPassed, tt.levels)
			assert.Equal(t, tt.reasoning, trace.Reasoning)
			assert.Equal(t, FrameworkVersion, trace.FrameworkVersion)
			assert.Equal(t, DefaultWeights(), trace.Weights)
		})
	}
}

func TestFuseLevelsOrder(t *testing.T) {
	trace := newVoting(t).Fuse(0.9, 0.9, 0.9)
	assert.Equal(t, []string{LevelSatellite, LevelAtmospheric, LevelMultiModal}, trace.LevelsPassed)
}

func TestFuseInvariants(t *testing.T) {
	v := newVoting(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		trace := v.Fuse(rng.Float64(), rng.Float64(), rng.Float64())

		assert.GreaterOrEqual(t, trace.FinalScore, 0.0)
		assert.LessOrEqual(t, trace.FinalScore, 1.0)
		assert.GreaterOrEqual(t, trace.EffectiveScore, trace.FinalScore)
		assert.Equal(t, trace.Decision.Escalated(), trace.TriggeredSniffer)

		switch {
		case trace.EffectiveScore > 0.8:
			assert.Equal(t, messages.DecisionCritical, trace.Decision)
		case trace.EffectiveScore > 0.5:
			assert.Equal(t, messages.DecisionSmoke, trace.Decision)
		default:
			assert.Equal(t, messages.DecisionSafe, trace.Decision)
		}

		if trace.VisionConf > 0.8 {
			assert.GreaterOrEqual(t, trace.Decision.Rank(), messages.DecisionSmoke.Rank())
		}
	}
}

func TestNewVotingRejectsBadWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights messages.FusionWeights
	}{
		{name: "sum above one", weights: messages.FusionWeights{Vision: 0.5, Acoustic: 0.5, Chemical: 0.5}},
		{name: "sum below one", weights: messages.FusionWeights{Vision: 0.2, Acoustic: 0.2, Chemical: 0.2}},
		{name: "negative weight", weights: messages.FusionWeights{Vision: 1.2, Acoustic: -0.1, Chemical: -0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVoting(tt.weights)
			assert.ErrorIs(t, err, ErrInvalidWeights)
		})
	}
}

func TestCustomWeights(t *testing.T) {
	v, err := NewVoting(messages.FusionWeights{Vision: 0.2, Acoustic: 0.4, Chemical: 0.4})
	require.NoError(t, err)

	trace := v.Fuse(0, 0.95, 0.95)
	assert.InDelta(t, 0.76, trace.FinalScore, 1e-9)
	assert.Equal(t, messages.DecisionSmoke, trace.Decision)
}

func TestFuseSweep(t *testing.T) {
	trace := newVoting(t).FuseSweep(messages.SensorSweep{
		Vision:   messages.VisionReading{Confidence: 0},
		Acoustic: messages.AcousticReading{Confidence: 0.95},
		Chemical: messages.ChemicalReading{Confidence: 0.95},
	})
	assert.InDelta(t, 0.57, trace.FinalScore, 1e-9)
	assert.True(t, trace.TriggeredSniffer)
}
