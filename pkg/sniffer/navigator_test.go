package sniffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/firegrid/pkg/messages"
)

func TestLocalizeVisualConfirmation(t *testing.T) {
	n := NewNavigator(DefaultConfig(), nil)

	path := n.Localize(38.5, -121.4, 10)

	require.Len(t, path.Points, 9)
	assert.Equal(t, messages.TerminationVisual, path.Termination)
	for i, p := range path.Points[:8] {
		assert.Equal(t, i, p.Step)
		assert.Equal(t, messages.StatusSearching, p.Status)
	}
	last := path.Points[8]
	assert.Equal(t, 8, last.Step)
	assert.Equal(t, messages.StatusConfirmed, last.Status)
	assert.True(t, path.Confirmed())
}

func TestLocalizeGradientStabilized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZigZagAmplitude = 0
	n := NewNavigator(cfg, nil)

	path := n.Localize(0, 0, 100)

	require.Len(t, path.Points, 19)
	assert.Equal(t, messages.TerminationGradient, path.Termination)
	last := path.Points[len(path.Points)-1]
	assert.Equal(t, 18, last.Step)
	assert.Equal(t, messages.StatusConfirmed, last.Status)
	assert.InDelta(t, 0.005, last.Lat, 1e-4)
	assert.InDelta(t, 0.003, last.Lon, 1e-4)
}

func TestLocalizeStepsExhausted(t *testing.T) {
	n := NewNavigator(DefaultConfig(), func(float64) float64 { return 0 })

	path := n.Localize(10, 10, 5)

	require.Len(t, path.Points, 5)
	assert.Equal(t, messages.TerminationSteps, path.Termination)
	assert.False(t, path.Confirmed())
	for _, p := range path.Points {
		assert.Equal(t, messages.StatusSearching, p.Status)
	}
}

func TestLocalizeMovesTowardTarget(t *testing.T) {
	n := NewNavigator(DefaultConfig(), func(float64) float64 { return 0 })

	path := n.Localize(0, 0, 10)

	prev := 0.0
	for _, p := range path.Points {
		assert.Greater(t, p.Lat, prev)
		prev = p.Lat
	}
}

func TestLocalizeBoundedByStepsProperty(t *testing.T) {
	n := NewNavigator(DefaultConfig(), nil)

	for steps := 1; steps <= 60; steps++ {
		path := n.Localize(-33.9, 151.2, steps)
		assert.LessOrEqual(t, len(path.Points), steps)
		if len(path.Points) < steps {
			assert.NotEqual(t, messages.TerminationSteps, path.Termination)
			assert.True(t, path.Confirmed())
		}
	}
}

func TestLocalizeDefaultSteps(t *testing.T) {
	n := NewNavigator(DefaultConfig(), nil)
	assert.Len(t, n.Localize(1, 1, 0).Points, 9)
}

func TestLastPathOverwritten(t *testing.T) {
	n := NewNavigator(DefaultConfig(), nil)
	assert.Empty(t, n.LastPath().Points)

	first := n.Localize(1, 1, 10)
	assert.Equal(t, first, n.LastPath())

	second := n.Localize(2, 2, 3)
	assert.Equal(t, second, n.LastPath())
	assert.Len(t, n.LastPath().Points, 3)
}

func TestLocalizeClampsToMaxSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 7
	n := NewNavigator(cfg, func(float64) float64 { return 0 })

	path := n.Localize(10, 10, 1000)

	require.Len(t, path.Points, 7)
	assert.Equal(t, messages.TerminationSteps, path.Termination)
}

func TestLocalizeHugeStepCount(t *testing.T) {
	n := NewNavigator(DefaultConfig(), nil)

	var path messages.SnifferPath
	require.NotPanics(t, func() { path = n.Localize(0, 0, 1<<60) })

	assert.LessOrEqual(t, len(path.Points), DefaultConfig().MaxSteps)
	assert.True(t, path.Confirmed())
}
