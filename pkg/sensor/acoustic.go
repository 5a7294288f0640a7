package sensor

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// InitialFireBandEnergy is the acoustic energy before any measurement
const InitialFireBandEnergy = 50.0

// Acoustic detects the low-frequency roar of a fire relative to wind noise
type Acoustic struct {
	mu     sync.Mutex
	energy float64

	source AcousticSource
	logger zerolog.Logger
}

// NewAcoustic creates an acoustic sensor reading from source
func NewAcoustic(source AcousticSource, logger zerolog.Logger) *Acoustic {
	return &Acoustic{
		energy: InitialFireBandEnergy,
		source: source,
		logger: logger.With().Str("component", "acoustic_sensor").Logger(),
	}
}

// Energy returns the last fire-band energy
func (a *Acoustic) Energy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.energy
}

// Detect takes one measurement and scores it. The energy state is read and
// replaced under one lock so concurrent callers never lose an update.
func (a *Acoustic) Detect(ctx context.Context, hint *float64) messages.AcousticReading {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.source.Measure(ctx, a.energy, hint)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Acoustic measurement failed")
		return messages.AcousticReading{FireBandEnergy: a.energy, Source: messages.SourceSimulated}
	}

	fire := math.Max(0, s.FireBandEnergy)
	wind := math.Max(0, s.WindEnergy)
	a.energy = fire

	return ScoreAcoustic(fire, wind, s.Source)
}

// ScoreAcoustic applies the fire/wind ratio heuristic: a ratio above 2 scores
// 0.5 + 0.1*ratio; otherwise raw fire-band energy above 80 scores energy/120.
func ScoreAcoustic(fire, wind float64, source messages.ReadingSource) messages.AcousticReading {
	ratio := fire
	if wind > 0 {
		ratio = fire / wind
	}

	conf := 0.0
	switch {
	case ratio > 2.0:
		conf = math.Min(1.0, 0.5+ratio*0.1)
	case fire > 80:
		conf = math.Min(1.0, fire/120.0)
	}

	return messages.AcousticReading{
		FireBandEnergy: round(fire, 2),
		WindEnergy:     round(wind, 2),
		Ratio:          round(ratio, 2),
		Confidence:     round(conf, 2),
		Source:         source,
	}
}
