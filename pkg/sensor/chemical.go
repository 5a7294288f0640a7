package sensor

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// Chemical separates combustion from exhaust using gas ratios. It is stateless.
type Chemical struct {
	source ChemicalSource
	logger zerolog.Logger
}

// NewChemical creates a chemical sensor reading from source
func NewChemical(source ChemicalSource, logger zerolog.Logger) *Chemical {
	return &Chemical{
		source: source,
		logger: logger.With().Str("component", "chemical_sensor").Logger(),
	}
}

// Detect takes one measurement and scores it. minDensity is the handshake's
// smoke threshold; it sets SmokeDetected without altering the confidence.
func (c *Chemical) Detect(ctx context.Context, hint *float64, minDensity float64) messages.ChemicalReading {
	s, err := c.source.Measure(ctx, hint)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Chemical measurement failed")
		return messages.ChemicalReading{Source: messages.SourceSimulated, MinDensity: minDensity}
	}

	r := ScoreChemical(s.CO, s.CO2, s.NOx, s.Source)
	r.MinDensity = minDensity
	r.SmokeDetected = r.Confidence > 0 && r.Confidence >= minDensity
	return r
}

// ScoreChemical scores gas concentrations: CO/CO2 above 0.1 adds 0.6, CO
// above 50 ppm adds 0.3, and NOx/CO above 0.5 multiplies the total by 0.2.
// Zero denominators give a zero ratio.
func ScoreChemical(co, co2, nox float64, source messages.ReadingSource) messages.ChemicalReading {
	co, co2, nox = math.Max(0, co), math.Max(0, co2), math.Max(0, nox)

	coCO2 := 0.0
	if co2 > 0 {
		coCO2 = co / co2
	}
	noxCO := 0.0
	if co > 0 {
		noxCO = nox / co
	}

	conf := 0.0
	if coCO2 > 0.1 {
		conf += 0.6
	}
	if co > 50 {
		conf += 0.3
	}
	if noxCO > 0.5 {
		conf *= 0.2
	}

	return messages.ChemicalReading{
		COppm:      round(co, 2),
		CO2ppm:     round(co2, 2),
		NOxppm:     round(nox, 2),
		COCO2Ratio: round(coCO2, 4),
		NOxCORatio: round(noxCO, 4),
		Confidence: clamp01(round(conf, 2)),
		Source:     source,
	}
}
