package pipeline

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/config"
	"github.com/agile-defense/firegrid/pkg/fusion"
	"github.com/agile-defense/firegrid/pkg/handshake"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/sensor"
	"github.com/agile-defense/firegrid/pkg/sniffer"
	"github.com/agile-defense/firegrid/pkg/spread"
)

// Sources supply raw sensor measurements
type Sources struct {
	Vision   sensor.VisionSource
	Acoustic sensor.AcousticSource
	Chemical sensor.ChemicalSource
}

// SimulatedSources returns stand-in sources driven by one seeded generator.
// A zero seed uses the current time.
func SimulatedSources(seed int64) Sources {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim := sensor.NewSimulated(rand.New(rand.NewSource(seed)))
	return Sources{Vision: sim, Acoustic: sim.Acoustic(), Chemical: sim.Chemical()}
}

// LiveSources serves pushed hardware samples while fresh and falls back to
// the simulated sources otherwise
func LiveSources(live *sensor.Live, fallback Sources) Sources {
	return Sources{Vision: fallback.Vision, Acoustic: live.Acoustic(), Chemical: live.Chemical()}
}

// Build assembles the stages from configuration
func Build(cfg config.PipelineConfig, baselines satellite.BaselineLookup, src Sources, logger zerolog.Logger, opts ...Option) (*Pipeline, error) {
	voting, err := fusion.NewVoting(cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("failed to build fusion stage: %w", err)
	}

	stages := Stages{
		Satellite: satellite.NewFilter(cfg.Satellite, baselines, logger),
		Handshake: handshake.New(cfg.Handshake),
		Vision:    sensor.NewVision(cfg.VisionExpiry, src.Vision, logger),
		Acoustic:  sensor.NewAcoustic(src.Acoustic, logger),
		Chemical:  sensor.NewChemical(src.Chemical, logger),
		Fusion:    voting,
		Spread:    spread.NewModel(cfg.Spread),
		Sniffer:   sniffer.NewNavigator(cfg.Sniffer, nil),
	}

	opts = append([]Option{WithDefaultWind(cfg.DefaultWind)}, opts...)
	return New(stages, logger, opts...)
}
