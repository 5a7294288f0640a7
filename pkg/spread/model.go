// Package spread projects where a fire front will be after a fixed horizon
// given surface wind, using a linear rate-of-spread heuristic.
package spread

import (
	"fmt"
	"math"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// kmPerDegree is the small-angle conversion used for the projection
const kmPerDegree = 111.0

// Config holds the spread heuristic constants
type Config struct {
	WindFactor    float64 `yaml:"wind_factor"`     // Rate of spread as a fraction of wind speed
	MinRateKmh    float64 `yaml:"min_rate_kmh"`    // Floor for calm conditions
	FlankAngleDeg float64 `yaml:"flank_angle_deg"` // Half-angle of the cone
	HorizonHours  float64 `yaml:"horizon_hours"`
}

// DefaultConfig returns the one-hour, 30 degree cone heuristic
func DefaultConfig() Config {
	return Config{
		WindFactor:    0.1,
		MinRateKmh:    0.1,
		FlankAngleDeg: 30,
		HorizonHours:  1,
	}
}

// Model computes spread cones. It holds no mutable state.
type Model struct {
	cfg Config
}

// NewModel creates a spread model
func NewModel(cfg Config) *Model {
	return &Model{cfg: cfg}
}

// Project returns the spread cone from origin for the given wind. Negative or
// NaN wind speed is treated as calm and a non-finite bearing as north.
func (m *Model) Project(lat, lon, windKmh, bearingDeg float64) messages.SpreadCone {
	if math.IsNaN(windKmh) || windKmh < 0 {
		windKmh = 0
	}
	if math.IsNaN(bearingDeg) || math.IsInf(bearingDeg, 0) {
		bearingDeg = 0
	}
	bearingDeg = math.Mod(bearingDeg, 360)
	if bearingDeg < 0 {
		bearingDeg += 360
	}

	ros := math.Max(m.cfg.MinRateKmh, windKmh*m.cfg.WindFactor)
	distance := ros * m.cfg.HorizonHours
	origin := messages.Position{Lat: lat, Lon: lon}

	return messages.SpreadCone{
		Origin:       origin,
		Head:         offset(origin, distance, bearingDeg),
		LeftFlank:    offset(origin, distance, bearingDeg-m.cfg.FlankAngleDeg),
		RightFlank:   offset(origin, distance, bearingDeg+m.cfg.FlankAngleDeg),
		RateOfSpread: ros,
		DistanceKm:   distance,
		RiskArea:     0.5 * distance * distance * math.Tan(radians(m.cfg.FlankAngleDeg)),
		Message:      fmt.Sprintf("Predicted spread %.2fkm @ %v deg in %v hr", distance, bearingDeg, m.cfg.HorizonHours),
	}
}

// ProjectWind is Project for a wind record
func (m *Model) ProjectWind(origin messages.Position, w messages.Wind) messages.SpreadCone {
	return m.Project(origin.Lat, origin.Lon, w.SpeedKmh, w.BearingDeg)
}

func offset(p messages.Position, distanceKm, bearingDeg float64) messages.Position {
	b := radians(bearingDeg)
	return messages.Position{
		Lat: p.Lat + distanceKm/kmPerDegree*math.Cos(b),
		Lon: p.Lon + distanceKm/kmPerDegree*math.Sin(b),
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
