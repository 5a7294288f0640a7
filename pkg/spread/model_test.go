package spread

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agile-defense/firegrid/pkg/messages"
)

func TestProjectHeading(t *testing.T) {
	m := NewModel(DefaultConfig())

	tests := []struct {
		name    string
		bearing float64
		north   int // sign of head.lat - origin.lat
		east    int // sign of head.lon - origin.lon
	}{
		{name: "north", bearing: 0, north: 1, east: 0},
		{name: "east", bearing: 90, north: 0, east: 1},
		{name: "south", bearing: 180, north: -1, east: 0},
		{name: "west", bearing: 270, north: 0, east: -1},
		{name: "wrapped north", bearing: 360, north: 1, east: 0},
		{name: "negative west", bearing: -90, north: 0, east: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cone := m.Project(10, 10, 20, tt.bearing)
			assert.Equal(t, tt.north, sign(cone.Head.Lat-cone.Origin.Lat))
			assert.Equal(t, tt.east, sign(cone.Head.Lon-cone.Origin.Lon))
		})
	}
}

func TestProjectNorthStaysOnMeridian(t *testing.T) {
	cone := NewModel(DefaultConfig()).Project(10, 10, 20, 0)

	assert.Greater(t, cone.Head.Lat, cone.Origin.Lat)
	assert.InDelta(t, cone.Origin.Lon, cone.Head.Lon, 0.01)
	assert.InDelta(t, 2.0, cone.RateOfSpread, 1e-9)
	assert.InDelta(t, 2.0/111.0, cone.Head.Lat-cone.Origin.Lat, 1e-12)
	assert.InDelta(t, 0.5*4*math.Tan(math.Pi/6), cone.RiskArea, 1e-9)
	assert.Equal(t, "Predicted spread 2.00km @ 0 deg in 1 hr", cone.Message)
}

func TestProjectCalmFloor(t *testing.T) {
	m := NewModel(DefaultConfig())

	for _, wind := range []float64{0, 0.5, -15, math.NaN()} {
		cone := m.Project(45, -120, wind, 90)
		assert.InDelta(t, 0.1, cone.RateOfSpread, 1e-9, "wind %v", wind)
		assert.InDelta(t, 0.1, cone.DistanceKm, 1e-9, "wind %v", wind)
	}
}

func TestProjectFlanksAreSymmetric(t *testing.T) {
	cone := NewModel(DefaultConfig()).Project(0, 0, 30, 0)

	assert.InDelta(t, cone.LeftFlank.Lat, cone.RightFlank.Lat, 1e-12)
	assert.InDelta(t, -cone.LeftFlank.Lon, cone.RightFlank.Lon, 1e-12)
	assert.Less(t, cone.LeftFlank.Lon, 0.0)
	assert.Less(t, cone.LeftFlank.Lat, cone.Head.Lat)
}

func TestProjectNonFiniteBearing(t *testing.T) {
	cone := NewModel(DefaultConfig()).ProjectWind(messages.Position{Lat: 1, Lon: 1}, messages.Wind{SpeedKmh: 10, BearingDeg: math.Inf(1)})
	assert.Greater(t, cone.Head.Lat, 1.0)
	assert.InDelta(t, 1.0, cone.Head.Lon, 1e-12)
}

func sign(v float64) int {
	switch {
	case v > 1e-12:
		return 1
	case v < -1e-12:
		return -1
	default:
		return 0
	}
}
