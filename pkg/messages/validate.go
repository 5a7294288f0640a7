package messages

import (
	"fmt"
	"math"
)

// ValidationError describes an out-of-contract field at a transport boundary
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidateConfidence rejects values outside [0,1] and NaN
func ValidateConfidence(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return &ValidationError{Field: field, Reason: "must be within [0,1]"}
	}
	return nil
}

// ValidatePosition rejects coordinates outside the WGS84 range
func ValidatePosition(field string, p Position) error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return &ValidationError{Field: field + ".lat", Reason: "must be within [-90,90]"}
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return &ValidationError{Field: field + ".lon", Reason: "must be within [-180,180]"}
	}
	return nil
}

// ValidateHotspot checks present fields only; absent fields are a valid
// "missing data" case handled by the satellite filter.
func ValidateHotspot(h Hotspot) error {
	if h.Latitude != nil && (math.IsNaN(*h.Latitude) || *h.Latitude < -90 || *h.Latitude > 90) {
		return &ValidationError{Field: "latitude", Reason: "must be within [-90,90]"}
	}
	if h.Longitude != nil && (math.IsNaN(*h.Longitude) || *h.Longitude < -180 || *h.Longitude > 180) {
		return &ValidationError{Field: "longitude", Reason: "must be within [-180,180]"}
	}
	if h.BrightnessK != nil && *h.BrightnessK < 0 {
		return &ValidationError{Field: "brightness", Reason: "must not be negative"}
	}
	return nil
}

// ValidateWind rejects negative speeds and non-finite bearings
func ValidateWind(w Wind) error {
	if math.IsNaN(w.SpeedKmh) || w.SpeedKmh < 0 {
		return &ValidationError{Field: "wind.speed_kmh", Reason: "must not be negative"}
	}
	if math.IsNaN(w.BearingDeg) || math.IsInf(w.BearingDeg, 0) {
		return &ValidationError{Field: "wind.bearing_deg", Reason: "must be finite"}
	}
	return nil
}

// ValidateVisionEvent checks a pushed vision detection
func ValidateVisionEvent(e *VisionEvent) error {
	if err := ValidateConfidence("confidence", e.Confidence); err != nil {
		return err
	}
	if e.Location != nil {
		if err := ValidatePosition("location", *e.Location); err != nil {
			return err
		}
	}
	if e.PersonCount < 0 || e.AnimalCount < 0 {
		return &ValidationError{Field: "person_count", Reason: "counts must not be negative"}
	}
	return nil
}
