package messages

import (
	"math"
	"time"
)

// Hotspot is a satellite thermal anomaly. Any field may be absent on the wire.
type Hotspot struct {
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	BrightnessK *float64 `json:"brightness,omitempty"` // Kelvin

	// Optional FIRMS attributes
	FRP        float64   `json:"frp,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Satellite  string    `json:"satellite,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// NewHotspot builds a hotspot with every field present
func NewHotspot(lat, lon, brightness float64) Hotspot {
	return Hotspot{Latitude: &lat, Longitude: &lon, BrightnessK: &brightness}
}

// Complete reports whether latitude, longitude and brightness are present and finite
func (h Hotspot) Complete() bool {
	return finite(h.Latitude) && finite(h.Longitude) && finite(h.BrightnessK)
}

// Located reports whether latitude and longitude are present and finite
func (h Hotspot) Located() bool {
	return finite(h.Latitude) && finite(h.Longitude)
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// SatelliteVerification is the Level 1 verdict on a hotspot
type SatelliteVerification struct {
	Verified         bool      `json:"verified"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	CurrentTemp      float64   `json:"current_temp"`
	HistoricBaseline float64   `json:"historic_baseline"`
	Delta            float64   `json:"delta"`
	Confidence       float64   `json:"confidence"`
	Reason           string    `json:"reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Sensitivity is the drone sensitivity level chosen by the handshake
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "LOW"
	SensitivityMedium Sensitivity = "MEDIUM"
	SensitivityHigh   Sensitivity = "HIGH"
)

// Thresholds are the detection thresholds handed to the drone
type Thresholds struct {
	VisionMinConf   float64 `json:"vision_min_conf"`
	ThermalMinTemp  float64 `json:"thermal_min_temp"` // Celsius
	SmokeMinDensity float64 `json:"smoke_min_density"`
}

// DroneMissionConfig is the Level 2 output
type DroneMissionConfig struct {
	MissionID         string      `json:"mission_id"`
	SensitivityLevel  Sensitivity `json:"sensitivity_level"`
	AdaptedThresholds Thresholds  `json:"adapted_thresholds"`
	Explanation       string      `json:"explanation"`
}

// ReadingSource tells whether a reading came from a live sensor or a stand-in
type ReadingSource string

const (
	SourceReal      ReadingSource = "REAL"
	SourceSimulated ReadingSource = "SIMULATED"
)

// BoundingBox is a detection box in image pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VisionReading is the vision sensor's contribution to fusion
type VisionReading struct {
	Confidence     float64       `json:"confidence"`
	Source         ReadingSource `json:"source"`
	BBox           *BoundingBox  `json:"bbox,omitempty"`
	ImagePath      string        `json:"image_path,omitempty"`
	Location       *Position     `json:"location,omitempty"`
	PersonCount    int           `json:"person_count"`
	AnimalCount    int           `json:"animal_count"`
	Timestamp      *time.Time    `json:"timestamp,omitempty"`
	MinConfidence  float64       `json:"min_confidence"`
	AboveThreshold bool          `json:"above_threshold"`
}

// AcousticReading is the acoustic sensor's contribution to fusion
type AcousticReading struct {
	FireBandEnergy float64       `json:"fire_band_energy"`
	WindEnergy     float64       `json:"wind_energy"`
	Ratio          float64       `json:"ratio"`
	Confidence     float64       `json:"confidence"`
	Source         ReadingSource `json:"source"`
}

// ChemicalReading is the gas sensor's contribution to fusion
type ChemicalReading struct {
	COppm         float64       `json:"co_ppm"`
	CO2ppm        float64       `json:"co2_ppm"`
	NOxppm        float64       `json:"nox_ppm"`
	COCO2Ratio    float64       `json:"co_co2_ratio"`
	NOxCORatio    float64       `json:"nox_co_ratio"`
	Confidence    float64       `json:"confidence"`
	Source        ReadingSource `json:"source"`
	MinDensity    float64       `json:"min_density"`
	SmokeDetected bool          `json:"smoke_detected"`
}

// SensorSweep bundles the three Level 3 readings
type SensorSweep struct {
	Vision   VisionReading   `json:"vision"`
	Acoustic AcousticReading `json:"acoustic"`
	Chemical ChemicalReading `json:"chemical"`
}

// Decision is the fused fire-risk verdict
type Decision string

const (
	DecisionSafe     Decision = "SAFE"
	DecisionSmoke    Decision = "SMOKE_WITHOUT_FLAME"
	DecisionCritical Decision = "CRITICAL_FIRE"
)

// Rank orders decisions by escalation
func (d Decision) Rank() int {
	switch d {
	case DecisionCritical:
		return 2
	case DecisionSmoke:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d is one of the known decisions
func (d Decision) Valid() bool {
	switch d {
	case DecisionSafe, DecisionSmoke, DecisionCritical:
		return true
	}
	return false
}

// Escalated reports whether the decision warrants a physical response
func (d Decision) Escalated() bool {
	return d.Rank() >= DecisionSmoke.Rank()
}

// FusionWeights are the per-modality voting weights
type FusionWeights struct {
	Vision   float64 `json:"vision"`
	Acoustic float64 `json:"acoustic"`
	Chemical float64 `json:"chemical"`
}

// DecisionTrace is the explainable output of fusion
type DecisionTrace struct {
	VisionConf       float64       `json:"vision_conf"`
	AudioConf        float64       `json:"audio_conf"`
	ChemConf         float64       `json:"chem_conf"`
	Weights          FusionWeights `json:"weights"`
	FinalScore       float64       `json:"final_score"`
	EffectiveScore   float64       `json:"effective_score"`
	OverrideApplied  bool          `json:"override_applied"`
	Decision         Decision      `json:"decision"`
	Reasoning        string        `json:"reasoning"`
	TriggeredSniffer bool          `json:"triggered_sniffer"`
	LevelsPassed     []string      `json:"levels_passed"`
	FrameworkVersion string        `json:"framework_version"`
}

// SpreadCone is the one-hour spread projection
type SpreadCone struct {
	Origin       Position `json:"origin"`
	Head         Position `json:"head"`
	LeftFlank    Position `json:"left_flank"`
	RightFlank   Position `json:"right_flank"`
	RateOfSpread float64  `json:"rate_of_spread"` // km/h
	DistanceKm   float64  `json:"distance_km"`
	RiskArea     float64  `json:"risk_area"` // km²
	Message      string   `json:"message"`
}

// PathStatus labels a sniffer waypoint
type PathStatus string

const (
	StatusSearching PathStatus = "SEARCHING"
	StatusConfirmed PathStatus = "CONFIRMED"
)

// Termination tells why the sniffer stopped
type Termination string

const (
	TerminationGradient Termination = "GRADIENT_STABILIZED"
	TerminationVisual   Termination = "VISUAL_CONFIRMATION"
	TerminationSteps    Termination = "STEPS_EXHAUSTED"
)

// PathPoint is one sniffer waypoint
type PathPoint struct {
	Lat    float64    `json:"lat"`
	Lon    float64    `json:"lon"`
	Step   int        `json:"step"`
	Status PathStatus `json:"status"`
}

// SnifferPath is the bounded source-localization trajectory
type SnifferPath struct {
	Points      []PathPoint `json:"points"`
	Termination Termination `json:"termination"`
}

// Confirmed reports whether the path ends on a confirmed point
func (p SnifferPath) Confirmed() bool {
	return len(p.Points) > 0 && p.Points[len(p.Points)-1].Status == StatusConfirmed
}
