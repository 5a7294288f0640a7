package messages

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// HotspotEvent carries a satellite hotspot into the pipeline
type HotspotEvent struct {
	Envelope Envelope `json:"envelope"`

	Hotspot      Hotspot `json:"hotspot"`
	Wind         *Wind   `json:"wind,omitempty"`
	SnifferSteps int     `json:"sniffer_steps,omitempty"` // 0 uses the navigator default
	Feed         string  `json:"feed"`                    // firms, api, cli
}

func (e *HotspotEvent) GetEnvelope() Envelope  { return e.Envelope }
func (e *HotspotEvent) SetEnvelope(v Envelope) { e.Envelope = v }

func (e *HotspotEvent) Subject() string {
	return "hotspot.ingest." + subjectToken(e.Feed)
}

// NewHotspotEvent creates a hotspot event that starts a new correlation chain
func NewHotspotEvent(source, feed string, h Hotspot) *HotspotEvent {
	env := NewEnvelope(source, "gateway")
	env.CorrelationID = env.MessageID
	return &HotspotEvent{Envelope: env, Hotspot: h, Feed: feed}
}

// VisionEvent is an asynchronous detection pushed by an onboard camera model
type VisionEvent struct {
	Envelope Envelope `json:"envelope"`

	Confidence     float64      `json:"confidence"`
	ImageReference string       `json:"image_reference,omitempty"`
	BBox           *BoundingBox `json:"bbox,omitempty"`
	Location       *Position    `json:"location,omitempty"`
	PersonCount    int          `json:"person_count"`
	AnimalCount    int          `json:"animal_count"`
	ObservedAt     time.Time    `json:"observed_at"`
	Camera         string       `json:"camera"`
}

func (e *VisionEvent) GetEnvelope() Envelope  { return e.Envelope }
func (e *VisionEvent) SetEnvelope(v Envelope) { e.Envelope = v }

func (e *VisionEvent) Subject() string {
	return "vision.event." + subjectToken(e.Camera)
}

// MissionDispatch is the Level 1+2 result handed to the drone fleet
type MissionDispatch struct {
	Envelope Envelope `json:"envelope"`

	Verification    SatelliteVerification `json:"verification"`
	Mission         DroneMissionConfig    `json:"mission"`
	Wind            *Wind                 `json:"wind,omitempty"`
	SnifferSteps    int                   `json:"sniffer_steps,omitempty"`
	LocationUnknown bool                  `json:"location_unknown,omitempty"`
}

func (m *MissionDispatch) GetEnvelope() Envelope  { return m.Envelope }
func (m *MissionDispatch) SetEnvelope(v Envelope) { m.Envelope = v }

func (m *MissionDispatch) Subject() string {
	return "mission.dispatch." + strings.ToLower(string(m.Mission.SensitivityLevel))
}

// NewMissionDispatch creates a dispatch caused by a hotspot event
func NewMissionDispatch(ev *HotspotEvent, agentID string, v SatelliteVerification, m DroneMissionConfig) *MissionDispatch {
	return &MissionDispatch{
		Envelope: NewEnvelope(agentID, "satellite").
			WithCorrelation(ev.Envelope.Correlation(), ev.Envelope.MessageID),
		Verification:    v,
		Mission:         m,
		Wind:            ev.Wind,
		SnifferSteps:    ev.SnifferSteps,
		LocationUnknown: !ev.Hotspot.Located(),
	}
}

// FireDecision is the Level 3 fused verdict for one hotspot
type FireDecision struct {
	Envelope Envelope `json:"envelope"`

	Location        Position           `json:"location"`
	LocationUnknown bool               `json:"location_unknown,omitempty"` // Location is a placeholder
	Mission         DroneMissionConfig `json:"mission"`
	Sweep           SensorSweep        `json:"sweep"`
	Trace           DecisionTrace      `json:"trace"`
	Wind            *Wind              `json:"wind,omitempty"`
	SnifferSteps    int                `json:"sniffer_steps,omitempty"`
}

func (d *FireDecision) GetEnvelope() Envelope  { return d.Envelope }
func (d *FireDecision) SetEnvelope(v Envelope) { d.Envelope = v }

func (d *FireDecision) Subject() string {
	return "decision." + strings.ToLower(string(d.Trace.Decision))
}

// NewFireDecision creates a decision caused by a mission dispatch
func NewFireDecision(m *MissionDispatch, agentID string, sweep SensorSweep, trace DecisionTrace) *FireDecision {
	return &FireDecision{
		Envelope: NewEnvelope(agentID, "fusion").
			WithCorrelation(m.Envelope.Correlation(), m.Envelope.MessageID),
		Location:        Position{Lat: m.Verification.Latitude, Lon: m.Verification.Longitude},
		LocationUnknown: m.LocationUnknown,
		Mission:         m.Mission,
		Sweep:           sweep,
		Trace:           trace,
		Wind:            m.Wind,
		SnifferSteps:    m.SnifferSteps,
	}
}

// ResponsePlan is the Level 4 physical response for an escalated decision
type ResponsePlan struct {
	Envelope Envelope `json:"envelope"`

	ResponseID  string         `json:"response_id"`
	Decision    Decision       `json:"decision"`
	Location    Position       `json:"location"`
	Spread      *SpreadCone    `json:"spread,omitempty"`
	Sniffer     *SnifferPath   `json:"sniffer,omitempty"`
	PersonCount int            `json:"person_count"`
	AnimalCount int            `json:"animal_count"`
	Released    bool           `json:"released"`
	Policy      PolicyDecision `json:"policy"`
}

func (r *ResponsePlan) GetEnvelope() Envelope  { return r.Envelope }
func (r *ResponsePlan) SetEnvelope(v Envelope) { r.Envelope = v }

func (r *ResponsePlan) Subject() string {
	if r.Released {
		return "response.released." + strings.ToLower(string(r.Decision))
	}
	return "response.held." + strings.ToLower(string(r.Decision))
}

// NewResponsePlan creates a held response plan caused by a fire decision.
// Release is decided later by the dispatch policy.
func NewResponsePlan(d *FireDecision, agentID string, cone *SpreadCone, path *SnifferPath) *ResponsePlan {
	return &ResponsePlan{
		Envelope: NewEnvelope(agentID, "responder").
			WithCorrelation(d.Envelope.Correlation(), d.Envelope.MessageID),
		ResponseID:  uuid.New().String(),
		Decision:    d.Trace.Decision,
		Location:    d.Location,
		Spread:      cone,
		Sniffer:     path,
		PersonCount: d.Sweep.Vision.PersonCount,
		AnimalCount: d.Sweep.Vision.AnimalCount,
	}
}

// subjectToken keeps NATS subject tokens free of separators and wildcards
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(strings.ToLower(s))
}
