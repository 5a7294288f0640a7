package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/pipeline"
	"github.com/agile-defense/firegrid/pkg/satellite"
	"github.com/agile-defense/firegrid/pkg/sniffer"
)

// Publisher puts a signed message on the bus
type Publisher interface {
	Publish(ctx context.Context, msg messages.Message) error
}

// Assessor runs the pipeline in process
type Assessor interface {
	Assess(ctx context.Context, req pipeline.Request) *pipeline.Assessment
	Trigger(ctx context.Context, ev *messages.VisionEvent, wind *messages.Wind, steps int) *pipeline.Assessment
}

// IngestHandler accepts hotspots and vision detections. With a publisher
// they are queued on the bus; without one they are assessed in process.
type IngestHandler struct {
	publisher       Publisher
	local           Assessor
	source          string
	maxSnifferSteps int
	logger          zerolog.Logger
}

// IngestOption configures an IngestHandler
type IngestOption func(*IngestHandler)

// WithMaxSnifferSteps bounds the sniffer_steps a client may request; 0
// removes the bound
func WithMaxSnifferSteps(n int) IngestOption {
	return func(h *IngestHandler) { h.maxSnifferSteps = n }
}

// NewIngestHandler creates a new IngestHandler. publisher may be nil when
// the bus is unavailable; local must then be set.
func NewIngestHandler(publisher Publisher, local Assessor, source string, logger zerolog.Logger, opts ...IngestOption) *IngestHandler {
	h := &IngestHandler{
		publisher:       publisher,
		local:           local,
		source:          source,
		maxSnifferSteps: sniffer.DefaultConfig().MaxSteps,
		logger:          logger.With().Str("handler", "ingest").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the ingestion routes to r
func (h *IngestHandler) Register(r chi.Router) {
	r.Post("/hotspots", h.IngestHotspots)
	r.Post("/hotspots/firms", h.IngestFIRMS)
	r.Post("/vision-trigger", h.VisionTrigger)
	r.Post("/assess", h.Assess)
}

// HotspotRequest is one hotspot with optional surface wind
type HotspotRequest struct {
	messages.Hotspot
	Wind         *messages.Wind `json:"wind,omitempty"`
	SnifferSteps int            `json:"sniffer_steps,omitempty"`
}

// Validate checks the present fields of the request
func (r HotspotRequest) Validate(maxSteps int) error {
	if err := messages.ValidateHotspot(r.Hotspot); err != nil {
		return err
	}
	if r.Wind != nil {
		if err := messages.ValidateWind(*r.Wind); err != nil {
			return err
		}
	}
	return ValidateSnifferSteps(r.SnifferSteps, maxSteps)
}

// ValidateSnifferSteps rejects negative step counts and counts above limit.
// A limit of zero disables the upper bound.
func ValidateSnifferSteps(steps, limit int) error {
	if steps < 0 {
		return &messages.ValidationError{Field: "sniffer_steps", Reason: "must not be negative"}
	}
	if limit > 0 && steps > limit {
		return &messages.ValidationError{Field: "sniffer_steps", Reason: fmt.Sprintf("must not exceed %d", limit)}
	}
	return nil
}

// IngestResponse reports what was accepted
type IngestResponse struct {
	Accepted       int                    `json:"accepted"`
	Queued         bool                   `json:"queued"`
	CorrelationIDs []string               `json:"correlation_ids"`
	Assessments    []*pipeline.Assessment `json:"assessments,omitempty"`
	CorrelationID  string                 `json:"correlation_id"`
}

// IngestHotspots handles POST /api/v1/hotspots with one hotspot or an array
func (h *IngestHandler) IngestHotspots(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())

	reqs, err := decodeOneOrMany(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), correlationID)
		return
	}
	if len(reqs) == 0 {
		WriteError(w, http.StatusBadRequest, "No hotspots in request", correlationID)
		return
	}
	for i, req := range reqs {
		if err := req.Validate(h.maxSnifferSteps); err != nil {
			WriteValidationError(w, fmt.Errorf("hotspot %d: %w", i, err), correlationID)
			return
		}
	}

	h.ingest(w, r, "api", reqs, correlationID)
}

// IngestFIRMS handles POST /api/v1/hotspots/firms with a FIRMS CSV body
func (h *IngestHandler) IngestFIRMS(w http.ResponseWriter, r *http.Request) {
	correlationID := GetCorrelationID(r.Context())

	hotspots, err := satellite.ParseFIRMS(http.MaxBytesReader(w, r.Body, maxBodyBytes), r.URL.Query().Get("satellite"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid FIRMS CSV: "+err.Error(), correlationID)
		return
	}

	reqs := make([]HotspotRequest, 0, len(hotspots))
	for i, hs := range hotspots {
		if err := messages.ValidateHotspot(hs); err != nil {
			WriteValidationError(w, fmt.Errorf("row %d: %w", i+1, err), correlationID)
			return
		}
		reqs = append(reqs, HotspotRequest{Hotspot: hs})
	}

	h.ingest(w, r, "firms", reqs, correlationID)
}

func (h *IngestHandler) ingest(w http.ResponseWriter, r *http.Request, feed string, reqs []HotspotRequest, correlationID string) {
	ctx := r.Context()
	resp := IngestResponse{
		CorrelationIDs: make([]string, 0, len(reqs)),
		CorrelationID:  correlationID,
	}

	if h.publisher != nil {
		for _, req := range reqs {
			ev := messages.NewHotspotEvent(h.source, feed, req.Hotspot)
			ev.Wind = req.Wind
			ev.SnifferSteps = req.SnifferSteps
			if err := h.publisher.Publish(ctx, ev); err != nil {
				h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to publish hotspot")
				WriteError(w, http.StatusServiceUnavailable, "Failed to queue hotspot", correlationID)
				return
			}
			resp.CorrelationIDs = append(resp.CorrelationIDs, ev.Envelope.Correlation())
		}
		resp.Accepted = len(reqs)
		resp.Queued = true

		h.logger.Info().
			Str("correlation_id", correlationID).
			Str("feed", feed).
			Int("count", len(reqs)).
			Msg("Hotspots queued")

		WriteJSON(w, http.StatusAccepted, resp)
		return
	}

	if h.local == nil {
		WriteError(w, http.StatusServiceUnavailable, "No pipeline available", correlationID)
		return
	}

	for _, req := range reqs {
		a := h.local.Assess(ctx, pipeline.Request{Hotspot: req.Hotspot, Wind: req.Wind, SnifferSteps: req.SnifferSteps})
		resp.CorrelationIDs = append(resp.CorrelationIDs, a.CorrelationID)
		resp.Assessments = append(resp.Assessments, a)
	}
	resp.Accepted = len(reqs)

	WriteJSON(w, http.StatusOK, resp)
}

// VisionTriggerRequest is a detection pushed by an onboard camera model
type VisionTriggerRequest struct {
	Confidence     float64               `json:"confidence"`
	ImageReference string                `json:"image_reference,omitempty"`
	BBox           *messages.BoundingBox `json:"bbox,omitempty"`
	Location       *messages.Position    `json:"location,omitempty"`
	PersonCount    int                   `json:"person_count"`
	AnimalCount    int                   `json:"animal_count"`
	ObservedAt     time.Time             `json:"observed_at"`
	Camera         string                `json:"camera"`
	Wind           *messages.Wind        `json:"wind,omitempty"`
	SnifferSteps   int                   `json:"sniffer_steps,omitempty"`
}

// Event converts the request into a vision event starting a new chain
func (r VisionTriggerRequest) Event(source string) *messages.VisionEvent {
	env := messages.NewEnvelope(source, "gateway")
	env.CorrelationID = env.MessageID

	observed := r.ObservedAt
	if observed.IsZero() {
		observed = env.Timestamp
	}

	return &messages.VisionEvent{
		Envelope:       env,
		Confidence:     r.Confidence,
		ImageReference: r.ImageReference,
		BBox:           r.BBox,
		Location:       r.Location,
		PersonCount:    r.PersonCount,
		AnimalCount:    r.AnimalCount,
		ObservedAt:     observed,
		Camera:         r.Camera,
	}
}

// VisionTriggerResponse summarises a vision trigger
type VisionTriggerResponse struct {
	Status        string               `json:"status"`
	Decision      messages.Decision    `json:"decision,omitempty"`
	LevelsPassed  []string             `json:"levels_passed,omitempty"`
	Reasoning     string               `json:"reasoning,omitempty"`
	Assessment    *pipeline.Assessment `json:"assessment,omitempty"`
	CorrelationID string               `json:"correlation_id"`
}

// VisionTrigger handles POST /api/v1/vision-trigger
func (h *IngestHandler) VisionTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	var req VisionTriggerRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), correlationID)
		return
	}

	ev := req.Event(h.source)
	if err := messages.ValidateVisionEvent(ev); err != nil {
		WriteValidationError(w, err, correlationID)
		return
	}
	if req.Wind != nil {
		if err := messages.ValidateWind(*req.Wind); err != nil {
			WriteValidationError(w, err, correlationID)
			return
		}
	}
	if err := ValidateSnifferSteps(req.SnifferSteps, h.maxSnifferSteps); err != nil {
		WriteValidationError(w, err, correlationID)
		return
	}

	if h.publisher != nil {
		// A queued detection only updates the fusion agent's vision state
		if req.Wind != nil {
			WriteValidationError(w, &messages.ValidationError{Field: "wind", Reason: "only applies to in-process triggers"}, correlationID)
			return
		}
		if req.SnifferSteps != 0 {
			WriteValidationError(w, &messages.ValidationError{Field: "sniffer_steps", Reason: "only applies to in-process triggers"}, correlationID)
			return
		}
		if err := h.publisher.Publish(ctx, ev); err != nil {
			h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to publish vision event")
			WriteError(w, http.StatusServiceUnavailable, "Failed to queue vision event", correlationID)
			return
		}
		WriteJSON(w, http.StatusAccepted, VisionTriggerResponse{
			Status:        "queued",
			CorrelationID: ev.Envelope.Correlation(),
		})
		return
	}

	if h.local == nil {
		WriteError(w, http.StatusServiceUnavailable, "No pipeline available", correlationID)
		return
	}

	a := h.local.Trigger(ctx, ev, req.Wind, req.SnifferSteps)
	WriteJSON(w, http.StatusOK, VisionTriggerResponse{
		Status:        "fire_check_complete",
		Decision:      a.Trace.Decision,
		LevelsPassed:  a.Trace.LevelsPassed,
		Reasoning:     a.Trace.Reasoning,
		Assessment:    a,
		CorrelationID: a.CorrelationID,
	})
}

// Assess handles POST /api/v1/assess. The hotspot is always assessed in
// process, bypassing the bus.
func (h *IngestHandler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	if h.local == nil {
		WriteError(w, http.StatusServiceUnavailable, "No pipeline available", correlationID)
		return
	}

	var req HotspotRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), correlationID)
		return
	}
	if err := req.Validate(h.maxSnifferSteps); err != nil {
		WriteValidationError(w, err, correlationID)
		return
	}

	a := h.local.Assess(ctx, pipeline.Request{
		CorrelationID: correlationID,
		Hotspot:       req.Hotspot,
		Wind:          req.Wind,
		SnifferSteps:  req.SnifferSteps,
	})
	WriteJSON(w, http.StatusOK, a)
}

// decodeOneOrMany accepts either a JSON object or an array of objects
func decodeOneOrMany(r io.Reader) ([]HotspotRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []HotspotRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, err
		}
		return reqs, nil
	}

	var req HotspotRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, err
	}
	return []HotspotRequest{req}, nil
}
