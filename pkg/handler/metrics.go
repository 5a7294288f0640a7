package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/store"
)

// windowScanLimit caps the decisions read for one breakdown window
const windowScanLimit = 10000

// MetricsHandler serves pipeline statistics from the store
type MetricsHandler struct {
	db     store.Store
	logger zerolog.Logger
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler(db store.Store, logger zerolog.Logger) *MetricsHandler {
	return &MetricsHandler{
		db:     db,
		logger: logger.With().Str("handler", "metrics").Logger(),
	}
}

// Routes returns the metrics routes
func (h *MetricsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetCurrentMetrics)
	r.Get("/decisions", h.GetDecisionBreakdown)

	return r
}

// SystemMetricsResponse holds the running totals kept in system_counters
type SystemMetricsResponse struct {
	HotspotsObserved  int64  `json:"hotspots_observed"`
	DecisionsRecorded int64  `json:"decisions_recorded"`
	ResponsesRecorded int64  `json:"responses_recorded"`
	Timestamp         string `json:"timestamp"`
	CorrelationID     string `json:"correlation_id"`
}

// GetCurrentMetrics handles GET /api/v1/metrics
func (h *MetricsHandler) GetCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	counters := map[string]*int64{}
	response := SystemMetricsResponse{CorrelationID: correlationID}
	counters[store.CounterObservations] = &response.HotspotsObserved
	counters[store.CounterDecisions] = &response.DecisionsRecorded
	counters[store.CounterResponses] = &response.ResponsesRecorded

	for name, dst := range counters {
		v, err := h.db.Counter(ctx, name)
		if err != nil {
			h.logger.Error().Err(err).Str("correlation_id", correlationID).Str("counter", name).Msg("Failed to read counter")
			WriteError(w, http.StatusInternalServerError, "Failed to read counters", correlationID)
			return
		}
		*dst = v
	}

	response.Timestamp = time.Now().UTC().Format(time.RFC3339)
	WriteJSON(w, http.StatusOK, response)
}

// DecisionBreakdownResponse counts the decisions recorded in a window
type DecisionBreakdownResponse struct {
	Window        string                    `json:"window"`
	Decisions     map[messages.Decision]int `json:"decisions"`
	Escalated     int                       `json:"escalated"`
	SnifferRuns   int                       `json:"sniffer_runs"`
	AvgScore      float64                   `json:"avg_effective_score"`
	Truncated     bool                      `json:"truncated"`
	CorrelationID string                    `json:"correlation_id"`
}

var validWindows = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
}

// GetDecisionBreakdown handles GET /api/v1/metrics/decisions
func (h *MetricsHandler) GetDecisionBreakdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)

	window := r.URL.Query().Get("window")
	if window == "" {
		window = "1h"
	}

	span, ok := validWindows[window]
	if !ok {
		WriteError(w, http.StatusBadRequest, "Invalid window parameter. Valid values: 1m, 5m, 15m, 1h, 6h, 24h", correlationID)
		return
	}

	since := time.Now().Add(-span)
	rows, err := h.db.ListDecisions(ctx, store.DecisionFilter{Since: &since, Limit: windowScanLimit})
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list decisions")
		WriteError(w, http.StatusInternalServerError, "Failed to get decision breakdown", correlationID)
		return
	}

	response := DecisionBreakdownResponse{
		Window: window,
		Decisions: map[messages.Decision]int{
			messages.DecisionSafe:     0,
			messages.DecisionSmoke:    0,
			messages.DecisionCritical: 0,
		},
		Truncated:     len(rows) == windowScanLimit,
		CorrelationID: correlationID,
	}

	var total float64
	for _, row := range rows {
		response.Decisions[row.Decision]++
		if row.Decision.Escalated() {
			response.Escalated++
		}
		if row.TriggeredSniffer {
			response.SnifferRuns++
		}
		total += row.EffectiveScore
	}
	if len(rows) > 0 {
		response.AvgScore = total / float64(len(rows))
	}

	WriteJSON(w, http.StatusOK, response)
}
