package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agile-defense/firegrid/pkg/messages"
	"github.com/agile-defense/firegrid/pkg/store"
)

// DecisionHandler handles decision-related HTTP requests
type DecisionHandler struct {
	db     store.Store
	logger zerolog.Logger
}

// NewDecisionHandler creates a new DecisionHandler
func NewDecisionHandler(db store.Store, logger zerolog.Logger) *DecisionHandler {
	return &DecisionHandler{
		db:     db,
		logger: logger.With().Str("handler", "decisions").Logger(),
	}
}

// Routes returns the decision routes
func (h *DecisionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListDecisions)
	r.Get("/{messageID}", h.GetDecision)

	return r
}

// DecisionListResponse represents the response for listing decisions
type DecisionListResponse struct {
	Decisions     []store.DecisionRow `json:"decisions"`
	Total         int                 `json:"total"`
	Limit         int                 `json:"limit"`
	Offset        int                 `json:"offset"`
	CorrelationID string              `json:"correlation_id"`
}

// ListDecisions handles GET /api/v1/decisions
func (h *DecisionHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	page := ParsePage(r)

	filter := store.DecisionFilter{
		Decision:      r.URL.Query().Get("decision"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Limit:         page.Limit,
		Offset:        page.Offset,
	}

	if filter.Decision != "" && !messages.Decision(filter.Decision).Valid() {
		WriteError(w, http.StatusBadRequest, "unknown decision "+strconv.Quote(filter.Decision), correlationID)
		return
	}

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "since must be RFC3339", correlationID)
			return
		}
		filter.Since = &since
	}

	decisions, err := h.db.ListDecisions(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list decisions")
		WriteError(w, http.StatusInternalServerError, "Failed to list decisions", correlationID)
		return
	}
	if decisions == nil {
		decisions = []store.DecisionRow{}
	}

	WriteJSON(w, http.StatusOK, DecisionListResponse{
		Decisions:     decisions,
		Total:         len(decisions),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		CorrelationID: correlationID,
	})
}

// GetDecision handles GET /api/v1/decisions/{messageID}
func (h *DecisionHandler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	messageID := chi.URLParam(r, "messageID")

	decision, err := h.db.GetDecision(ctx, messageID)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Str("message_id", messageID).Msg("Failed to get decision")
		WriteError(w, http.StatusInternalServerError, "Failed to get decision", correlationID)
		return
	}
	if decision == nil {
		WriteError(w, http.StatusNotFound, "Decision not found", correlationID)
		return
	}

	WriteJSON(w, http.StatusOK, decision)
}

// ResponseHandler handles response-plan HTTP requests
type ResponseHandler struct {
	db     store.Store
	logger zerolog.Logger
}

// NewResponseHandler creates a new ResponseHandler
func NewResponseHandler(db store.Store, logger zerolog.Logger) *ResponseHandler {
	return &ResponseHandler{
		db:     db,
		logger: logger.With().Str("handler", "responses").Logger(),
	}
}

// Routes returns the response routes
func (h *ResponseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListResponses)

	return r
}

// ResponseListResponse represents the response for listing response plans
type ResponseListResponse struct {
	Responses     []store.ResponseRow `json:"responses"`
	Total         int                 `json:"total"`
	Limit         int                 `json:"limit"`
	Offset        int                 `json:"offset"`
	CorrelationID string              `json:"correlation_id"`
}

// ListResponses handles GET /api/v1/responses
func (h *ResponseHandler) ListResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := GetCorrelationID(ctx)
	page := ParsePage(r)

	filter := store.ResponseFilter{Limit: page.Limit, Offset: page.Offset}

	if releasedStr := r.URL.Query().Get("released"); releasedStr != "" {
		released, err := strconv.ParseBool(releasedStr)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "released must be a boolean", correlationID)
			return
		}
		filter.Released = &released
	}

	responses, err := h.db.ListResponses(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to list responses")
		WriteError(w, http.StatusInternalServerError, "Failed to list responses", correlationID)
		return
	}
	if responses == nil {
		responses = []store.ResponseRow{}
	}

	WriteJSON(w, http.StatusOK, ResponseListResponse{
		Responses:     responses,
		Total:         len(responses),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		CorrelationID: correlationID,
	})
}
