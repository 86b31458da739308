package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/api/middleware"
	"github.com/dvloznov/goalfunder/internal/engine"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
)

// GoalsHandler exposes the goal-funding engine over HTTP: manual evaluation,
// authorization management, contribution history, and forecasting.
type GoalsHandler struct {
	service *engine.Service
	log     zerolog.Logger
}

// NewGoalsHandler creates a new goals handler.
func NewGoalsHandler(service *engine.Service, log zerolog.Logger) *GoalsHandler {
	return &GoalsHandler{service: service, log: log}
}

// RegisterRoutes mounts the handler on the mux.
func (h *GoalsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/goals/", h.route)
	mux.HandleFunc("/api/contributions/", h.routeContribution)
}

// routeContribution dispatches /api/contributions/{id}.
func (h *GoalsHandler) routeContribution(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/contributions/"), "/")
	if id == "" || r.Method != http.MethodDelete {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := h.service.DeleteManualContribution(r.Context(), id); err != nil {
		h.writeServiceError(w, "", "Failed to delete contribution", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// route dispatches /api/goals/{id}/{action} by hand; the engine surface is
// small enough that a router dependency is not worth it.
func (h *GoalsHandler) route(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/goals/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	goalID, action := parts[0], parts[1]

	switch {
	case action == "evaluate" && r.Method == http.MethodPost:
		h.EvaluateNow(w, r, goalID)
	case action == "authorization" && r.Method == http.MethodPost:
		h.Authorize(w, r, goalID)
	case action == "authorization" && r.Method == http.MethodDelete:
		h.Revoke(w, r, goalID)
	case action == "contributions" && r.Method == http.MethodGet:
		h.ListContributions(w, r, goalID)
	case action == "contributions" && r.Method == http.MethodPost:
		h.RecordManualContribution(w, r, goalID)
	case action == "forecast" && r.Method == http.MethodGet:
		h.Forecast(w, r, goalID)
	case action == "automation" && r.Method == http.MethodGet:
		h.AutomationStatus(w, r, goalID)
	case action == "complete" && r.Method == http.MethodPost:
		h.Complete(w, r, goalID)
	case action == "archive" && r.Method == http.MethodPost:
		h.Archive(w, r, goalID)
	case action == "unarchive" && r.Method == http.MethodPost:
		h.Unarchive(w, r, goalID)
	default:
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// EvaluateNow handles POST /api/goals/{id}/evaluate - the "sync now" action.
func (h *GoalsHandler) EvaluateNow(w http.ResponseWriter, r *http.Request, goalID string) {
	if err := h.service.EvaluateNow(r.Context(), goalID); err != nil {
		h.writeServiceError(w, goalID, "Failed to evaluate goal", err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "evaluated"})
}

// Authorize handles POST /api/goals/{id}/authorization.
func (h *GoalsHandler) Authorize(w http.ResponseWriter, r *http.Request, goalID string) {
	if err := h.service.AuthorizeTransfers(r.Context(), goalID); err != nil {
		h.writeServiceError(w, goalID, "Failed to authorize transfers", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

// Revoke handles DELETE /api/goals/{id}/authorization.
func (h *GoalsHandler) Revoke(w http.ResponseWriter, r *http.Request, goalID string) {
	if err := h.service.RevokeAuthorization(r.Context(), goalID); err != nil {
		h.writeServiceError(w, goalID, "Failed to revoke authorization", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ListContributions handles GET /api/goals/{id}/contributions?page=&page_size=
func (h *GoalsHandler) ListContributions(w http.ResponseWriter, r *http.Request, goalID string) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	contributions, total, err := h.service.ListContributions(r.Context(), goalID, page, pageSize)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to list contributions", err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"contributions": contributions,
		"total":         total,
		"page":          page,
		"page_size":     pageSize,
	})
}

// RecordManualContribution handles POST /api/goals/{id}/contributions.
func (h *GoalsHandler) RecordManualContribution(w http.ResponseWriter, r *http.Request, goalID string) {
	var req struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
		return
	}

	contribution, err := h.service.RecordManualContribution(r.Context(), goalID, amount, date)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to record contribution", err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, contribution)
}

// Forecast handles GET /api/goals/{id}/forecast.
func (h *GoalsHandler) Forecast(w http.ResponseWriter, r *http.Request, goalID string) {
	forecast, err := h.service.Forecast(r.Context(), goalID)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to compute forecast", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, forecast)
}

// AutomationStatus handles GET /api/goals/{id}/automation - the automation
// panel: pending-authorization triggers and permanently failed transfers.
func (h *GoalsHandler) AutomationStatus(w http.ResponseWriter, r *http.Request, goalID string) {
	status, err := h.service.AutomationStatus(r.Context(), goalID)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to load automation status", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, status)
}

// Complete handles POST /api/goals/{id}/complete. Idempotent.
func (h *GoalsHandler) Complete(w http.ResponseWriter, r *http.Request, goalID string) {
	goal, err := h.service.CompleteGoal(r.Context(), goalID)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to complete goal", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, goal)
}

// Archive handles POST /api/goals/{id}/archive. Idempotent.
func (h *GoalsHandler) Archive(w http.ResponseWriter, r *http.Request, goalID string) {
	goal, err := h.service.ArchiveGoal(r.Context(), goalID)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to archive goal", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, goal)
}

// Unarchive handles POST /api/goals/{id}/unarchive.
func (h *GoalsHandler) Unarchive(w http.ResponseWriter, r *http.Request, goalID string) {
	goal, err := h.service.UnarchiveGoal(r.Context(), goalID)
	if err != nil {
		h.writeServiceError(w, goalID, "Failed to unarchive goal", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, goal)
}

func (h *GoalsHandler) writeServiceError(w http.ResponseWriter, goalID, message string, err error) {
	switch {
	case errors.Is(err, goals.ErrGoalNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Goal not found")
	case errors.Is(err, ledger.ErrContributionNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Contribution not found")
	case errors.Is(err, ledger.ErrImmutableContribution):
		middleware.WriteError(w, http.StatusConflict, "Automatic contributions cannot be deleted")
	default:
		h.log.Error().Err(err).Str("goal_id", goalID).Msg(message)
		middleware.WriteError(w, http.StatusInternalServerError, message)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
