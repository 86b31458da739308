package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/api/middleware"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/feed"
)

// FeedHandler accepts account feed webhooks and forwards them into the
// scheduler's event stream.
type FeedHandler struct {
	source *feed.ChannelSource
	log    zerolog.Logger
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(source *feed.ChannelSource, log zerolog.Logger) *FeedHandler {
	return &FeedHandler{source: source, log: log}
}

// RegisterRoutes mounts the handler on the mux.
func (h *FeedHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/feed/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.PostTransaction(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})
	mux.HandleFunc("/api/feed/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.PostSnapshot(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})
}

// PostTransaction handles POST /api/feed/transactions.
func (h *FeedHandler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		AccountID   string `json:"account_id"`
		Amount      string `json:"amount"`
		Description string `json:"description"`
		BookedAt    string `json:"booked_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ID == "" || req.AccountID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "id and account_id are required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	bookedAt, err := time.Parse(time.RFC3339, req.BookedAt)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid booked_at, expected RFC3339")
		return
	}

	tx := domain.Transaction{
		ID:          req.ID,
		AccountID:   req.AccountID,
		Amount:      amount,
		Description: req.Description,
		BookedAt:    bookedAt,
	}
	if err := h.source.Publish(r.Context(), feed.Event{Transaction: &tx}); err != nil {
		h.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to publish transaction event")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Feed queue unavailable")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// PostSnapshot handles POST /api/feed/snapshots.
func (h *FeedHandler) PostSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID  string `json:"account_id"`
		Balance    string `json:"balance"`
		Seq        int64  `json:"seq"`
		ObservedAt string `json:"observed_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	balance, err := decimal.NewFromString(req.Balance)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid balance")
		return
	}
	observedAt, err := time.Parse(time.RFC3339, req.ObservedAt)
	if err != nil {
		observedAt = time.Now()
	}

	snapshot := domain.AccountSnapshot{
		AccountID:  req.AccountID,
		Balance:    balance,
		Seq:        req.Seq,
		ObservedAt: observedAt,
	}
	if err := h.source.Publish(r.Context(), feed.Event{Snapshot: &snapshot}); err != nil {
		h.log.Error().Err(err).Str("account_id", snapshot.AccountID).Msg("Failed to publish snapshot event")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Feed queue unavailable")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
