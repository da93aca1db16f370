package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"flowsend/internal/dispatch"
	"flowsend/internal/listparser"
	"flowsend/internal/models"
	"flowsend/internal/precheck"
	"flowsend/internal/provider"
)

// maxImportRows bounds one CSV import request.
const maxImportRows = 10000

// Store is the read-side slice the API serves stats from.
type Store interface {
	Campaign(ctx context.Context, id int64) (*models.Campaign, error)
	RecipientStatusCounts(ctx context.Context, campaignID int64) (*models.StatusCounts, error)
}

type Handler struct {
	Store    Store
	Enqueuer *dispatch.Enqueuer
	Log      *zap.Logger
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/dispatch", h.DispatchCampaign)
		r.Post("/import", h.ImportAndDispatch)
		r.Post("/cancel", h.CancelCampaign)
		r.Post("/resend-skipped", h.ResendSkipped)
		r.Get("/stats", h.CampaignStats)
	})
	return r
}

type dispatchRequest struct {
	Entries     []precheck.Entry      `json:"entries"`
	Params      map[string]string     `json:"params,omitempty"`
	Credentials *provider.Credentials `json:"credentials,omitempty"`
}

func (h *Handler) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Entries) == 0 {
		http.Error(w, "entries must not be empty", http.StatusBadRequest)
		return
	}

	receipt, err := h.Enqueuer.Dispatch(r.Context(), dispatch.Request{
		CampaignID:  id,
		Trigger:     dispatch.TriggerManual,
		Entries:     req.Entries,
		Params:      req.Params,
		Credentials: req.Credentials,
	})
	if err != nil {
		h.dispatchError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, receipt)
}

// ImportAndDispatch accepts a multipart CSV recipient list and dispatches it
// in one request. Campaign-level params ride along as an optional "params"
// form field holding JSON.
func (h *Handler) ImportAndDispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "multipart field \"file\" is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	entries, warnings, err := listparser.ParseEntries(file, maxImportRows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params map[string]string
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			http.Error(w, "params field is not valid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	receipt, err := h.Enqueuer.Dispatch(r.Context(), dispatch.Request{
		CampaignID: id,
		Trigger:    dispatch.TriggerManual,
		Entries:    entries,
		Params:     params,
	})
	if err != nil {
		h.dispatchError(w, id, err)
		return
	}
	receipt.Warnings = append(warnings, receipt.Warnings...)
	h.writeJSON(w, http.StatusAccepted, receipt)
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.Enqueuer.Cancel(r.Context(), id)
	if err != nil {
		h.Log.Error("cancel failed", zap.Int64("campaign_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "campaign is not in a cancellable status", http.StatusConflict)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "cancelled": true})
}

type resendRequest struct {
	Params      map[string]string     `json:"params,omitempty"`
	Credentials *provider.Credentials `json:"credentials,omitempty"`
}

func (h *Handler) ResendSkipped(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	var req resendRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	receipt, err := h.Enqueuer.ResendSkipped(r.Context(), id, req.Params, req.Credentials)
	if err != nil {
		h.dispatchError(w, id, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, receipt)
}

type statsResponse struct {
	CampaignID int64                 `json:"campaign_id"`
	Name       string                `json:"name"`
	Status     models.CampaignStatus `json:"status"`
	TraceID    string                `json:"trace_id,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	Counts     *models.StatusCounts  `json:"counts"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	LastSentAt *time.Time            `json:"last_sent_at,omitempty"`
	DoneAt     *time.Time            `json:"completed_at,omitempty"`
}

func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	c, err := h.Store.Campaign(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	counts, err := h.Store.RecipientStatusCounts(r.Context(), id)
	if err != nil {
		h.Log.Error("stats query failed", zap.Int64("campaign_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, statsResponse{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     c.Status,
		TraceID:    c.TraceID,
		LastError:  c.LastError,
		Counts:     counts,
		StartedAt:  c.StartedAt,
		LastSentAt: c.LastSentAt,
		DoneAt:     c.CompletedAt,
	})
}

func (h *Handler) campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) dispatchError(w http.ResponseWriter, campaignID int64, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotDispatchable), errors.Is(err, dispatch.ErrStaleTrigger):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.Log.Error("dispatch failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Error("response encode failed", zap.Error(err))
	}
}
