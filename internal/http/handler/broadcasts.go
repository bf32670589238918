package handler

import (
	"net/http"
	"strconv"
	"time"

	"courier/internal/broadcast"
)

type BroadcastHandler struct {
	Svc *broadcast.Service
}

type createBroadcastReq struct {
	Recipients     []int64 `json:"recipients" validate:"required,min=1,max=20000,dive,ne=0"`
	Text           string  `json:"text" validate:"required,max=4096"`
	ParseMode      string  `json:"parse_mode" validate:"omitempty,oneof=Markdown HTML"`
	DisablePreview bool    `json:"disable_preview"`
	DelaySeconds   int     `json:"delay_seconds" validate:"gte=0,lte=604800"`
}

type subscriberBroadcastReq struct {
	Text           string `json:"text" validate:"required,max=4096"`
	ParseMode      string `json:"parse_mode" validate:"omitempty,oneof=Markdown HTML"`
	DisablePreview bool   `json:"disable_preview"`
	DelaySeconds   int    `json:"delay_seconds" validate:"gte=0,lte=604800"`
	MaxTargets     int    `json:"max_targets" validate:"gte=0,lte=20000"`
}

func (h *BroadcastHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, err := h.Svc.Create(r.Context(), broadcast.CreateInput{
		CreatedBy:      currentUser(r),
		Recipients:     req.Recipients,
		Text:           req.Text,
		ParseMode:      req.ParseMode,
		DisablePreview: req.DisablePreview,
		Delay:          time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           b.ID,
		"total":        b.TotalTargets,
		"scheduled_at": b.ScheduledAt,
	})
}

func (h *BroadcastHandler) CreateForSubscribers(w http.ResponseWriter, r *http.Request) {
	var req subscriberBroadcastReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, err := h.Svc.CreateForSubscribers(r.Context(), broadcast.SubscriberInput{
		CreatedBy:      currentUser(r),
		Text:           req.Text,
		ParseMode:      req.ParseMode,
		DisablePreview: req.DisablePreview,
		Delay:          time.Duration(req.DelaySeconds) * time.Second,
		MaxTargets:     req.MaxTargets,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           b.ID,
		"total":        b.TotalTargets,
		"scheduled_at": b.ScheduledAt,
	})
}

type broadcastResp struct {
	ID           uint64           `json:"id"`
	Status       broadcast.Status `json:"status"`
	CreatedBy    int64            `json:"created_by"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	TotalTargets int              `json:"total_targets"`
	SentCount    int              `json:"sent_count"`
	FailedCount  int              `json:"failed_count"`
	LastError    *string          `json:"last_error,omitempty"`
}

func (h *BroadcastHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	b, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcastResp{
		ID:           b.ID,
		Status:       b.Status,
		CreatedBy:    b.CreatedBy,
		ScheduledAt:  b.ScheduledAt,
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
		TotalTargets: b.TotalTargets,
		SentCount:    b.SentCount,
		FailedCount:  b.FailedCount,
		LastError:    b.LastError,
	})
}

func (h *BroadcastHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.Svc.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": broadcast.StatusCancelled})
}

func (h *BroadcastHandler) History(w http.ResponseWriter, r *http.Request) {
	recipient, ok := intParam(r, "recipientID")
	if !ok {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.Svc.ListForRecipient(r.Context(), recipient, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
