package handler

import (
	"net/http"

	"courier/internal/subscribers"
)

type SubscriberHandler struct {
	Registry *subscribers.Registry
}

type touchReq struct {
	Username  *string `json:"username" validate:"omitempty,max=64"`
	FirstName *string `json:"first_name" validate:"omitempty,max=256"`
	LastName  *string `json:"last_name" validate:"omitempty,max=256"`
}

type optOutReq struct {
	OptedOut *bool `json:"opted_out" validate:"required"`
}

func (h *SubscriberHandler) Touch(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "id")
	if !ok || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req touchReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Registry.Touch(r.Context(), id, subscribers.Profile{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriberHandler) OptOut(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "id")
	if !ok || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req optOutReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Registry.SetOptOut(r.Context(), id, *req.OptedOut); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriberHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	sub, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sub == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriberHandler) Stats(w http.ResponseWriter, r *http.Request) {
	n, err := h.Registry.CountDeliverable(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliverable": n})
}
