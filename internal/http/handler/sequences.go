package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/sequence"
)

type SequenceHandler struct {
	Svc *sequence.Service
}

type stepReq struct {
	DelaySeconds   int    `json:"delay_seconds" validate:"gte=0,lte=604800"`
	Text           string `json:"text" validate:"max=4096"`
	ParseMode      string `json:"parse_mode" validate:"omitempty,oneof=Markdown HTML"`
	DisablePreview bool   `json:"disable_preview"`
}

type upsertSequenceReq struct {
	Name    string    `json:"name" validate:"max=200"`
	Trigger string    `json:"trigger" validate:"max=64"`
	Enabled bool      `json:"enabled"`
	Steps   []stepReq `json:"steps" validate:"max=10,dive"`
}

type startRunReq struct {
	SubjectID  int64  `json:"subject_id" validate:"required"`
	TriggerKey string `json:"trigger_key" validate:"required,max=200"`
}

type triggerReq struct {
	SubjectID int64 `json:"subject_id" validate:"required"`
}

func (h *SequenceHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := intParam(r, "scopeID")
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	var req upsertSequenceReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	steps := make([]sequence.StepInput, 0, len(req.Steps))
	for _, st := range req.Steps {
		steps = append(steps, sequence.StepInput{
			Delay:          time.Duration(st.DelaySeconds) * time.Second,
			Text:           st.Text,
			ParseMode:      st.ParseMode,
			DisablePreview: st.DisablePreview,
		})
	}
	def, err := h.Svc.Upsert(r.Context(), sequence.UpsertInput{
		ScopeID:   scopeID,
		Key:       chi.URLParam(r, "key"),
		Name:      req.Name,
		Trigger:   req.Trigger,
		Enabled:   req.Enabled,
		CreatedBy: currentUser(r),
		Steps:     steps,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *SequenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := intParam(r, "scopeID")
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	def, err := h.Svc.Get(r.Context(), scopeID, chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *SequenceHandler) Start(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := intParam(r, "scopeID")
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	var req startRunReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	run, started, err := h.Svc.StartRun(r.Context(), sequence.StartInput{
		ScopeID:    scopeID,
		Key:        chi.URLParam(r, "key"),
		SubjectID:  req.SubjectID,
		TriggerKey: req.TriggerKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"started": started}
	if run != nil {
		resp["run_id"] = run.ID
		resp["status"] = run.Status
	}
	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *SequenceHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := intParam(r, "scopeID")
	if !ok {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	var req triggerReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	runs, err := h.Svc.Trigger(r.Context(), scopeID, chi.URLParam(r, "trigger"), req.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids := make([]uint64, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": len(ids), "run_ids": ids})
}

func (h *SequenceHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	d, err := h.Svc.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
