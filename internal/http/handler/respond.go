package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"courier/internal/auth"
	"courier/internal/broadcast"
	"courier/internal/delivery"
	"courier/internal/jobs"
	"courier/internal/sequence"
)

const maxBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

var errBadJSON = errors.New("bad json")

// decode reads a JSON body into dst and runs its validate tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadJSON
	}
	return validate.Struct(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		http.Error(w, validationMessage(verr), http.StatusBadRequest)
	case errors.Is(err, errBadJSON):
		http.Error(w, "bad json", http.StatusBadRequest)
	case errors.Is(err, broadcast.ErrNotFound),
		errors.Is(err, sequence.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, broadcast.ErrFinished),
		errors.Is(err, auth.ErrEmailTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auth.ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	case isInvalidInput(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

var invalidInput = []error{
	auth.ErrWeakPassword,
	delivery.ErrInvalidFormat,
	broadcast.ErrEmptyText,
	broadcast.ErrTextTooLong,
	broadcast.ErrNoRecipients,
	broadcast.ErrNoSubscribers,
	sequence.ErrKeyRequired,
	sequence.ErrTriggerRequired,
	sequence.ErrTooManySteps,
	sequence.ErrFirstStepRequired,
	sequence.ErrTextTooLong,
}

func isInvalidInput(err error) bool {
	for _, target := range invalidInput {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func validationMessage(verr validator.ValidationErrors) string {
	parts := make([]string, 0, len(verr))
	for _, fe := range verr {
		parts = append(parts, fe.Field()+": failed "+fe.Tag())
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func uintParam(r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	return v, err == nil && v > 0
}

func intParam(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return v, err == nil
}

func currentUser(r *http.Request) int64 {
	uid, _ := auth.UserIDFromContext(r.Context())
	return int64(uid)
}
