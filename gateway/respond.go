package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"uptree/directory"
	"uptree/fault"
)

// errorBody is the envelope every non-2xx response carries.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is
// reported as a generic 500 so internals never leak to callers.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func classify(err error) (int, errorDetail) {
	var validation *fault.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, errorDetail{
			Code:    "validation_failed",
			Message: validation.Error(),
			Field:   validation.Field,
		}
	}
	var notFound *fault.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, errorDetail{
			Code:    "not_found",
			Message: notFound.Error(),
		}
	}
	var capacity *fault.CapacityError
	if errors.As(err, &capacity) {
		return http.StatusConflict, errorDetail{
			Code:    "phase_full",
			Message: capacity.Error(),
		}
	}
	var conflict *fault.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, errorDetail{
			Code:    "conflict",
			Message: "operation contended, retry",
		}
	}
	if errors.Is(err, directory.ErrHandleTaken) {
		return http.StatusConflict, errorDetail{
			Code:    "handle_taken",
			Message: err.Error(),
		}
	}
	if errors.Is(err, directory.ErrSubjectRegistered) {
		return http.StatusConflict, errorDetail{
			Code:    "already_registered",
			Message: err.Error(),
		}
	}
	return http.StatusInternalServerError, errorDetail{Code: "internal"}
}
