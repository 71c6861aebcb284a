package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/durable/internal/fault"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// writeFault maps a component error onto a status code.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch fe.Kind {
	case fault.KindInvalid:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict, fault.KindInvalidTransition, fault.KindAlreadyTerminal:
		status = http.StatusConflict
		if fe.Reason == fault.ReasonRequestMismatch {
			status = http.StatusUnprocessableEntity
		}
	case fault.KindTransient:
		status = http.StatusServiceUnavailable
	}

	code := string(fe.Kind)
	if fe.Reason != "" {
		code = string(fe.Reason)
	}
	writeError(w, status, code, fe.Message)
}
