package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/calderahq/caldera/pkg/engine"
)

// Fault is the JSON error body every failed request returns.
type Fault struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Explanation string `json:"explanation,omitempty"`
}

func writeFault(w http.ResponseWriter, status int, code, explanation string) {
	fault := Fault{
		Code:        code,
		Title:       http.StatusText(status),
		Explanation: explanation,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(fault)
}

// writeError maps an engine error to an HTTP fault. Error codes decide the
// status before the coarser class does.
func writeError(w http.ResponseWriter, err error) {
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		writeFault(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch engErr.Code {
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "VALIDATION_ERROR", "INVALID_ACTION":
		status = http.StatusBadRequest
	case "ALREADY_EXISTS", "STACK_BUSY", "INVALID_STATE":
		status = http.StatusConflict
	default:
		if engErr.Class == engine.ErrorClassConflict {
			status = http.StatusConflict
		}
	}

	code := engErr.Code
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	writeFault(w, status, code, engErr.Error())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
