package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
)

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorEnvelope{Detail: detail})
}

// isNotFound reports whether err names an unknown workflow or record.
func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}

// writeEngineError maps orchestrator errors onto the reserved status codes:
// 404 unknown ID, 409 duplicate start under a reject policy, 429 full signal
// channel, 503 capacity or unreachable orchestrator, 400 caller errors.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, engine.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, "workflow already started")
	case errors.Is(err, engine.ErrChannelFull):
		writeError(w, http.StatusTooManyRequests, "signal channel full")
	case errors.Is(err, engine.ErrQueryNotRegistered):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "orchestrator unreachable")
	default:
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			switch engErr.Kind {
			case engine.ErrorKindUser:
				writeError(w, http.StatusBadRequest, engErr.Message)
				return
			case engine.ErrorKindCapacity:
				writeError(w, http.StatusServiceUnavailable, engErr.Message)
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
