package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserplane/internal/session"
	"github.com/shehryarbajwa/browserplane/pkg/models"
)

var kindStatus = map[session.Kind]int{
	session.KindInvalidRequest:     http.StatusBadRequest,
	session.KindUnsupportedCommand: http.StatusBadRequest,
	session.KindInvalidParams:      http.StatusBadRequest,
	session.KindSessionNotFound:    http.StatusNotFound,
	session.KindConcurrencyLimit:   http.StatusTooManyRequests,
	session.KindLaunchFailure:      http.StatusServiceUnavailable,
	session.KindShuttingDown:       http.StatusServiceUnavailable,
	session.KindEngineError:        http.StatusBadGateway,
	session.KindTimeout:            http.StatusGatewayTimeout,
	session.KindTransportBroken:    http.StatusGone,
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, models.ErrorResponse{
		Status: models.StatusError,
		Error:  msg,
		Kind:   string(session.KindInvalidRequest),
	})
}

// writeSessionError maps a session error onto its status code and body.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	var serr *session.Error
	if !errors.As(err, &serr) {
		h.logger.Error("Unclassified error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Status: models.StatusError,
			Error:  "internal error",
		})
		return
	}

	code, ok := kindStatus[serr.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	status := models.StatusError
	if serr.Kind == session.KindSessionNotFound {
		status = models.StatusNotFound
	}
	if code >= http.StatusInternalServerError {
		h.logger.Warn("Session operation failed",
			zap.String("session_id", serr.SessionID),
			zap.String("kind", string(serr.Kind)),
			zap.Error(serr.Err))
	}

	writeJSON(w, code, models.ErrorResponse{
		Status:    status,
		Error:     serr.Error(),
		Kind:      string(serr.Kind),
		Retryable: serr.Retryable(),
	})
}
