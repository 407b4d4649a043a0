package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blueprintkit/backend/internal/guard"
	"github.com/blueprintkit/backend/internal/password"
	"github.com/blueprintkit/backend/internal/revocation"
	"github.com/blueprintkit/backend/internal/sessions"
	"github.com/blueprintkit/backend/internal/token"
	"github.com/blueprintkit/backend/internal/user"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorBody{Detail: guard.ErrUnauthenticated.Error()})
}

// writeError maps domain errors to responses. Token-level failures are
// rendered uniformly as 401 with a single generic detail; the distinction
// between expired and tampered never reaches the wire.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: sessions.ErrInvalidCredentials.Error()})
	case errors.Is(err, sessions.ErrAccountLocked):
		writeJSON(w, http.StatusForbidden, errorBody{Detail: sessions.ErrAccountLocked.Error()})
	case errors.Is(err, sessions.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Detail: "registration failed"})
	case errors.Is(err, password.ErrTooShort):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: password.ErrTooShort.Error()})
	case errors.Is(err, guard.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Detail: guard.ErrForbidden.Error()})
	case errors.Is(err, guard.ErrUnauthenticated),
		errors.Is(err, sessions.ErrReuseDetected),
		errors.Is(err, sessions.ErrUnknownSubject),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrTypeMismatch),
		errors.Is(err, user.ErrNotFound):
		writeUnauthorized(w)
	case errors.Is(err, revocation.ErrStoreUnavailable):
		// Retryable, never a client fault.
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "temporarily unavailable"})
	default:
		s.log.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
	}
}
