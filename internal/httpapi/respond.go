package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 64 << 10

type errorBody struct {
	OK            bool   `json:"ok"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Field         string `json:"field,omitempty"`
	SecurityAlert bool   `json:"security_alert"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// errorFor maps a service error onto its HTTP status and envelope.
func errorFor(err error) (int, errorBody) {
	body := errorBody{Message: err.Error(), SecurityAlert: service.IsSecurityAlert(err)}
	var ve *service.ValidationError

	switch {
	case errors.Is(err, service.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, service.ErrAlreadyUsed):
		body.Code = "already_used"
		return http.StatusConflict, body
	case errors.Is(err, service.ErrExpired):
		body.Code = "expired"
		return http.StatusGone, body
	case errors.Is(err, service.ErrNotYetActive):
		body.Code = "not_yet_active"
		return http.StatusTooEarly, body
	case errors.Is(err, service.ErrConflict):
		body.Code = "conflict"
		return http.StatusConflict, body
	case errors.As(err, &ve):
		body.Code = "validation_failed"
		body.Field = ve.Field
		return http.StatusBadRequest, body
	case errors.Is(err, service.ErrRequestNotFound):
		body.Code = "request_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, service.ErrUnknownTerminal):
		body.Code = "unknown_terminal"
		body.SecurityAlert = true
		return http.StatusForbidden, body
	default:
		body.Code = "internal_error"
		body.Message = "unexpected server error"
		return http.StatusInternalServerError, body
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, body := errorFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	s.respond(w, r, status, body)
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}
