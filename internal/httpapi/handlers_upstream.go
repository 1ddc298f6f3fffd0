package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

const qrSize = 256

func (s *Server) handleRegisterRequest(w http.ResponseWriter, r *http.Request) {
	var body registerRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := s.credentials.RegisterRequest(r.Context(), body.toInput(chi.URLParam(r, "id")))
	if err != nil {
		s.writeServiceError(w, r, "register request", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool        `json:"ok"`
		Request requestJSON `json:"request"`
	}{true, requestToJSON(req)})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	res, err := s.credentials.Authorize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "authorize", err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeToJSON(res))
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.credentials.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "request status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusToJSON(st))
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var body issueBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.credentials.Issue(r.Context(), service.IssueInput{
		RequestID:   body.RequestID,
		Direction:   store.Direction(strings.ToUpper(strings.TrimSpace(body.Direction))),
		ActivatesAt: body.ActivatesAt,
		ExpiresAt:   body.ExpiresAt,
	})
	if err != nil {
		s.writeServiceError(w, r, "issue", err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		OK         bool           `json:"ok"`
		Credential credentialJSON `json:"credential"`
	}{true, credentialToJSON(c)})
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := s.credentials.Credential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK         bool           `json:"ok"`
		Credential credentialJSON `json:"credential"`
	}{true, credentialToJSON(c)})
}

// handleCredentialQR renders the credential payload as a PNG for the
// student's phone.
func (s *Server) handleCredentialQR(w http.ResponseWriter, r *http.Request) {
	c, err := s.credentials.Credential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "credential qr", err)
		return
	}
	png, err := qrcode.Encode(c.Payload, qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr encode failed", zap.String("credential_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
