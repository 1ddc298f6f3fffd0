package httpapi

import (
	"net/http"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body scanBody
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := s.scan.Validate(r.Context(), service.ScanRequest{
		Payload:    body.Payload,
		Location:   body.Location,
		TerminalID: terminalID(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, r, "validate", err)
		return
	}
	s.respond(w, r, http.StatusOK, validationToJSON(res))
}

// handleConfirm consumes the credential.  A 2xx here is the only proof the
// scan was recorded; clients that lose the response re-query
// GET /v1/requests/{id}/credentials.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body scanBody
	if !decodeBody(w, r, &body) {
		return
	}

	ev, err := s.scan.Confirm(r.Context(), service.ScanRequest{
		Payload:    body.Payload,
		Location:   body.Location,
		TerminalID: terminalID(r.Context()),
	})
	if err != nil {
		s.writeServiceError(w, r, "confirm", err)
		return
	}
	s.respond(w, r, http.StatusCreated, eventEnvelope{OK: true, Event: eventToJSON(ev)})
}

func (s *Server) handleManualCheckin(w http.ResponseWriter, r *http.Request) {
	var body manualCheckinBody
	if !decodeBody(w, r, &body) {
		return
	}

	ev, err := s.scan.ManualOverride(r.Context(), service.ManualOverrideInput{
		StudentRef:   body.StudentRef,
		Location:     body.Location,
		IsSuspicious: body.IsSuspicious,
		Comment:      body.Comment,
		TerminalID:   terminalID(r.Context()),
		StudentName:  body.StudentName,
		HostelBlock:  body.HostelBlock,
		RoomNumber:   body.RoomNumber,
	})
	if err != nil {
		s.writeServiceError(w, r, "manual check-in", err)
		return
	}
	s.respond(w, r, http.StatusCreated, eventEnvelope{OK: true, Event: eventToJSON(ev)})
}
