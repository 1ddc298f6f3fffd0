package httpapi

import (
	"time"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type studentJSON struct {
	Ref               string `json:"ref"`
	Name              string `json:"name"`
	RollNumber        string `json:"roll_number,omitempty"`
	HostelBlock       string `json:"hostel_block"`
	Floor             string `json:"floor,omitempty"`
	RoomNumber        string `json:"room_number,omitempty"`
	PhoneNumber       string `json:"phone_number,omitempty"`
	ParentPhoneNumber string `json:"parent_phone_number,omitempty"`
}

type requestJSON struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Purpose     string      `json:"purpose,omitempty"`
	Destination string      `json:"destination,omitempty"`
	OutAt       time.Time   `json:"out_at"`
	ReturnAt    time.Time   `json:"return_at"`
	Student     studentJSON `json:"student"`
}

// registerRequestBody is the PUT /v1/requests/{id} body; the id comes from
// the path.
type registerRequestBody struct {
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Purpose     string      `json:"purpose"`
	Destination string      `json:"destination"`
	OutAt       time.Time   `json:"out_at"`
	ReturnAt    time.Time   `json:"return_at"`
	Student     studentJSON `json:"student"`
}

func (b registerRequestBody) toInput(id string) service.RegisterRequestInput {
	return service.RegisterRequestInput{
		ID:          id,
		Type:        b.Type,
		Category:    b.Category,
		Purpose:     b.Purpose,
		Destination: b.Destination,
		OutAt:       b.OutAt,
		ReturnAt:    b.ReturnAt,
		Student:     service.StudentInput(b.Student),
	}
}

func studentToJSON(s store.Student) studentJSON { return studentJSON(s) }

func requestToJSON(r store.PermissionRequest) requestJSON {
	return requestJSON{
		ID:          r.ID,
		Type:        r.Type,
		Category:    r.Category,
		Purpose:     r.Purpose,
		Destination: r.Destination,
		OutAt:       r.OutAt,
		ReturnAt:    r.ReturnAt,
		Student:     studentToJSON(r.Student),
	}
}

// ── Credentials ──────────────────────────────────────────────────────────────

type credentialJSON struct {
	ID              string     `json:"id"`
	RequestID       string     `json:"request_id"`
	Direction       string     `json:"direction"`
	Payload         string     `json:"payload"`
	State           string     `json:"state"`
	IssuedAt        time.Time  `json:"issued_at"`
	ActivatesAt     time.Time  `json:"activates_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	ConsumedEventID *int64     `json:"consumed_event_id,omitempty"`
}

func credentialToJSON(c store.Credential) credentialJSON {
	return credentialJSON{
		ID:              c.ID,
		RequestID:       c.RequestID,
		Direction:       string(c.Direction),
		Payload:         c.Payload,
		State:           string(c.State),
		IssuedAt:        c.IssuedAt,
		ActivatesAt:     c.ActivatesAt,
		ExpiresAt:       c.ExpiresAt,
		ConsumedAt:      c.ConsumedAt,
		ConsumedEventID: c.ConsumedEventID,
	}
}

func optionalCredential(c *store.Credential) *credentialJSON {
	if c == nil {
		return nil
	}
	j := credentialToJSON(*c)
	return &j
}

type issueBody struct {
	RequestID   string    `json:"request_id"`
	Direction   string    `json:"direction"`
	ActivatesAt time.Time `json:"activates_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type authorizeJSON struct {
	OK        bool            `json:"ok"`
	RequestID string          `json:"request_id"`
	Outgoing  *credentialJSON `json:"outgoing,omitempty"`
	Incoming  *credentialJSON `json:"incoming,omitempty"`
	Existing  []string        `json:"existing,omitempty"`
	FastTrack bool            `json:"fast_track"`
}

func authorizeToJSON(r service.AuthorizeResult) authorizeJSON {
	out := authorizeJSON{
		OK:        true,
		RequestID: r.RequestID,
		Outgoing:  optionalCredential(r.Outgoing),
		Incoming:  optionalCredential(r.Incoming),
		FastTrack: r.FastTrack,
	}
	for _, d := range r.Existing {
		out.Existing = append(out.Existing, string(d))
	}
	return out
}

type statusJSON struct {
	OK        bool            `json:"ok"`
	Request   requestJSON     `json:"request"`
	Outgoing  *credentialJSON `json:"outgoing,omitempty"`
	Incoming  *credentialJSON `json:"incoming,omitempty"`
	Completed bool            `json:"completed"`
}

func statusToJSON(st service.RequestStatus) statusJSON {
	return statusJSON{
		OK:        true,
		Request:   requestToJSON(st.Request),
		Outgoing:  optionalCredential(st.Outgoing),
		Incoming:  optionalCredential(st.Incoming),
		Completed: st.Completed,
	}
}

// ── Scans ────────────────────────────────────────────────────────────────────

type scanBody struct {
	Payload  string `json:"payload"`
	Location string `json:"location"`
}

type validationJSON struct {
	OK           bool        `json:"ok"`
	CredentialID string      `json:"credential_id"`
	Request      requestJSON `json:"request"`
	Student      studentJSON `json:"student"`
	Direction    string      `json:"direction"`
	Movement     string      `json:"movement"`
	Category     string      `json:"category"`
	IsEmergency  bool        `json:"is_emergency"`
	ValidUntil   time.Time   `json:"valid_until"`
}

func validationToJSON(v service.ValidationResult) validationJSON {
	return validationJSON{
		OK:           true,
		CredentialID: v.Credential.ID,
		Request:      requestToJSON(v.Request),
		Student:      studentToJSON(v.Student),
		Direction:    string(v.Direction),
		Movement:     string(v.Movement),
		Category:     v.Category,
		IsEmergency:  v.IsEmergency,
		ValidUntil:   v.ValidUntil,
	}
}

type manualCheckinBody struct {
	StudentRef   string `json:"student_ref"`
	Location     string `json:"location"`
	IsSuspicious bool   `json:"is_suspicious"`
	Comment      string `json:"comment"`
	StudentName  string `json:"student_name"`
	HostelBlock  string `json:"hostel_block"`
	RoomNumber   string `json:"room_number"`
}

type eventJSON struct {
	ID                int64     `json:"id"`
	ScannedAt         time.Time `json:"scanned_at"`
	StudentRef        string    `json:"student_ref"`
	StudentName       string    `json:"student_name,omitempty"`
	Type              string    `json:"type"`
	HostelBlock       string    `json:"hostel_block"`
	RoomNumber        string    `json:"room_number,omitempty"`
	RequestID         string    `json:"request_id,omitempty"`
	RequestType       string    `json:"request_type,omitempty"`
	Category          string    `json:"category,omitempty"`
	Purpose           string    `json:"purpose,omitempty"`
	Location          string    `json:"location"`
	TerminalID        string    `json:"terminal_id,omitempty"`
	CredentialID      string    `json:"credential_id,omitempty"`
	Manual            bool      `json:"manual"`
	IsSuspicious      bool      `json:"is_suspicious"`
	SuspiciousComment string    `json:"suspicious_comment,omitempty"`
}

func eventToJSON(ev store.ScanEvent) eventJSON {
	return eventJSON{
		ID:                ev.ID,
		ScannedAt:         ev.ScannedAt,
		StudentRef:        ev.StudentRef,
		StudentName:       ev.StudentName,
		Type:              string(ev.Type),
		HostelBlock:       ev.HostelBlock,
		RoomNumber:        ev.RoomNumber,
		RequestID:         ev.RequestID,
		RequestType:       ev.RequestType,
		Category:          ev.Category,
		Purpose:           ev.Purpose,
		Location:          ev.Location,
		TerminalID:        ev.TerminalID,
		CredentialID:      ev.CredentialID,
		Manual:            ev.Manual,
		IsSuspicious:      ev.IsSuspicious,
		SuspiciousComment: ev.SuspiciousComment,
	}
}

type eventEnvelope struct {
	OK    bool      `json:"ok"`
	Event eventJSON `json:"event"`
}
