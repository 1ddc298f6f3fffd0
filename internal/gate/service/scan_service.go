package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

const DefaultLocation = "Main Gate"

// ScanRequest is what a gate terminal sends for Validate and Confirm.
type ScanRequest struct {
	Payload    string
	Location   string
	TerminalID string
}

// ValidationResult is returned for a credential that may be confirmed now.
type ValidationResult struct {
	Credential  store.Credential
	Request     store.PermissionRequest
	Student     store.Student
	Direction   store.Direction
	Movement    store.MovementType
	Category    string
	IsEmergency bool
	ValidUntil  time.Time
}

type ManualOverrideInput struct {
	StudentRef   string `validate:"required,max=128"`
	Location     string `validate:"max=128"`
	IsSuspicious bool
	Comment      string `validate:"max=1024"`
	TerminalID   string `validate:"max=128"`

	// Optional; filled from the student's latest request when empty.
	StudentName string `validate:"max=256"`
	HostelBlock string `validate:"max=64"`
	RoomNumber  string `validate:"max=32"`
}

// ScanService runs the two-phase gate protocol: Validate inspects a
// credential without side effects, Confirm consumes it exactly once.
type ScanService struct {
	credentials  *CredentialService
	creds        store.CredentialStore
	requests     store.RequestStore
	events       store.EventStore
	terminals    *TerminalRegistry
	requireKnown bool
	opts         options
}

func NewScanService(
	credentials *CredentialService,
	st store.Store,
	terminals *TerminalRegistry,
	requireKnownTerminals bool,
	opts ...Option,
) *ScanService {
	return &ScanService{
		credentials:  credentials,
		creds:        st,
		requests:     st,
		events:       st,
		terminals:    terminals,
		requireKnown: requireKnownTerminals,
		opts:         buildOptions(opts),
	}
}

// Validate may be called any number of times and only reads.  It fails with
// ErrNotFound, ErrNotYetActive, ErrAlreadyUsed or ErrExpired unless the
// credential is usable right now.
func (s *ScanService) Validate(ctx context.Context, req ScanRequest) (ValidationResult, error) {
	if _, err := s.checkTerminal(ctx, req.TerminalID); err != nil {
		return ValidationResult{}, err
	}
	res, err := s.validate(ctx, req.Payload)
	if err != nil {
		s.reject("validate", req, err)
		return ValidationResult{}, err
	}
	s.opts.recorder.ScanOutcome("validate", "ok")
	return res, nil
}

func (s *ScanService) validate(ctx context.Context, payload string) (ValidationResult, error) {
	c, err := s.credentials.Lookup(ctx, payload)
	if err != nil {
		return ValidationResult{}, err
	}
	if err := stateError(c.State); err != nil {
		return ValidationResult{}, err
	}

	r, err := s.requests.GetRequest(ctx, c.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ValidationResult{}, ErrNotFound
		}
		return ValidationResult{}, err
	}

	return ValidationResult{
		Credential:  c,
		Request:     r,
		Student:     r.Student,
		Direction:   c.Direction,
		Movement:    c.Direction.Movement(),
		Category:    r.Category,
		IsEmergency: r.IsEmergency(),
		ValidUntil:  c.ExpiresAt,
	}, nil
}

// Confirm re-validates the payload and consumes the credential, appending
// one ScanEvent in the same transaction.  Only one Confirm per credential
// ever succeeds; the rest get ErrAlreadyUsed.  A caller whose Confirm timed
// out must re-query the request status instead of assuming either outcome.
func (s *ScanService) Confirm(ctx context.Context, req ScanRequest) (store.ScanEvent, error) {
	known, err := s.checkTerminal(ctx, req.TerminalID)
	if err != nil {
		return store.ScanEvent{}, err
	}
	res, err := s.validate(ctx, req.Payload)
	if err != nil {
		s.reject("confirm", req, err)
		return store.ScanEvent{}, err
	}

	now := s.opts.clock()
	r := res.Request
	ev := store.ScanEvent{
		ScannedAt:    now,
		StudentRef:   r.Student.Ref,
		StudentName:  r.Student.Name,
		Type:         res.Movement,
		HostelBlock:  r.Student.HostelBlock,
		RoomNumber:   r.Student.RoomNumber,
		RequestID:    r.ID,
		RequestType:  r.Type,
		Category:     r.Category,
		Purpose:      r.Purpose,
		Location:     locationOrDefault(req.Location),
		TerminalID:   strings.TrimSpace(req.TerminalID),
		CredentialID: res.Credential.ID,
	}

	stored, err := s.creds.ConsumeCredential(ctx, res.Credential.ID, now, ev)
	if errors.Is(err, store.ErrNotConsumable) {
		// Lost the race or the window closed since validate; report why.
		err = ErrAlreadyUsed
		if c, gerr := s.creds.GetCredential(ctx, res.Credential.ID); gerr == nil {
			if serr := stateError(c.EffectiveState(now)); serr != nil {
				err = serr
			}
		}
	} else if errors.Is(err, store.ErrNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		s.reject("confirm", req, err)
		return store.ScanEvent{}, err
	}

	s.noteSeen(ctx, req.TerminalID, known)
	s.opts.recorder.ScanOutcome("confirm", "ok")
	s.opts.logger.Info("scan confirmed",
		zap.Int64("event_id", stored.ID),
		zap.String("credential_id", stored.CredentialID),
		zap.String("student_ref", stored.StudentRef),
		zap.String("type", string(stored.Type)),
		zap.String("location", stored.Location),
		zap.String("terminal_id", stored.TerminalID),
	)
	return stored, nil
}

// ManualOverride records an operator-entered IN event without a credential.
// A suspicious override must carry a comment.
func (s *ScanService) ManualOverride(ctx context.Context, in ManualOverrideInput) (store.ScanEvent, error) {
	in.StudentRef = strings.TrimSpace(in.StudentRef)
	in.Comment = strings.TrimSpace(in.Comment)
	if err := validate.Struct(in); err != nil {
		return store.ScanEvent{}, fromValidator(err)
	}
	if in.IsSuspicious && in.Comment == "" {
		return store.ScanEvent{}, invalid("comment", "is required when is_suspicious is set")
	}
	known, err := s.checkTerminal(ctx, in.TerminalID)
	if err != nil {
		return store.ScanEvent{}, err
	}

	ev := store.ScanEvent{
		ScannedAt:         s.opts.clock(),
		StudentRef:        in.StudentRef,
		StudentName:       in.StudentName,
		Type:              store.MovementIn,
		HostelBlock:       in.HostelBlock,
		RoomNumber:        in.RoomNumber,
		Location:          locationOrDefault(in.Location),
		TerminalID:        strings.TrimSpace(in.TerminalID),
		Manual:            true,
		IsSuspicious:      in.IsSuspicious,
		SuspiciousComment: in.Comment,
	}

	latest, err := s.requests.LatestRequestForStudent(ctx, in.StudentRef)
	switch {
	case err == nil:
		if ev.StudentName == "" {
			ev.StudentName = latest.Student.Name
		}
		if ev.HostelBlock == "" {
			ev.HostelBlock = latest.Student.HostelBlock
		}
		if ev.RoomNumber == "" {
			ev.RoomNumber = latest.Student.RoomNumber
		}
		ev.RequestID = latest.ID
		ev.RequestType = latest.Type
		ev.Category = latest.Category
		ev.Purpose = latest.Purpose
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.ScanEvent{}, err
	}

	stored, err := s.events.AppendEvent(ctx, ev)
	if err != nil {
		return store.ScanEvent{}, fmt.Errorf("manual override: %w", err)
	}

	s.noteSeen(ctx, in.TerminalID, known)
	s.opts.recorder.ManualOverride(stored.IsSuspicious)
	fields := []zap.Field{
		zap.Int64("event_id", stored.ID),
		zap.String("student_ref", stored.StudentRef),
		zap.String("location", stored.Location),
		zap.String("terminal_id", stored.TerminalID),
	}
	if stored.IsSuspicious {
		s.opts.logger.Warn("suspicious manual check-in",
			append(fields, zap.Bool("is_suspicious", true), zap.String("comment", stored.SuspiciousComment))...)
	} else {
		s.opts.logger.Info("manual check-in", fields...)
	}
	return stored, nil
}

// StudentSearchLimit caps SearchStudents results.
const StudentSearchLimit = 20

// SearchStudents finds students with a registered request by name, roll
// number or ref, for picking the subject of a manual check-in.
func (s *ScanService) SearchStudents(ctx context.Context, query string) ([]store.Student, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < 2 {
		return nil, invalid("q", "must be at least 2 characters")
	}
	return s.requests.SearchStudents(ctx, query, StudentSearchLimit)
}

// KnownTerminal reports whether terminalID is a commissioned terminal.
func (s *ScanService) KnownTerminal(ctx context.Context, terminalID string) (bool, error) {
	if s.terminals == nil {
		return false, nil
	}
	return s.terminals.IsKnown(ctx, terminalID)
}

// checkTerminal only reads.  Last-seen is recorded by noteSeen once a scan
// has been written.
func (s *ScanService) checkTerminal(ctx context.Context, terminalID string) (bool, error) {
	if s.terminals == nil {
		return false, nil
	}
	known, err := s.terminals.IsKnown(ctx, terminalID)
	if err != nil {
		return false, err
	}

	if !known && s.requireKnown {
		s.opts.logger.Warn("scan from unknown terminal",
			zap.String("terminal_id", terminalID),
			zap.Bool("security_alert", true),
		)
		s.opts.recorder.ScanOutcome("terminal", "unknown")
		return false, ErrUnknownTerminal
	}
	return known, nil
}

func (s *ScanService) noteSeen(ctx context.Context, terminalID string, known bool) {
	if s.terminals == nil {
		return
	}
	if err := s.terminals.NoteSeen(ctx, terminalID, known); err != nil {
		s.opts.logger.Warn("record terminal last seen",
			zap.String("terminal_id", terminalID),
			zap.Error(err),
		)
	}
}

func (s *ScanService) reject(op string, req ScanRequest, err error) {
	outcome := outcomeOf(err)
	s.opts.recorder.ScanOutcome(op, outcome)
	if outcome == "error" {
		s.opts.logger.Error("scan failed", zap.String("op", op), zap.Error(err))
		return
	}
	s.opts.logger.Warn("scan rejected",
		zap.String("op", op),
		zap.String("reason", outcome),
		zap.String("terminal_id", req.TerminalID),
		zap.String("location", req.Location),
		zap.Bool("security_alert", true),
	)
}

func stateError(st store.CredentialState) error {
	switch st {
	case store.StateActive:
		return nil
	case store.StatePendingActivation:
		return ErrNotYetActive
	case store.StateConsumed:
		return ErrAlreadyUsed
	case store.StateExpired:
		return ErrExpired
	default:
		return ErrNotFound
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotYetActive):
		return "not_yet_active"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

func locationOrDefault(loc string) string {
	if loc = strings.TrimSpace(loc); loc != "" {
		return loc
	}
	return DefaultLocation
}
