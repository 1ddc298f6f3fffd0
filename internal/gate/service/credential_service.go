package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/token"
)

// IssuePolicy decides the validity windows Authorize hands out.
type IssuePolicy struct {
	// IncomingLead is how long before the declared return time the INCOMING
	// credential becomes usable.
	IncomingLead time.Duration

	// IncomingGrace is how long after the declared return time the INCOMING
	// credential stays usable.
	IncomingGrace time.Duration

	// EmergencyImmediateIncoming activates an emergency request's INCOMING
	// credential at issue time instead of IncomingLead before return.
	EmergencyImmediateIncoming bool

	// EmergencySkipFloor marks emergency requests as fast-tracked past floor
	// approval.  The gate only reports it.
	EmergencySkipFloor bool
}

func DefaultIssuePolicy() IssuePolicy {
	return IssuePolicy{
		IncomingLead:               30 * time.Minute,
		IncomingGrace:              12 * time.Hour,
		EmergencyImmediateIncoming: true,
		EmergencySkipFloor:         true,
	}
}

type IssueInput struct {
	RequestID   string          `validate:"required,max=128"`
	Direction   store.Direction `validate:"required,oneof=OUTGOING INCOMING"`
	ActivatesAt time.Time       `validate:"required"`
	ExpiresAt   time.Time       `validate:"required,gtfield=ActivatesAt"`
}

type RegisterRequestInput struct {
	ID          string    `validate:"required,max=128"`
	Type        string    `validate:"omitempty,oneof=outing home-permission"`
	Category    string    `validate:"omitempty,oneof=normal emergency"`
	Purpose     string    `validate:"max=512"`
	Destination string    `validate:"max=256"`
	OutAt       time.Time `validate:"required"`
	ReturnAt    time.Time `validate:"required,gtfield=OutAt"`
	Student     StudentInput
}

type StudentInput struct {
	Ref               string `validate:"required,max=128"`
	Name              string `validate:"required,max=256"`
	RollNumber        string `validate:"max=64"`
	HostelBlock       string `validate:"required,max=64"`
	Floor             string `validate:"max=32"`
	RoomNumber        string `validate:"max=32"`
	PhoneNumber       string `validate:"max=32"`
	ParentPhoneNumber string `validate:"max=32"`
}

// AuthorizeResult lists what Authorize issued.  Directions that already had
// a live credential are reported in Existing and left untouched.
type AuthorizeResult struct {
	RequestID string
	Outgoing  *store.Credential
	Incoming  *store.Credential
	Existing  []store.Direction
	FastTrack bool
}

// RequestStatus is the lookup-by-request view.  Terminals that timed out on
// Confirm use it to learn whether the scan landed.
type RequestStatus struct {
	Request   store.PermissionRequest
	Outgoing  *store.Credential
	Incoming  *store.Credential
	Completed bool
}

type CredentialService struct {
	creds    store.CredentialStore
	requests store.RequestStore
	codec    *token.Codec
	policy   IssuePolicy
	opts     options
}

func NewCredentialService(
	creds store.CredentialStore,
	requests store.RequestStore,
	codec *token.Codec,
	policy IssuePolicy,
	opts ...Option,
) *CredentialService {
	return &CredentialService{
		creds:    creds,
		requests: requests,
		codec:    codec,
		policy:   policy,
		opts:     buildOptions(opts),
	}
}

// RegisterRequest stores the snapshot of an approved request.  Re-registering
// the same id replaces the snapshot.
func (s *CredentialService) RegisterRequest(ctx context.Context, in RegisterRequestInput) (store.PermissionRequest, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Student.Ref = strings.TrimSpace(in.Student.Ref)
	if err := validate.Struct(in); err != nil {
		return store.PermissionRequest{}, fromValidator(err)
	}

	r := store.PermissionRequest{
		ID:          in.ID,
		Type:        in.Type,
		Category:    in.Category,
		Purpose:     in.Purpose,
		Destination: in.Destination,
		OutAt:       truncate(in.OutAt),
		ReturnAt:    truncate(in.ReturnAt),
		Student:     store.Student(in.Student),
		UpdatedAt:   s.opts.clock(),
	}
	if r.Type == "" {
		r.Type = store.RequestTypeOuting
	}
	if r.Category == "" {
		r.Category = store.CategoryNormal
	}
	if err := s.requests.UpsertRequest(ctx, r); err != nil {
		return store.PermissionRequest{}, err
	}
	return r, nil
}

// Issue creates a credential for one direction of a registered request.  It
// starts ACTIVE when its window is already open, PENDING_ACTIVATION
// otherwise.
func (s *CredentialService) Issue(ctx context.Context, in IssueInput) (store.Credential, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	if err := validate.Struct(in); err != nil {
		return store.Credential{}, fromValidator(err)
	}

	now := s.opts.clock()
	activates, expires := truncate(in.ActivatesAt), truncate(in.ExpiresAt)
	if !expires.After(now) {
		return store.Credential{}, invalid("expires_at", "must be in the future")
	}

	if _, err := s.requests.GetRequest(ctx, in.RequestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Credential{}, ErrRequestNotFound
		}
		return store.Credential{}, err
	}

	id := uuid.NewString()
	payload, err := s.codec.Encode(token.Claims{
		CredentialID: id,
		RequestID:    in.RequestID,
		Direction:    string(in.Direction),
	})
	if err != nil {
		return store.Credential{}, err
	}

	c := store.Credential{
		ID:          id,
		RequestID:   in.RequestID,
		Direction:   in.Direction,
		Payload:     payload,
		IssuedAt:    now,
		ActivatesAt: activates,
		ExpiresAt:   expires,
		State:       store.StatePendingActivation,
	}
	if !activates.After(now) {
		c.State = store.StateActive
	}

	if err := s.creds.InsertCredential(ctx, c, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Credential{}, ErrConflict
		}
		return store.Credential{}, fmt.Errorf("issue credential: %w", err)
	}

	s.opts.recorder.CredentialIssued(c.Direction)
	s.opts.logger.Info("credential issued",
		zap.String("credential_id", c.ID),
		zap.String("request_id", c.RequestID),
		zap.String("direction", string(c.Direction)),
		zap.Time("activates_at", c.ActivatesAt),
		zap.Time("expires_at", c.ExpiresAt),
	)
	return c, nil
}

// Authorize issues both credentials of a registered request according to the
// policy.  A direction that already holds a live credential is skipped.
func (s *CredentialService) Authorize(ctx context.Context, requestID string) (AuthorizeResult, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return AuthorizeResult{}, invalid("request_id", "is required")
	}
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthorizeResult{}, ErrRequestNotFound
		}
		return AuthorizeResult{}, err
	}

	now := s.opts.clock()
	if !req.ReturnAt.After(now) {
		return AuthorizeResult{}, invalid("return_at", "has already passed")
	}

	res := AuthorizeResult{
		RequestID: req.ID,
		FastTrack: req.IsEmergency() && s.policy.EmergencySkipFloor,
	}

	inActivates := req.ReturnAt.Add(-s.policy.IncomingLead)
	if req.IsEmergency() && s.policy.EmergencyImmediateIncoming {
		inActivates = now
	}

	plan := []struct {
		dir       store.Direction
		activates time.Time
		expires   time.Time
		dst       **store.Credential
	}{
		{store.DirectionOutgoing, now, req.ReturnAt, &res.Outgoing},
		{store.DirectionIncoming, inActivates, req.ReturnAt.Add(s.policy.IncomingGrace), &res.Incoming},
	}
	for _, p := range plan {
		c, err := s.Issue(ctx, IssueInput{
			RequestID:   req.ID,
			Direction:   p.dir,
			ActivatesAt: p.activates,
			ExpiresAt:   p.expires,
		})
		switch {
		case errors.Is(err, ErrConflict):
			res.Existing = append(res.Existing, p.dir)
		case err != nil:
			return res, fmt.Errorf("authorize %s: %w", strings.ToLower(string(p.dir)), err)
		default:
			*p.dst = &c
		}
	}
	return res, nil
}

// Lookup resolves a payload to its credential with the state evaluated at
// now.  It never writes.  A payload that does not decode, or whose claims
// disagree with the stored credential, is NotFound.
func (s *CredentialService) Lookup(ctx context.Context, payload string) (store.Credential, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return store.Credential{}, ErrNotFound
	}
	claims, err := s.codec.Decode(payload)
	if err != nil {
		return store.Credential{}, ErrNotFound
	}
	c, err := s.creds.GetCredential(ctx, claims.CredentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Credential{}, ErrNotFound
		}
		return store.Credential{}, err
	}
	if c.RequestID != claims.RequestID || string(c.Direction) != claims.Direction {
		return store.Credential{}, ErrNotFound
	}
	c.State = c.EffectiveState(s.opts.clock())
	return c, nil
}

// Credential returns a credential by id with its effective state.
func (s *CredentialService) Credential(ctx context.Context, id string) (store.Credential, error) {
	c, err := s.creds.GetCredential(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Credential{}, ErrNotFound
		}
		return store.Credential{}, err
	}
	c.State = c.EffectiveState(s.opts.clock())
	return c, nil
}

// Status reports both credentials of a request.  A request is completed once
// the student has left and come back; emergency requests are completed on
// exit alone.
func (s *CredentialService) Status(ctx context.Context, requestID string) (RequestStatus, error) {
	req, err := s.requests.GetRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RequestStatus{}, ErrRequestNotFound
		}
		return RequestStatus{}, err
	}
	creds, err := s.creds.CredentialsForRequest(ctx, req.ID)
	if err != nil {
		return RequestStatus{}, err
	}

	now := s.opts.clock()
	st := RequestStatus{Request: req}
	for i := range creds {
		c := creds[i]
		c.State = c.EffectiveState(now)
		switch c.Direction {
		case store.DirectionOutgoing:
			st.Outgoing = &c
		case store.DirectionIncoming:
			st.Incoming = &c
		}
	}

	outDone := st.Outgoing != nil && st.Outgoing.State == store.StateConsumed
	inDone := st.Incoming != nil && st.Incoming.State == store.StateConsumed
	st.Completed = outDone && (inDone || req.IsEmergency())
	return st, nil
}
