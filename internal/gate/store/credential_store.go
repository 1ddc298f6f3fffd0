package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a live credential already exists for the
	// same (request, direction).
	ErrConflict = errors.New("store: live credential exists")

	// ErrNotConsumable is returned by ConsumeCredential when the conditional
	// update matched no row.  Callers re-read the credential to learn why.
	ErrNotConsumable = errors.New("store: credential not consumable")
)

type Direction string

const (
	DirectionOutgoing Direction = "OUTGOING"
	DirectionIncoming Direction = "INCOMING"
)

func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// Movement is the ScanEvent type a consumed credential of this direction
// produces.
func (d Direction) Movement() MovementType {
	if d == DirectionOutgoing {
		return MovementOut
	}
	return MovementIn
}

type CredentialState string

const (
	StatePendingActivation CredentialState = "PENDING_ACTIVATION"
	StateActive            CredentialState = "ACTIVE"
	StateConsumed          CredentialState = "CONSUMED"
	StateExpired           CredentialState = "EXPIRED"
)

// Credential is one single-use authorization to cross the gate in one
// direction.  State holds the last persisted value; use EffectiveState before
// trusting it.
type Credential struct {
	ID              string
	RequestID       string
	Direction       Direction
	Payload         string
	IssuedAt        time.Time
	ActivatesAt     time.Time
	ExpiresAt       time.Time
	State           CredentialState
	ConsumedAt      *time.Time
	ConsumedEventID *int64
}

// EffectiveState reconciles the stored state against now.  CONSUMED and
// EXPIRED are terminal; CONSUMED wins even after ExpiresAt has passed.
// The validity window is [ActivatesAt, ExpiresAt).
func (c Credential) EffectiveState(now time.Time) CredentialState {
	switch c.State {
	case StateConsumed, StateExpired:
		return c.State
	}
	if c.ConsumedAt != nil {
		return StateConsumed
	}
	if !now.Before(c.ExpiresAt) {
		return StateExpired
	}
	if now.Before(c.ActivatesAt) {
		return StatePendingActivation
	}
	return StateActive
}

// Live reports whether the credential still blocks a reissue for the same
// (request, direction).
func (c Credential) Live(now time.Time) bool {
	return c.EffectiveState(now) != StateExpired
}

// CredentialStore persists credentials.  ConsumeCredential is the only path
// that moves a credential to CONSUMED and must do so atomically with the
// insertion of the ScanEvent.
type CredentialStore interface {
	// InsertCredential stores c.  An existing credential for the same
	// (request, direction) that is expired at now is replaced; any other
	// existing credential yields ErrConflict.
	InsertCredential(ctx context.Context, c Credential, now time.Time) error

	GetCredential(ctx context.Context, id string) (Credential, error)
	CredentialsForRequest(ctx context.Context, requestID string) ([]Credential, error)

	// ConsumeCredential transitions the credential to CONSUMED iff it is
	// inside its validity window at now and not yet consumed, and appends ev
	// in the same transaction.  Returns the stored event (with its ID).
	ConsumeCredential(ctx context.Context, id string, now time.Time, ev ScanEvent) (ScanEvent, error)

	// MarkExpired persists EXPIRED for unconsumed credentials whose window
	// has closed.  Returns the number of rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)

	// PruneBefore deletes unconsumed EXPIRED credentials whose ExpiresAt is
	// before cutoff.  CONSUMED credentials are kept forever: they answer
	// replays with AlreadyUsed and block reissue for their direction.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
