package store

import (
	"context"
	"time"
)

// MovementType is the raw type recorded on a ScanEvent.  Historical rows may
// carry other spellings; the reconciliation engine normalizes them.
type MovementType string

const (
	MovementOut MovementType = "OUT"
	MovementIn  MovementType = "IN"
)

const (
	RequestTypeOuting         = "outing"
	RequestTypeHomePermission = "home-permission"

	CategoryNormal    = "normal"
	CategoryEmergency = "emergency"
)

// ScanEvent is an immutable audit record of a consumed credential or a
// manual override.  ID is assigned by the store and increases with insertion
// order.
type ScanEvent struct {
	ID                int64
	ScannedAt         time.Time
	StudentRef        string
	StudentName       string
	Type              MovementType
	HostelBlock       string
	RoomNumber        string
	RequestID         string
	RequestType       string
	Category          string
	Purpose           string
	Location          string
	TerminalID        string
	CredentialID      string // empty for manual overrides
	Manual            bool
	IsSuspicious      bool
	SuspiciousComment string
}

// EventFilter selects events by time window [From, To).  Zero bounds are
// open.
type EventFilter struct {
	From       time.Time
	To         time.Time
	StudentRef string
}

// EventStore is the append-only ScanEvent log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev ScanEvent) (ScanEvent, error)

	// ListEvents returns matching events ordered by (ScannedAt, ID).
	ListEvents(ctx context.Context, f EventFilter) ([]ScanEvent, error)
}
