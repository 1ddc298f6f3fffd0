package store

import (
	"context"
	"time"
)

type TerminalRecord struct {
	TerminalID string
	Known      bool
	LastSeen   time.Time
}

// TerminalStore tracks gate scanner terminals.
type TerminalStore interface {
	IsKnown(ctx context.Context, terminalID string) (bool, error)
	MarkSeen(ctx context.Context, terminalID string, known bool, t time.Time) error
}
