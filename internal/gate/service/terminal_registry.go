package service

import (
	"context"
	"strings"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

type TerminalRegistry struct {
	store store.TerminalStore
	opts  options
}

func NewTerminalRegistry(st store.TerminalStore, opts ...Option) *TerminalRegistry {
	return &TerminalRegistry{store: st, opts: buildOptions(opts)}
}

func (r *TerminalRegistry) IsKnown(ctx context.Context, terminalID string) (bool, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, terminalID)
}

func (r *TerminalRegistry) NoteSeen(ctx context.Context, terminalID string, known bool) error {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, terminalID, known, r.opts.clock())
}
