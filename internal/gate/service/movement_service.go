package service

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/reconcile"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// MovementQuery selects a reconciliation window.
type MovementQuery struct {
	From        time.Time
	To          time.Time
	RequestType string
}

// MovementService feeds committed ScanEvents to the reconciliation engine.
// It only reads.
type MovementService struct {
	events   store.EventStore
	segments []reconcile.Segment
	opts     options
}

func NewMovementService(events store.EventStore, segments []reconcile.Segment, opts ...Option) *MovementService {
	if len(segments) == 0 {
		segments = reconcile.DefaultSegments()
	}
	return &MovementService{events: events, segments: segments, opts: buildOptions(opts)}
}

func (s *MovementService) Segments() []reconcile.Segment {
	out := make([]reconcile.Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Report reconciles the events of q's window.
func (s *MovementService) Report(ctx context.Context, q MovementQuery) (reconcile.Report, error) {
	evs, err := s.Activity(ctx, q.From, q.To)
	if err != nil {
		return reconcile.Report{}, err
	}
	return reconcile.Reconcile(evs, reconcile.Options{
		From:        q.From,
		To:          q.To,
		RequestType: q.RequestType,
		Segments:    s.segments,
	}), nil
}

// CurrentlyOut lists students whose latest exit in the window has no return.
func (s *MovementService) CurrentlyOut(ctx context.Context, q MovementQuery) ([]reconcile.Session, error) {
	r, err := s.Report(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.StillOut(), nil
}

// Today reconciles the current UTC day.
func (s *MovementService) Today(ctx context.Context, requestType string) (reconcile.Report, error) {
	start := s.opts.clock().Truncate(24 * time.Hour)
	return s.Report(ctx, MovementQuery{
		From:        start,
		To:          start.Add(24 * time.Hour),
		RequestType: requestType,
	})
}

// Activity returns the raw events of [from, to) ordered by time.
func (s *MovementService) Activity(ctx context.Context, from, to time.Time) ([]store.ScanEvent, error) {
	return s.events.ListEvents(ctx, store.EventFilter{From: from, To: to})
}
