package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate_ReturnsSnapshots(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)

	res, err := h.scan.Validate(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.NoError(t, err)
	require.Equal(t, c.ID, res.Credential.ID)
	require.Equal(t, "S-r1", res.Student.Ref)
	require.Equal(t, "D-Block", res.Student.HostelBlock)
	require.Equal(t, store.DirectionOutgoing, res.Direction)
	require.Equal(t, store.MovementOut, res.Movement)
	require.Equal(t, store.CategoryNormal, res.Category)
	require.False(t, res.IsEmergency)
	require.True(t, res.ValidUntil.Equal(c.ExpiresAt))
}

func TestValidate_IsReadOnly(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)

	for i := 0; i < 3; i++ {
		_, err := h.scan.Validate(context.Background(), service.ScanRequest{Payload: c.Payload})
		require.NoError(t, err)
	}
	require.Empty(t, h.store.Events())

	got, err := h.creds.Lookup(context.Background(), c.Payload)
	require.NoError(t, err)
	require.Equal(t, store.StateActive, got.State)
	require.Nil(t, got.ConsumedAt)
}

func TestValidate_NotYetActiveThenValid(t *testing.T) {
	h := newHarness(t, nil, false)
	h.register(t, "r1", "S1", store.CategoryNormal, 8*time.Hour)
	c, err := h.creds.Issue(context.Background(), service.IssueInput{
		RequestID:   "r1",
		Direction:   store.DirectionIncoming,
		ActivatesAt: t0.Add(30 * time.Minute),
		ExpiresAt:   t0.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = h.scan.Validate(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.ErrorIs(t, err, service.ErrNotYetActive)

	h.clock.Advance(30 * time.Minute)
	res, err := h.scan.Validate(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.NoError(t, err)
	require.Equal(t, store.MovementIn, res.Movement)

	h.clock.Advance(30 * time.Minute)
	_, err = h.scan.Validate(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.ErrorIs(t, err, service.ErrExpired)
	require.True(t, service.IsSecurityAlert(err))
}

func TestValidate_NotFound(t *testing.T) {
	h := newHarness(t, nil, false)
	_, err := h.scan.Validate(context.Background(), service.ScanRequest{Payload: "not-a-credential"})
	require.ErrorIs(t, err, service.ErrNotFound)
	require.False(t, service.IsSecurityAlert(err))
	require.Equal(t, 1, h.rec.outcome("validate/not_found"))
}

// ── Confirm ──────────────────────────────────────────────────────────────────

func TestConfirm_Twice(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	ctx := context.Background()

	ev, err := h.scan.Confirm(ctx, service.ScanRequest{Payload: c.Payload, Location: "North Gate", TerminalID: "gate-1"})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
	require.Equal(t, store.MovementOut, ev.Type)
	require.Equal(t, c.ID, ev.CredentialID)
	require.Equal(t, "S-r1", ev.StudentRef)
	require.Equal(t, "North Gate", ev.Location)
	require.Equal(t, "gate-1", ev.TerminalID)
	require.Equal(t, "market", ev.Purpose)

	_, err = h.scan.Confirm(ctx, service.ScanRequest{Payload: c.Payload})
	require.ErrorIs(t, err, service.ErrAlreadyUsed)
	require.True(t, service.IsSecurityAlert(err))

	_, err = h.scan.Validate(ctx, service.ScanRequest{Payload: c.Payload})
	require.ErrorIs(t, err, service.ErrAlreadyUsed)

	require.Len(t, h.store.Events(), 1)
	require.Equal(t, 1, h.rec.outcome("confirm/ok"))
	require.Equal(t, 1, h.rec.outcome("confirm/already_used"))
}

func TestConfirm_ConsumedStaysConsumedAfterExpiry(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	_, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	got, err := h.creds.Lookup(context.Background(), c.Payload)
	require.NoError(t, err)
	require.Equal(t, store.StateConsumed, got.State)

	_, err = h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload})
	require.ErrorIs(t, err, service.ErrAlreadyUsed)
}

func TestConfirm_DefaultLocation(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	ev, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload, Location: "  "})
	require.NoError(t, err)
	require.Equal(t, service.DefaultLocation, ev.Location)
}

func TestConfirm_Concurrent(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionIncoming)

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, service.ErrAlreadyUsed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, n-1, already)
	require.Len(t, h.store.Events(), 1)
}

func TestConfirm_ForgedPayload(t *testing.T) {
	h := newHarness(t, nil, false)
	h.issueActive(t, "r1", store.DirectionOutgoing)

	_, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: "eyJhbGciOiJIUzI1NiJ9.e30.x"})
	require.ErrorIs(t, err, service.ErrNotFound)
	require.Empty(t, h.store.Events())
}

// ── Terminals ────────────────────────────────────────────────────────────────

func TestConfirm_UnknownTerminalRejectedWhenRequired(t *testing.T) {
	h := newHarness(t, []string{"gate-1"}, true)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)

	_, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload, TerminalID: "rogue"})
	require.ErrorIs(t, err, service.ErrUnknownTerminal)
	require.Empty(t, h.store.Events())

	_, err = h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload, TerminalID: "gate-1"})
	require.NoError(t, err)
}

func TestConfirm_UnknownTerminalAllowedByDefault(t *testing.T) {
	h := newHarness(t, []string{"gate-1"}, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)

	_, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload, TerminalID: "laptop"})
	require.NoError(t, err)
}

// seenCounter counts MarkSeen calls and can fail them.
type seenCounter struct {
	store.TerminalStore
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *seenCounter) MarkSeen(ctx context.Context, terminalID string, known bool, t time.Time) error {
	c.mu.Lock()
	c.calls = append(c.calls, terminalID)
	c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.TerminalStore.MarkSeen(ctx, terminalID, known, t)
}

func (c *seenCounter) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func withSeenCounter(h *harness, requireKnown bool) *seenCounter {
	sc := &seenCounter{TerminalStore: h.store}
	opts := []service.Option{service.WithClock(h.clock.Now)}
	h.scan = service.NewScanService(h.creds, h.store, service.NewTerminalRegistry(sc, opts...), requireKnown, opts...)
	return sc
}

func TestValidate_DoesNotRecordTerminals(t *testing.T) {
	h := newHarness(t, []string{"gate-1"}, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	sc := withSeenCounter(h, false)
	ctx := context.Background()

	_, err := h.scan.Validate(ctx, service.ScanRequest{Payload: c.Payload, TerminalID: "gate-1"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := h.scan.Validate(ctx, service.ScanRequest{Payload: "", TerminalID: fmt.Sprintf("rogue-%d", i)})
		require.ErrorIs(t, err, service.ErrNotFound)
	}
	require.Empty(t, sc.seen())

	_, err = h.scan.Confirm(ctx, service.ScanRequest{Payload: "garbage", TerminalID: "rogue-x"})
	require.ErrorIs(t, err, service.ErrNotFound)
	require.Empty(t, sc.seen(), "rejected confirms are not recorded")

	_, err = h.scan.Confirm(ctx, service.ScanRequest{Payload: c.Payload, TerminalID: "gate-1"})
	require.NoError(t, err)
	_, err = h.scan.ManualOverride(ctx, service.ManualOverrideInput{StudentRef: "S1", TerminalID: "desk"})
	require.NoError(t, err)
	require.Equal(t, []string{"gate-1", "desk"}, sc.seen())
}

func TestConfirm_LastSeenFailureDoesNotFailScan(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	sc := withSeenCounter(h, false)
	sc.err = errors.New("disk full")

	ev, err := h.scan.Confirm(context.Background(), service.ScanRequest{Payload: c.Payload, TerminalID: "gate-1"})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
	require.Len(t, sc.seen(), 1)
}

// ── ManualOverride ───────────────────────────────────────────────────────────

func TestManualOverride_SuspiciousNeedsComment(t *testing.T) {
	h := newHarness(t, nil, false)

	_, err := h.scan.ManualOverride(context.Background(), service.ManualOverrideInput{
		StudentRef:   "S1",
		IsSuspicious: true,
		Comment:      "   ",
	})
	require.ErrorIs(t, err, service.ErrValidation)
	require.Empty(t, h.store.Events())

	ev, err := h.scan.ManualOverride(context.Background(), service.ManualOverrideInput{
		StudentRef:   "S1",
		IsSuspicious: true,
		Comment:      "came back over the wall",
	})
	require.NoError(t, err)
	require.Equal(t, store.MovementIn, ev.Type)
	require.True(t, ev.IsSuspicious)
	require.True(t, ev.Manual)
	require.Equal(t, "came back over the wall", ev.SuspiciousComment)
	require.Empty(t, ev.CredentialID)
	require.Equal(t, service.DefaultLocation, ev.Location)
}

func TestManualOverride_RequiresStudent(t *testing.T) {
	h := newHarness(t, nil, false)
	_, err := h.scan.ManualOverride(context.Background(), service.ManualOverrideInput{})
	require.ErrorIs(t, err, service.ErrValidation)
}

func TestManualOverride_FillsFromLatestRequest(t *testing.T) {
	h := newHarness(t, nil, false)
	h.register(t, "r-old", "S1", store.CategoryNormal, time.Hour)
	h.clock.Advance(time.Minute)
	h.register(t, "r-new", "S1", store.CategoryEmergency, time.Hour)

	ev, err := h.scan.ManualOverride(context.Background(), service.ManualOverrideInput{
		StudentRef: "S1",
		Location:   "Back Gate",
	})
	require.NoError(t, err)
	require.Equal(t, "r-new", ev.RequestID)
	require.Equal(t, "D-Block", ev.HostelBlock)
	require.Equal(t, "101", ev.RoomNumber)
	require.Equal(t, "Student S1", ev.StudentName)
	require.Equal(t, store.CategoryEmergency, ev.Category)
	require.Equal(t, "Back Gate", ev.Location)
	require.False(t, ev.IsSuspicious)
}

func TestManualOverride_ClosesOpenSession(t *testing.T) {
	h := newHarness(t, nil, false)
	c := h.issueActive(t, "r1", store.DirectionOutgoing)
	ctx := context.Background()

	_, err := h.scan.Confirm(ctx, service.ScanRequest{Payload: c.Payload})
	require.NoError(t, err)

	out, err := h.moves.CurrentlyOut(ctx, service.MovementQuery{})
	require.NoError(t, err)
	require.Len(t, out, 1)

	h.clock.Advance(3 * time.Hour)
	_, err = h.scan.ManualOverride(ctx, service.ManualOverrideInput{StudentRef: "S-r1"})
	require.NoError(t, err)

	out, err = h.moves.CurrentlyOut(ctx, service.MovementQuery{})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSearchStudents(t *testing.T) {
	h := newHarness(t, nil, false)
	h.register(t, "r1", "S1", store.CategoryNormal, time.Hour)
	h.register(t, "r2", "S2", store.CategoryNormal, time.Hour)

	got, err := h.scan.SearchStudents(context.Background(), "  student s2 ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "S2", got[0].Ref)
	require.Equal(t, "D-Block", got[0].HostelBlock)

	_, err = h.scan.SearchStudents(context.Background(), "s")
	require.ErrorIs(t, err, service.ErrValidation)
}
