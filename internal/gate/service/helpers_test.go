package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/memory"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/token"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by every service of a harness.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingRecorder tallies Recorder calls.
type countingRecorder struct {
	mu       sync.Mutex
	issued   int
	outcomes map[string]int
	manual   int
}

func (r *countingRecorder) CredentialIssued(store.Direction) {
	r.mu.Lock()
	r.issued++
	r.mu.Unlock()
}

func (r *countingRecorder) ScanOutcome(op, outcome string) {
	r.mu.Lock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[op+"/"+outcome]++
	r.mu.Unlock()
}

func (r *countingRecorder) ManualOverride(bool) {
	r.mu.Lock()
	r.manual++
	r.mu.Unlock()
}

func (r *countingRecorder) outcome(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

type harness struct {
	clock *fakeClock
	rec   *countingRecorder
	store *memory.Store
	creds *service.CredentialService
	scan  *service.ScanService
	moves *service.MovementService
}

func newHarness(t *testing.T, knownTerminals []string, requireKnown bool) *harness {
	t.Helper()
	codec, err := token.NewCodec([]byte("service-test-secret"))
	require.NoError(t, err)

	h := &harness{
		clock: &fakeClock{now: t0},
		rec:   &countingRecorder{},
		store: memory.New(knownTerminals),
	}
	opts := []service.Option{service.WithClock(h.clock.Now), service.WithRecorder(h.rec)}

	h.creds = service.NewCredentialService(h.store, h.store, codec, service.DefaultIssuePolicy(), opts...)
	h.scan = service.NewScanService(h.creds, h.store, service.NewTerminalRegistry(h.store, opts...), requireKnown, opts...)
	h.moves = service.NewMovementService(h.store, nil, opts...)
	return h
}

func (h *harness) register(t *testing.T, id, studentRef, category string, returnIn time.Duration) store.PermissionRequest {
	t.Helper()
	r, err := h.creds.RegisterRequest(context.Background(), service.RegisterRequestInput{
		ID:       id,
		Type:     store.RequestTypeOuting,
		Category: category,
		Purpose:  "market",
		OutAt:    h.clock.Now(),
		ReturnAt: h.clock.Now().Add(returnIn),
		Student: service.StudentInput{
			Ref:         studentRef,
			Name:        "Student " + studentRef,
			HostelBlock: "D-Block",
			RoomNumber:  "101",
		},
	})
	require.NoError(t, err)
	return r
}

// issueActive registers a request and issues a credential open for the next
// hour.
func (h *harness) issueActive(t *testing.T, reqID string, dir store.Direction) store.Credential {
	t.Helper()
	h.register(t, reqID, "S-"+reqID, store.CategoryNormal, 8*time.Hour)
	c, err := h.creds.Issue(context.Background(), service.IssueInput{
		RequestID:   reqID,
		Direction:   dir,
		ActivatesAt: h.clock.Now(),
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return c
}
