package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/memory"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func cred(id string, from, to time.Time) store.Credential {
	return store.Credential{
		ID:          id,
		RequestID:   "r1",
		Direction:   store.DirectionOutgoing,
		ActivatesAt: from,
		ExpiresAt:   to,
		State:       store.StateActive,
	}
}

func TestStore_InsertConflictAndReplace(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()

	if err := s.InsertCredential(ctx, cred("a", t0, t0.Add(time.Hour)), t0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertCredential(ctx, cred("b", t0, t0.Add(time.Hour)), t0); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	later := t0.Add(time.Hour)
	if err := s.InsertCredential(ctx, cred("b", later, later.Add(time.Hour)), later); err != nil {
		t.Fatalf("replace expired: %v", err)
	}
	if _, err := s.GetCredential(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected replaced credential gone, got %v", err)
	}
}

func TestStore_ConsumeOnce(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	if err := s.InsertCredential(ctx, cred("a", t0, t0.Add(time.Hour)), t0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ev, err := s.ConsumeCredential(ctx, "a", t0, store.ScanEvent{ScannedAt: t0, StudentRef: "S1", Type: store.MovementOut})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ev.ID != 1 {
		t.Errorf("expected event id 1, got %d", ev.ID)
	}
	if _, err := s.ConsumeCredential(ctx, "a", t0, store.ScanEvent{StudentRef: "S1", Type: store.MovementOut}); !errors.Is(err, store.ErrNotConsumable) {
		t.Errorf("expected ErrNotConsumable, got %v", err)
	}

	// Consumed credentials block reissue even after their window closes.
	later := t0.Add(2 * time.Hour)
	if err := s.InsertCredential(ctx, cred("b", later, later.Add(time.Hour)), later); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict after consume, got %v", err)
	}
}

func TestStore_ListEventsOrder(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()

	for _, at := range []time.Time{t0.Add(time.Minute), t0, t0, t0.Add(-time.Minute)} {
		if _, err := s.AppendEvent(ctx, store.ScanEvent{ScannedAt: at, StudentRef: "S1", Type: store.MovementOut}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evs, err := s.ListEvents(ctx, store.EventFilter{From: t0})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []int64{2, 3, 1}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(evs))
	}
	for i, id := range want {
		if evs[i].ID != id {
			t.Errorf("position %d: expected id %d, got %d", i, id, evs[i].ID)
		}
	}
}

func TestStore_KnownTerminals(t *testing.T) {
	s := memory.New([]string{" gate-1 ", ""})
	ctx := context.Background()

	if ok, _ := s.IsKnown(ctx, "gate-1"); !ok {
		t.Error("gate-1 should be known")
	}
	_ = s.MarkSeen(ctx, "laptop", false, t0)
	if ok, _ := s.IsKnown(ctx, "laptop"); ok {
		t.Error("seen terminals are not known")
	}
}

func TestStore_SearchStudents(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	for i, r := range []store.PermissionRequest{
		{ID: "r1", Student: store.Student{Ref: "S1", Name: "Asha Rao", HostelBlock: "D-Block"}},
		{ID: "r2", Student: store.Student{Ref: "S1", Name: "Asha Rao", RollNumber: "21CS042", HostelBlock: "E-Block"}},
		{ID: "r3", Student: store.Student{Ref: "S2", Name: "Bina Das", HostelBlock: "G-Block"}},
	} {
		r.UpdatedAt = t0.Add(time.Duration(i) * time.Minute)
		if err := s.UpsertRequest(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, _ := s.SearchStudents(ctx, "ASHA", 10)
	if len(got) != 1 || got[0].HostelBlock != "E-Block" {
		t.Fatalf("expected latest snapshot of S1, got %+v", got)
	}
	got, _ = s.SearchStudents(ctx, "21cs", 10)
	if len(got) != 1 || got[0].Ref != "S1" {
		t.Errorf("expected S1 by roll number, got %+v", got)
	}
	got, _ = s.SearchStudents(ctx, "s", 1)
	if len(got) != 1 || got[0].Ref != "S1" {
		t.Errorf("expected first by name with limit 1, got %+v", got)
	}
}
