package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// Store is an in-memory implementation of store.Store.  A single mutex
// covers credentials and events so ConsumeCredential is atomic.  It is
// intended for tests and dev environments.
type Store struct {
	mu sync.RWMutex

	credentials map[string]store.Credential
	byRequest   map[requestKey]string

	events []store.ScanEvent
	nextID int64

	requests map[string]store.PermissionRequest

	known map[string]struct{}
	seen  map[string]time.Time
}

type requestKey struct {
	requestID string
	direction store.Direction
}

var _ store.Store = (*Store)(nil)

func New(knownTerminals []string) *Store {
	k := make(map[string]struct{}, len(knownTerminals))
	for _, t := range knownTerminals {
		t = strings.TrimSpace(t)
		if t != "" {
			k[t] = struct{}{}
		}
	}
	return &Store{
		credentials: make(map[string]store.Credential),
		byRequest:   make(map[requestKey]string),
		requests:    make(map[string]store.PermissionRequest),
		known:       k,
		seen:        make(map[string]time.Time),
	}
}

// ── Credentials ──────────────────────────────────────────────────────────────

func (s *Store) InsertCredential(_ context.Context, c store.Credential, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{c.RequestID, c.Direction}
	if id, ok := s.byRequest[key]; ok {
		if existing := s.credentials[id]; existing.Live(now) {
			return store.ErrConflict
		}
		delete(s.credentials, id)
	}
	if _, dup := s.credentials[c.ID]; dup {
		return store.ErrConflict
	}

	s.credentials[c.ID] = c
	s.byRequest[key] = c.ID
	return nil
}

func (s *Store) GetCredential(_ context.Context, id string) (store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) CredentialsForRequest(_ context.Context, requestID string) ([]store.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Credential
	for _, d := range []store.Direction{store.DirectionOutgoing, store.DirectionIncoming} {
		if id, ok := s.byRequest[requestKey{requestID, d}]; ok {
			out = append(out, s.credentials[id])
		}
	}
	return out, nil
}

func (s *Store) ConsumeCredential(_ context.Context, id string, now time.Time, ev store.ScanEvent) (store.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return store.ScanEvent{}, store.ErrNotFound
	}
	if c.EffectiveState(now) != store.StateActive {
		return store.ScanEvent{}, store.ErrNotConsumable
	}

	ev = s.appendLocked(ev)

	consumedAt := now
	eventID := ev.ID
	c.State = store.StateConsumed
	c.ConsumedAt = &consumedAt
	c.ConsumedEventID = &eventID
	s.credentials[id] = c

	return ev, nil
}

func (s *Store) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.credentials {
		if c.State == store.StateConsumed || c.State == store.StateExpired {
			continue
		}
		if c.EffectiveState(now) == store.StateExpired {
			c.State = store.StateExpired
			s.credentials[id] = c
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.credentials {
		if c.State != store.StateExpired || c.ConsumedAt != nil {
			continue
		}
		if !c.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(s.credentials, id)
		key := requestKey{c.RequestID, c.Direction}
		if s.byRequest[key] == id {
			delete(s.byRequest, key)
		}
		n++
	}
	return n, nil
}

// ── Events ───────────────────────────────────────────────────────────────────

func (s *Store) AppendEvent(_ context.Context, ev store.ScanEvent) (store.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ev), nil
}

func (s *Store) appendLocked(ev store.ScanEvent) store.ScanEvent {
	s.nextID++
	ev.ID = s.nextID
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	return ev
}

func (s *Store) ListEvents(_ context.Context, f store.EventFilter) ([]store.ScanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ScanEvent, 0, len(s.events))
	for _, ev := range s.events {
		if !f.From.IsZero() && ev.ScannedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !ev.ScannedAt.Before(f.To) {
			continue
		}
		if f.StudentRef != "" && ev.StudentRef != f.StudentRef {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScannedAt.Equal(out[j].ScannedAt) {
			return out[i].ScannedAt.Before(out[j].ScannedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Events returns a copy of every stored event in insertion order.  Test-only
// helper.
func (s *Store) Events() []store.ScanEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ScanEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ── Requests ─────────────────────────────────────────────────────────────────

func (s *Store) UpsertRequest(_ context.Context, r store.PermissionRequest) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (store.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) LatestRequestForStudent(_ context.Context, studentRef string) (store.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  store.PermissionRequest
		found bool
	)
	for _, r := range s.requests {
		if r.Student.Ref != studentRef {
			continue
		}
		if !found || r.UpdatedAt.After(best.UpdatedAt) ||
			(r.UpdatedAt.Equal(best.UpdatedAt) && r.ID > best.ID) {
			best, found = r, true
		}
	}
	if !found {
		return store.PermissionRequest{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) SearchStudents(_ context.Context, query string, limit int) ([]store.Student, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	latest := make(map[string]store.PermissionRequest)
	for _, r := range s.requests {
		best, ok := latest[r.Student.Ref]
		if !ok || r.UpdatedAt.After(best.UpdatedAt) ||
			(r.UpdatedAt.Equal(best.UpdatedAt) && r.ID > best.ID) {
			latest[r.Student.Ref] = r
		}
	}
	s.mu.RUnlock()

	out := make([]store.Student, 0, len(latest))
	for _, r := range latest {
		if store.MatchesStudent(r.Student, q) {
			out = append(out, r.Student)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Ref < out[j].Ref
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Terminals ────────────────────────────────────────────────────────────────

func (s *Store) IsKnown(_ context.Context, terminalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[terminalID]
	return ok, nil
}

func (s *Store) MarkSeen(_ context.Context, terminalID string, _ bool, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[terminalID] = t
	return nil
}
