// Package reconcile folds the ScanEvent log into per-student movement
// sessions and per-segment counters.  Everything here is a pure function of
// its inputs: the same events and options always produce the same Report.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

// SessionStatus tells apart the shapes a session can take.
type SessionStatus string

const (
	StatusMatched      SessionStatus = "matched"       // OUT then IN
	StatusStillOut     SessionStatus = "still_out"     // trailing OUT with no IN yet
	StatusUnmatchedOut SessionStatus = "unmatched_out" // OUT followed by another OUT
	StatusUnmatchedIn  SessionStatus = "unmatched_in"  // IN with no open OUT
)

// AnomalyKind classifies events the sweep could not pair cleanly.
type AnomalyKind string

const (
	AnomalyUnknownType  AnomalyKind = "unknown_type"
	AnomalyRepeatedOut  AnomalyKind = "repeated_out"
	AnomalyInWithoutOut AnomalyKind = "in_without_out"
)

// Options selects what a reconciliation pass looks at.
type Options struct {
	// [From, To); zero bounds are open.
	From time.Time
	To   time.Time

	// RequestType keeps events of one request type.  Empty keeps all.
	// Events with no request type count as outings.
	RequestType string

	Segments []Segment
}

type Session struct {
	StudentRef  string        `json:"student_ref"`
	StudentName string        `json:"student_name,omitempty"`
	OutTime     *time.Time    `json:"out_time"`
	InTime      *time.Time    `json:"in_time"`
	Block       string        `json:"block"`
	Room        string        `json:"room"`
	Purpose     string        `json:"purpose,omitempty"`
	RequestType string        `json:"request_type"`
	Status      SessionStatus `json:"status"`
	OutEventID  int64         `json:"out_event_id,omitempty"`
	InEventID   int64         `json:"in_event_id,omitempty"`
}

// Open reports whether the student has not been seen returning.
func (s Session) Open() bool { return s.InTime == nil }

func (s Session) sortKey() time.Time {
	if s.OutTime != nil {
		return *s.OutTime
	}
	return *s.InTime
}

// Stats counts raw events, not sessions, except CurrentlyOut.  AnomalyCount
// is the number of events whose type could not be normalized, so
// TotalOut+TotalIn+AnomalyCount always equals the segment's event count.
type Stats struct {
	TotalOut     int `json:"total_out"`
	TotalIn      int `json:"total_in"`
	CurrentlyOut int `json:"currently_out"`
	AnomalyCount int `json:"anomaly_count"`
}

type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	EventID    int64       `json:"event_id"`
	StudentRef string      `json:"student_ref"`
	RawType    string      `json:"raw_type,omitempty"`
}

type SegmentReport struct {
	Name      string    `json:"name"`
	Sessions  []Session `json:"sessions"`
	Stats     Stats     `json:"stats"`
	Anomalies []Anomaly `json:"anomalies"`
}

type Report struct {
	Segments []SegmentReport `json:"segments"`

	// Unassigned counts in-window events whose block matched no segment.
	Unassigned int `json:"unassigned"`
}

// Segment returns the named segment's report.
func (r Report) Segment(name string) (SegmentReport, bool) {
	for _, s := range r.Segments {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return SegmentReport{}, false
}

// StillOut returns every open session across segments, most recent first.
func (r Report) StillOut() []Session {
	var out []Session
	for _, seg := range r.Segments {
		for _, s := range seg.Sessions {
			if s.Open() && s.Status == StatusStillOut {
				out = append(out, s)
			}
		}
	}
	sortSessions(out)
	return out
}

// Reconcile builds a Report from events.  The input slice is not modified.
// An event whose block appears in several segments is counted in each.
func Reconcile(events []store.ScanEvent, opts Options) Report {
	wantType := ""
	if strings.TrimSpace(opts.RequestType) != "" {
		wantType = NormalizeRequestType(opts.RequestType)
	}

	inWindow := make([]store.ScanEvent, 0, len(events))
	for _, ev := range events {
		if !opts.From.IsZero() && ev.ScannedAt.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && !ev.ScannedAt.Before(opts.To) {
			continue
		}
		if wantType != "" && NormalizeRequestType(ev.RequestType) != wantType {
			continue
		}
		inWindow = append(inWindow, ev)
	}

	sets := make([]blockSet, len(opts.Segments))
	for i, seg := range opts.Segments {
		sets[i] = seg.blockSet()
	}

	buckets := make([][]store.ScanEvent, len(opts.Segments))
	unassigned := 0
	for _, ev := range inWindow {
		hit := false
		for i, set := range sets {
			if set.contains(ev.HostelBlock) {
				buckets[i] = append(buckets[i], ev)
				hit = true
			}
		}
		if !hit {
			unassigned++
		}
	}

	reports := make([]SegmentReport, len(opts.Segments))
	var g errgroup.Group
	for i := range opts.Segments {
		i := i
		g.Go(func() error {
			reports[i] = foldSegment(opts.Segments[i].Name, buckets[i])
			return nil
		})
	}
	_ = g.Wait()

	return Report{Segments: reports, Unassigned: unassigned}
}

func foldSegment(name string, events []store.ScanEvent) SegmentReport {
	rep := SegmentReport{
		Name:      name,
		Sessions:  []Session{},
		Anomalies: []Anomaly{},
	}

	byStudent := make(map[string][]store.ScanEvent)
	for _, ev := range events {
		switch Normalize(ev.Type) {
		case MovementOut:
			rep.Stats.TotalOut++
		case MovementIn:
			rep.Stats.TotalIn++
		default:
			rep.Stats.AnomalyCount++
			rep.Anomalies = append(rep.Anomalies, Anomaly{
				Kind:       AnomalyUnknownType,
				EventID:    ev.ID,
				StudentRef: ev.StudentRef,
				RawType:    string(ev.Type),
			})
			continue
		}
		byStudent[ev.StudentRef] = append(byStudent[ev.StudentRef], ev)
	}

	refs := make([]string, 0, len(byStudent))
	for ref := range byStudent {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		sessions, anomalies := sweep(byStudent[ref])
		rep.Sessions = append(rep.Sessions, sessions...)
		rep.Anomalies = append(rep.Anomalies, anomalies...)
	}

	sortSessions(rep.Sessions)
	for _, s := range rep.Sessions {
		if s.Open() {
			rep.Stats.CurrentlyOut++
		}
	}
	return rep
}

// sweep pairs one student's OUT/IN events FIFO.  evs must only hold OUT and
// IN events; it is sorted in place by (ScannedAt, ID).
func sweep(evs []store.ScanEvent) ([]Session, []Anomaly) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].ScannedAt.Equal(evs[j].ScannedAt) {
			return evs[i].ScannedAt.Before(evs[j].ScannedAt)
		}
		return evs[i].ID < evs[j].ID
	})

	var (
		sessions  []Session
		anomalies []Anomaly
		open      *store.ScanEvent
	)
	for i := range evs {
		ev := &evs[i]
		switch Normalize(ev.Type) {
		case MovementOut:
			if open != nil {
				sessions = append(sessions, outOnly(*open, StatusUnmatchedOut))
				anomalies = append(anomalies, Anomaly{
					Kind:       AnomalyRepeatedOut,
					EventID:    open.ID,
					StudentRef: open.StudentRef,
				})
			}
			open = ev
		case MovementIn:
			if open == nil {
				sessions = append(sessions, inOnly(*ev))
				anomalies = append(anomalies, Anomaly{
					Kind:       AnomalyInWithoutOut,
					EventID:    ev.ID,
					StudentRef: ev.StudentRef,
				})
				continue
			}
			sessions = append(sessions, matched(*open, *ev))
			open = nil
		}
	}
	if open != nil {
		sessions = append(sessions, outOnly(*open, StatusStillOut))
	}
	return sessions, anomalies
}

func matched(out, in store.ScanEvent) Session {
	ot, it := out.ScannedAt, in.ScannedAt
	purpose := out.Purpose
	if purpose == "" {
		purpose = in.Purpose
	}
	rt := out.RequestType
	if rt == "" {
		rt = in.RequestType
	}
	name := in.StudentName
	if name == "" {
		name = out.StudentName
	}
	return Session{
		StudentRef:  in.StudentRef,
		StudentName: name,
		OutTime:     &ot,
		InTime:      &it,
		Block:       in.HostelBlock,
		Room:        in.RoomNumber,
		Purpose:     purpose,
		RequestType: NormalizeRequestType(rt),
		Status:      StatusMatched,
		OutEventID:  out.ID,
		InEventID:   in.ID,
	}
}

func outOnly(out store.ScanEvent, status SessionStatus) Session {
	ot := out.ScannedAt
	return Session{
		StudentRef:  out.StudentRef,
		StudentName: out.StudentName,
		OutTime:     &ot,
		Block:       out.HostelBlock,
		Room:        out.RoomNumber,
		Purpose:     out.Purpose,
		RequestType: NormalizeRequestType(out.RequestType),
		Status:      status,
		OutEventID:  out.ID,
	}
}

func inOnly(in store.ScanEvent) Session {
	it := in.ScannedAt
	return Session{
		StudentRef:  in.StudentRef,
		StudentName: in.StudentName,
		InTime:      &it,
		Block:       in.HostelBlock,
		Room:        in.RoomNumber,
		Purpose:     in.Purpose,
		RequestType: NormalizeRequestType(in.RequestType),
		Status:      StatusUnmatchedIn,
		InEventID:   in.ID,
	}
}

// sortSessions orders by most recent activity first.  The sort is stable so
// equal keys keep student order.
func sortSessions(s []Session) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].sortKey().After(s[j].sortKey())
	})
}
