package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/reconcile"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
)

const dateLayout = "2006-01-02"

// parseWindow reads ?from=&to= (RFC 3339) or ?date=YYYY-MM-DD.  With none of
// them the window is the current UTC day.
func (s *Server) parseWindow(r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	if d := strings.TrimSpace(q.Get("date")); d != "" {
		day, err := time.Parse(dateLayout, d)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return day, day.Add(24 * time.Hour), true
	}

	from, to := strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to"))
	if from == "" && to == "" {
		day := s.now().UTC().Truncate(24 * time.Hour)
		return day, day.Add(24 * time.Hour), true
	}

	var f, t time.Time
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	if !f.IsZero() && !t.IsZero() && !f.Before(t) {
		return time.Time{}, time.Time{}, false
	}
	return f.UTC(), t.UTC(), true
}

func (s *Server) movementQuery(w http.ResponseWriter, r *http.Request) (service.MovementQuery, bool) {
	from, to, ok := s.parseWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_window", "from/to must be RFC 3339 with from < to, or date=YYYY-MM-DD")
		return service.MovementQuery{}, false
	}
	return service.MovementQuery{
		From:        from,
		To:          to,
		RequestType: requestTypeParam(r),
	}, true
}

// requestTypeParam defaults to outings, the gate's everyday view.  "all"
// disables the filter.
func requestTypeParam(r *http.Request) string {
	rt := strings.TrimSpace(r.URL.Query().Get("request_type"))
	switch strings.ToLower(rt) {
	case "":
		return "outing"
	case "all":
		return ""
	default:
		return rt
	}
}

type windowJSON struct {
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	RequestType string     `json:"request_type,omitempty"`
}

func windowOf(q service.MovementQuery) windowJSON {
	w := windowJSON{RequestType: q.RequestType}
	if !q.From.IsZero() {
		w.From = &q.From
	}
	if !q.To.IsZero() {
		w.To = &q.To
	}
	return w
}

func (s *Server) handleMovements(w http.ResponseWriter, r *http.Request) {
	q, ok := s.movementQuery(w, r)
	if !ok {
		return
	}
	report, err := s.movements.Report(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, "movements", err)
		return
	}
	s.respond(w, r, http.StatusOK, struct {
		OK     bool             `json:"ok"`
		Window windowJSON       `json:"window"`
		Report reconcile.Report `json:"report"`
	}{true, windowOf(q), report})
}

func (s *Server) handleCurrentlyOut(w http.ResponseWriter, r *http.Request) {
	q, ok := s.movementQuery(w, r)
	if !ok {
		return
	}
	out, err := s.movements.CurrentlyOut(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, r, "currently out", err)
		return
	}
	if out == nil {
		out = []reconcile.Session{}
	}
	s.respond(w, r, http.StatusOK, struct {
		OK       bool                `json:"ok"`
		Window   windowJSON          `json:"window"`
		Count    int                 `json:"count"`
		Sessions []reconcile.Session `json:"sessions"`
	}{true, windowOf(q), len(out), out})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.parseWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_window", "from/to must be RFC 3339 with from < to, or date=YYYY-MM-DD")
		return
	}
	evs, err := s.movements.Activity(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, "activity", err)
		return
	}
	out := make([]eventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventToJSON(ev))
	}
	s.respond(w, r, http.StatusOK, struct {
		OK     bool        `json:"ok"`
		Events []eventJSON `json:"events"`
	}{true, out})
}

type dashboardSegment struct {
	Name  string          `json:"name"`
	Stats reconcile.Stats `json:"stats"`
}

// handleDashboard returns today's counters per segment, without sessions.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	report, err := s.movements.Today(r.Context(), requestTypeParam(r))
	if err != nil {
		s.writeServiceError(w, r, "dashboard", err)
		return
	}
	segs := make([]dashboardSegment, 0, len(report.Segments))
	for _, seg := range report.Segments {
		segs = append(segs, dashboardSegment{Name: seg.Name, Stats: seg.Stats})
	}
	s.respond(w, r, http.StatusOK, struct {
		OK         bool               `json:"ok"`
		Segments   []dashboardSegment `json:"segments"`
		Unassigned int                `json:"unassigned"`
	}{true, segs, report.Unassigned})
}

// handleSearchStudents backs the manual check-in student picker.
func (s *Server) handleSearchStudents(w http.ResponseWriter, r *http.Request) {
	found, err := s.scan.SearchStudents(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeServiceError(w, r, "search students", err)
		return
	}
	out := make([]studentJSON, 0, len(found))
	for _, st := range found {
		out = append(out, studentToJSON(st))
	}
	s.respond(w, r, http.StatusOK, struct {
		OK       bool          `json:"ok"`
		Students []studentJSON `json:"students"`
	}{true, out})
}
