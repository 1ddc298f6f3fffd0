package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/ratelimit"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/store/memory"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/token"
	"github.com/BrandonDHaskell/hostelgate/internal/httpapi"
	"github.com/BrandonDHaskell/hostelgate/internal/metrics"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	ts    *httptest.Server
	now   *time.Time
	store *memory.Store
}

type envOptions struct {
	knownTerminals []string
	requireKnown   bool
	apiKey         string
	limiter        ratelimit.Limiter
}

// newTestServer wires up the full dependency graph using in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	now := t0
	clock := func() time.Time { return now }

	st := memory.New(o.knownTerminals)
	codec, err := token.NewCodec([]byte("http-test-secret"))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	m, err := metrics.New(nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	opts := []service.Option{service.WithClock(clock), service.WithRecorder(m)}
	creds := service.NewCredentialService(st, st, codec, service.DefaultIssuePolicy(), opts...)
	scan := service.NewScanService(creds, st, service.NewTerminalRegistry(st, opts...), o.requireKnown, opts...)
	moves := service.NewMovementService(st, nil, opts...)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Addr:           ":0",
		Credentials:    creds,
		Scan:           scan,
		Movements:      moves,
		Metrics:        m,
		Limiter:        o.limiter,
		UpstreamAPIKey: o.apiKey,
		Now:            clock,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, now: &now, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) registerAndAuthorize(t *testing.T, id string, headers map[string]string) (outPayload, inPayload string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPut, "/v1/requests/"+id, map[string]any{
		"type":      "outing",
		"category":  "normal",
		"purpose":   "groceries",
		"out_at":    t0,
		"return_at": t0.Add(8 * time.Hour),
		"student": map[string]any{
			"ref":          "S-" + id,
			"name":         "Student " + id,
			"hostel_block": "D-Block",
			"room_number":  "101",
		},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: expected 200, got %d (%v)", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/requests/"+id+"/authorize", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	out := body["outgoing"].(map[string]any)
	in := body["incoming"].(map[string]any)
	return out["payload"].(string), in["payload"].(string)
}

// ── Health ───────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	e := newTestServer(t, envOptions{})
	resp, body := e.do(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t, envOptions{})
	e.do(t, http.MethodGet, "/healthz", nil, nil)

	resp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte(`route="/healthz"`)) {
		t.Errorf("expected healthz series in metrics output")
	}
}

// ── Scan protocol ────────────────────────────────────────────────────────────

func TestScanFlow(t *testing.T) {
	e := newTestServer(t, envOptions{})
	outPayload, _ := e.registerAndAuthorize(t, "r1", nil)
	term := map[string]string{"X-Terminal-ID": "gate-1"}

	resp, body := e.do(t, http.MethodPost, "/v1/gate/validate", map[string]string{"payload": outPayload}, term)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["movement"] != "OUT" || body["direction"] != "OUTGOING" {
		t.Errorf("unexpected validation body: %v", body)
	}
	student := body["student"].(map[string]any)
	if student["hostel_block"] != "D-Block" {
		t.Errorf("expected student snapshot, got %v", student)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/gate/scan", map[string]string{"payload": outPayload, "location": "Main Gate"}, term)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("scan: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	ev := body["event"].(map[string]any)
	if ev["type"] != "OUT" || ev["terminal_id"] != "gate-1" {
		t.Errorf("unexpected event: %v", ev)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/gate/scan", map[string]string{"payload": outPayload}, term)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second scan: expected 409, got %d", resp.StatusCode)
	}
	if body["code"] != "already_used" || body["security_alert"] != true || body["ok"] != false {
		t.Errorf("expected already_used security alert, got %v", body)
	}
	if n := len(e.store.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/requests/r1/credentials", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}
	if body["outgoing"].(map[string]any)["state"] != "CONSUMED" || body["completed"] != false {
		t.Errorf("unexpected status: %v", body)
	}
}

func TestValidate_ErrorCodes(t *testing.T) {
	e := newTestServer(t, envOptions{})
	_, inPayload := e.registerAndAuthorize(t, "r1", nil)

	resp, body := e.do(t, http.MethodPost, "/v1/gate/validate", map[string]string{"payload": "junk"}, nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "not_found" {
		t.Errorf("junk payload: %d %v", resp.StatusCode, body)
	}

	// Incoming opens 30 minutes before the 17:00 return.
	resp, body = e.do(t, http.MethodPost, "/v1/gate/validate", map[string]string{"payload": inPayload}, nil)
	if resp.StatusCode != http.StatusTooEarly || body["code"] != "not_yet_active" {
		t.Errorf("early incoming: %d %v", resp.StatusCode, body)
	}
	if body["security_alert"] != false {
		t.Errorf("not_yet_active is not a security alert: %v", body)
	}

	*e.now = t0.Add(7*time.Hour + 30*time.Minute)
	resp, _ = e.do(t, http.MethodPost, "/v1/gate/validate", map[string]string{"payload": inPayload}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("incoming in window: expected 200, got %d", resp.StatusCode)
	}

	*e.now = t0.Add(21 * time.Hour)
	resp, body = e.do(t, http.MethodPost, "/v1/gate/validate", map[string]string{"payload": inPayload}, nil)
	if resp.StatusCode != http.StatusGone || body["code"] != "expired" || body["security_alert"] != true {
		t.Errorf("expired incoming: %d %v", resp.StatusCode, body)
	}
}

func TestValidate_InvalidJSON_400(t *testing.T) {
	e := newTestServer(t, envOptions{})
	resp, err := http.Post(e.ts.URL+"/v1/gate/validate", "application/json", bytes.NewReader([]byte(`not json at all`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestValidate_Protobuf(t *testing.T) {
	e := newTestServer(t, envOptions{})
	outPayload, _ := e.registerAndAuthorize(t, "r1", nil)

	msg, err := structpb.NewStruct(map[string]any{"payload": outPayload})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(e.ts.URL+"/v1/gate/validate", "application/x-protobuf", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf response, got %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out structpb.Struct
	if err := proto.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.GetFields()["ok"].GetBoolValue() {
		t.Error("expected ok=true")
	}
	if got := out.GetFields()["movement"].GetStringValue(); got != "OUT" {
		t.Errorf("expected movement=OUT, got %q", got)
	}
}

// ── Manual check-in ──────────────────────────────────────────────────────────

func TestManualCheckin(t *testing.T) {
	e := newTestServer(t, envOptions{})

	resp, body := e.do(t, http.MethodPost, "/v1/gate/manual-checkin", map[string]any{
		"student_ref":   "S1",
		"is_suspicious": true,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "validation_failed" || body["field"] != "comment" {
		t.Fatalf("suspicious without comment: %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/gate/manual-checkin", map[string]any{
		"student_ref":   "S1",
		"is_suspicious": true,
		"comment":       "no QR, phone dead",
		"hostel_block":  "G-Block",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("manual check-in: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	ev := body["event"].(map[string]any)
	if ev["type"] != "IN" || ev["is_suspicious"] != true || ev["manual"] != true || ev["location"] != "Main Gate" {
		t.Errorf("unexpected event: %v", ev)
	}
}

func TestSearchStudents(t *testing.T) {
	e := newTestServer(t, envOptions{})
	e.registerAndAuthorize(t, "r1", nil)
	e.registerAndAuthorize(t, "r2", nil)

	resp, body := e.do(t, http.MethodGet, "/v1/gate/students?q=r2", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	students := body["students"].([]any)
	if len(students) != 1 || students[0].(map[string]any)["ref"] != "S-r2" {
		t.Errorf("unexpected students: %v", students)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/students?q=x", nil, nil)
	if resp.StatusCode != http.StatusBadRequest || body["field"] != "q" {
		t.Errorf("short query: expected 400 on q, got %d %v", resp.StatusCode, body)
	}
}

// ── Terminals, auth, limits ──────────────────────────────────────────────────

func TestUnknownTerminal_403(t *testing.T) {
	e := newTestServer(t, envOptions{knownTerminals: []string{"gate-1"}, requireKnown: true})
	outPayload, _ := e.registerAndAuthorize(t, "r1", nil)

	resp, body := e.do(t, http.MethodPost, "/v1/gate/scan", map[string]string{"payload": outPayload},
		map[string]string{"X-Terminal-ID": "rogue"})
	if resp.StatusCode != http.StatusForbidden || body["code"] != "unknown_terminal" {
		t.Fatalf("expected 403 unknown_terminal, got %d %v", resp.StatusCode, body)
	}

	resp, _ = e.do(t, http.MethodPost, "/v1/gate/scan", map[string]string{"payload": outPayload},
		map[string]string{"X-Terminal-ID": "gate-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("known terminal: expected 201, got %d", resp.StatusCode)
	}
}

func TestUpstreamAPIKey(t *testing.T) {
	e := newTestServer(t, envOptions{apiKey: "k3y"})

	resp, body := e.do(t, http.MethodPost, "/v1/requests/r1/authorize", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "unauthorized" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}

	e.registerAndAuthorize(t, "r1", map[string]string{"X-Api-Key": "k3y"})

	resp, _ = e.do(t, http.MethodGet, "/v1/requests/r1/credentials", nil, map[string]string{"Authorization": "Bearer k3y"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer key: expected 200, got %d", resp.StatusCode)
	}
}

func TestRateLimit_429(t *testing.T) {
	e := newTestServer(t, envOptions{
		limiter: ratelimit.NewMemoryLimiter(1, time.Minute).WithClock(func() time.Time { return t0 }),
	})
	hdr := map[string]string{"X-Terminal-ID": "gate-1"}

	resp, _ := e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, hdr)
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "rate_limited" {
		t.Fatalf("second: expected 429, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_UnknownTerminalSharesClientWindow(t *testing.T) {
	e := newTestServer(t, envOptions{
		knownTerminals: []string{"gate-1"},
		limiter:        ratelimit.NewMemoryLimiter(1, time.Minute).WithClock(func() time.Time { return t0 }),
	})

	resp, _ := e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, map[string]string{"X-Terminal-ID": "made-up-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, map[string]string{"X-Terminal-ID": "made-up-2"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("rotated terminal id: expected 429, got %d", resp.StatusCode)
	}

	// A commissioned terminal has its own window.
	resp, _ = e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, map[string]string{"X-Terminal-ID": "gate-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("known terminal: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, map[string]string{"X-Terminal-ID": "gate-1"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("known terminal second: expected 429, got %d", resp.StatusCode)
	}
}

// ── Upstream ─────────────────────────────────────────────────────────────────

func TestIssue_ConflictAndQR(t *testing.T) {
	e := newTestServer(t, envOptions{})
	e.registerAndAuthorize(t, "r1", nil)

	resp, body := e.do(t, http.MethodPost, "/v1/credentials", map[string]any{
		"request_id":   "r1",
		"direction":    "outgoing",
		"activates_at": t0,
		"expires_at":   t0.Add(time.Hour),
	}, nil)
	if resp.StatusCode != http.StatusConflict || body["code"] != "conflict" {
		t.Fatalf("expected 409 conflict, got %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/requests/r1/credentials", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	id := body["outgoing"].(map[string]any)["id"].(string)

	qr, err := http.Get(e.ts.URL + "/v1/credentials/" + id + "/qr.png")
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	defer qr.Body.Close()
	png, _ := io.ReadAll(qr.Body)
	if qr.StatusCode != http.StatusOK || qr.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d %q", qr.StatusCode, qr.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("expected PNG signature")
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/credentials/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown credential: expected 404, got %d", resp.StatusCode)
	}
}

// ── Read views ───────────────────────────────────────────────────────────────

func TestMovementViews(t *testing.T) {
	e := newTestServer(t, envOptions{})
	outPayload, _ := e.registerAndAuthorize(t, "r1", nil)
	if resp, _ := e.do(t, http.MethodPost, "/v1/gate/scan", map[string]string{"payload": outPayload}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("scan: %d", resp.StatusCode)
	}

	resp, body := e.do(t, http.MethodGet, "/v1/gate/currently-out", nil, nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("currently-out: %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/movements?date=2026-03-14&request_type=all", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("movements: %d", resp.StatusCode)
	}
	segs := body["report"].(map[string]any)["segments"].([]any)
	boys := segs[0].(map[string]any)
	stats := boys["stats"].(map[string]any)
	if boys["name"] != "Boys" || stats["total_out"] != float64(1) || stats["currently_out"] != float64(1) {
		t.Errorf("unexpected Boys segment: %v", boys)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/movements?date=2026-03-15", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("movements next day: %d", resp.StatusCode)
	}
	segs = body["report"].(map[string]any)["segments"].([]any)
	if segs[0].(map[string]any)["stats"].(map[string]any)["total_out"] != float64(0) {
		t.Errorf("next day should be empty: %v", segs[0])
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/activity", nil, nil)
	if resp.StatusCode != http.StatusOK || len(body["events"].([]any)) != 1 {
		t.Fatalf("activity: %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/dashboard", nil, nil)
	if resp.StatusCode != http.StatusOK || len(body["segments"].([]any)) != 2 {
		t.Fatalf("dashboard: %d %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/gate/movements?from=2026-03-14T10:00:00Z&to=2026-03-14T09:00:00Z", nil, nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "bad_window" {
		t.Errorf("inverted window: %d %v", resp.StatusCode, body)
	}
}
