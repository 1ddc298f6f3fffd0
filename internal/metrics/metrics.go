// Package metrics exposes Prometheus counters for the HTTP surface and the
// gate protocol.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/store"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInflight prometheus.Gauge

	credentialsIssued *prometheus.CounterVec
	scanOutcomes      *prometheus.CounterVec
	manualOverrides   *prometheus.CounterVec
}

// New registers every collector on reg.  A nil reg gets a fresh registry
// with the Go and process collectors.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	var err error
	m := &Metrics{gatherer: reg}

	if m.httpRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostelgate_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}
	if m.httpDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostelgate_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})); err != nil {
		return nil, err
	}
	if m.httpInflight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hostelgate_http_inflight_requests",
		Help: "HTTP requests currently being served.",
	})); err != nil {
		return nil, err
	}
	if m.credentialsIssued, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostelgate_credentials_issued_total",
		Help: "Credentials issued by direction.",
	}, []string{"direction"})); err != nil {
		return nil, err
	}
	if m.scanOutcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostelgate_scan_outcomes_total",
		Help: "Validate and confirm results by outcome.",
	}, []string{"op", "outcome"})); err != nil {
		return nil, err
	}
	if m.manualOverrides, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hostelgate_manual_overrides_total",
		Help: "Manual check-ins by suspicion flag.",
	}, []string{"suspicious"})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CredentialIssued(d store.Direction) {
	m.credentialsIssued.WithLabelValues(strings.ToLower(string(d))).Inc()
}

func (m *Metrics) ScanOutcome(op, outcome string) {
	m.scanOutcomes.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ManualOverride(suspicious bool) {
	m.manualOverrides.WithLabelValues(strconv.FormatBool(suspicious)).Inc()
}

// Middleware records request counts and latency.  The route label is the
// chi route pattern, not the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInflight.Inc()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			m.httpInflight.Dec()
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// register adds c to reg.  When an identical collector is already
// registered, that one is returned so a second New shares its series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
