package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/ratelimit"
	"github.com/BrandonDHaskell/hostelgate/internal/gate/service"
	"github.com/BrandonDHaskell/hostelgate/internal/metrics"
)

type Dependencies struct {
	Logger *zap.Logger
	Addr   string

	Credentials *service.CredentialService
	Scan        *service.ScanService
	Movements   *service.MovementService

	// Optional.
	Metrics *metrics.Metrics
	Limiter ratelimit.Limiter

	// UpstreamAPIKey guards the request/credential routes used by the
	// approval system.  Empty leaves them open.
	UpstreamAPIKey string

	// Now defaults to time.Now; it picks "today" for window-less queries.
	Now func() time.Time
}

type Server struct {
	httpServer  *http.Server
	logger      *zap.Logger
	credentials *service.CredentialService
	scan        *service.ScanService
	movements   *service.MovementService
	now         func() time.Time
}

func NewServer(d Dependencies) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:      logger,
		credentials: d.Credentials,
		scan:        d.Scan,
		movements:   d.Movements,
		now:         d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	// Gate terminals.
	r.Route("/v1/gate", func(r chi.Router) {
		r.Use(terminalMiddleware)
		if d.Limiter != nil {
			var known knownFunc
			if d.Scan != nil {
				known = d.Scan.KnownTerminal
			}
			r.Use(rateLimitMiddleware(d.Limiter, known, logger))
		}
		r.Post("/validate", s.handleValidate)
		r.Post("/scan", s.handleConfirm)
		r.Post("/manual-checkin", s.handleManualCheckin)
		r.Get("/students", s.handleSearchStudents)

		r.Get("/movements", s.handleMovements)
		r.Get("/currently-out", s.handleCurrentlyOut)
		r.Get("/activity", s.handleActivity)
		r.Get("/dashboard", s.handleDashboard)
	})

	// Approval system.
	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(d.UpstreamAPIKey))
		r.Put("/v1/requests/{id}", s.handleRegisterRequest)
		r.Post("/v1/requests/{id}/authorize", s.handleAuthorize)
		r.Get("/v1/requests/{id}/credentials", s.handleRequestStatus)
		r.Post("/v1/credentials", s.handleIssue)
		r.Get("/v1/credentials/{id}", s.handleGetCredential)
		r.Get("/v1/credentials/{id}/qr.png", s.handleCredentialQR)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route_not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
