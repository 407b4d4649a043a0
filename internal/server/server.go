// Package server exposes the auth subsystem over HTTP and carries the
// standard middleware chain: rate limiting, security headers, CORS,
// request-size caps, and request logging.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/blueprintkit/backend/internal/config"
	"github.com/blueprintkit/backend/internal/guard"
	"github.com/blueprintkit/backend/internal/obs"
	"github.com/blueprintkit/backend/internal/ratelimit"
	"github.com/blueprintkit/backend/internal/sessions"
	"github.com/blueprintkit/backend/internal/user"
)

// Route keys used for per-route rate-limit overrides.
const (
	routeRegister       = "auth.register"
	routeLogin          = "auth.login"
	routeRefresh        = "auth.refresh"
	routeLogout         = "auth.logout"
	routeMe             = "auth.me"
	routeChangePassword = "auth.change_password"
)

// Server is the HTTP surface over the session manager, guard, and rate
// limiter.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *obs.Metrics
	sessions *sessions.Manager
	guard    *guard.Guard
	limiter  *ratelimit.Limiter
	users    user.Store
	handler  http.Handler
}

// New wires the routes and middleware chain.
func New(
	cfg *config.Config,
	log *zap.Logger,
	metrics *obs.Metrics,
	mgr *sessions.Manager,
	g *guard.Guard,
	limiter *ratelimit.Limiter,
	users user.Store,
	gatherer prometheus.Gatherer,
) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		sessions: mgr,
		guard:    g,
		limiter:  limiter,
		users:    users,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", s.limited(routeRegister, s.handleRegister))
	mux.HandleFunc("POST /auth/login", s.limited(routeLogin, s.handleLogin))
	mux.HandleFunc("POST /auth/refresh", s.limited(routeRefresh, s.handleRefresh))
	mux.HandleFunc("POST /auth/logout", s.limited(routeLogout, s.handleLogout))
	mux.HandleFunc("GET /auth/me", s.limited(routeMe, s.handleMe))
	mux.HandleFunc("POST /auth/change-password", s.limited(routeChangePassword, s.handleChangePassword))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = s.requestLog(s.securityHeaders(s.cors(s.maxBody(mux))))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
