package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stealthpay/engine"
)

// Config tunes the HTTP surface.
type Config struct {
	RateLimit      RateLimit
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Server exposes the payment session engine over HTTP.
type Server struct {
	registry *engine.Registry
	cfg      Config
	logger   *slog.Logger
}

// New constructs the HTTP server facade.
func New(registry *engine.Registry, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Minute
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = time.Hour
	}
	return &Server{registry: registry, cfg: cfg, logger: logger}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	limiter := NewRateLimiter(s.cfg.RateLimit)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(limiter.Middleware)
		v1.Post("/merchants", s.handleRegisterMerchant)
		v1.Get("/merchants/{merchantID}/stats", s.handleMerchantStats)
		v1.Post("/sessions", s.handleIssueSession)
		v1.Get("/sessions", s.handleListSessions)
		v1.Get("/sessions/{paymentID}", s.handleGetSession)
		v1.Post("/sessions/{paymentID}/listen", s.handleStartListening)
		v1.Post("/sessions/{paymentID}/cancel", s.handleCancelSession)
		v1.Get("/listeners", s.handleListListeners)
	})

	return otelhttp.NewHandler(r, "stealthpayd")
}
