package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds the settings NewServer needs from config.Config,
// kept minimal to avoid an import cycle between httpserver and config.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// Pinger is implemented by infrastructure clients the readiness probe
// checks (pgxpool.Pool, redis.Client both satisfy this shape via thin
// adapters constructed in internal/app).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP server dependencies. Router is public/pre-auth;
// APIRouter is mounted for domain handlers by the composition root, which
// installs authentication, ownership, and rate-limit middleware on it.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	Metrics   *prometheus.Registry

	startedAt time.Time
	deps      []namedPinger
}

type namedPinger struct {
	name string
	p    Pinger
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers are mounted onto APIRouter by the composition
// root after calling NewServer.
func NewServer(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry, deps map[string]Pinger) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}
	for name, p := range deps {
		s.deps = append(s.deps, namedPinger{name: name, p: p})
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Unauthenticated liveness endpoint.
	s.Router.Get("/api/health", s.handleHealth)

	// Unauthenticated Prometheus text-format export.
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// APIRouter is a distinct sub-router so the composition root can layer
	// auth/ownership/rate-limit middleware onto it without touching the
	// unauthenticated health/metrics routes above.
	s.APIRouter = chi.NewRouter()
	s.Router.Mount("/", s.APIRouter)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	details := map[string]string{}

	for _, d := range s.deps {
		if err := d.p.Ping(ctx); err != nil {
			s.Logger.Error("health check dependency failed", "dependency", d.name, "error", err)
			details[d.name] = "error"
			status = "degraded"
		} else {
			details[d.name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	Respond(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"dependencies":   details,
	})
}
