package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/lessonreel/internal/api/handlers"
	"github.com/nikhilbhutani/lessonreel/internal/api/middleware"
	"github.com/nikhilbhutani/lessonreel/internal/auth"
	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/queue"
	"github.com/nikhilbhutani/lessonreel/internal/runstore"
)

// Dependencies are the clients the HTTP layer talks to. DB and Redis are only
// used for readiness checks and may be nil.
type Dependencies struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Runs   runstore.Store
	Queue  queue.Enqueuer
	Bus    handlers.RunBus
	Logger *slog.Logger
}

type Router struct {
	mux  *chi.Mux
	cfg  *config.Config
	deps Dependencies
	jwt  *auth.JWTMiddleware
	rl   *middleware.RateLimiter
}

func NewRouter(cfg *config.Config, deps Dependencies) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		cfg:  cfg,
		deps: deps,
		jwt:  auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
		rl:   middleware.NewRateLimiter(100, 200),
	}
}

// Close releases background resources held by the router's middleware.
func (rt *Router) Close() {
	rt.rl.Close()
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(rt.rl.Limit)

	// Health endpoints (no auth)
	var probes []handlers.Probe
	if rt.deps.DB != nil {
		probes = append(probes, handlers.PostgresProbe(rt.deps.DB))
	}
	if rt.deps.Redis != nil {
		probes = append(probes, handlers.RedisProbe(rt.deps.Redis))
	}
	health := handlers.NewHealthHandler(probes...)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	runH := handlers.NewRunHandler(rt.deps.Runs, rt.deps.Queue, rt.deps.Bus, rt.deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.jwt.Authenticate)

		r.Route("/runs", func(r chi.Router) {
			r.With(auth.RequirePermission(auth.PermRunsWrite)).Post("/", runH.Create)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequirePermission(auth.PermRunsRead))
				r.Get("/", runH.List)
				r.Get("/{id}", runH.Get)
				r.Get("/{id}/scenes", runH.Scenes)
				r.Get("/{id}/events", runH.Events)
			})
			r.With(auth.RequirePermission(auth.PermRunsCancel)).Delete("/{id}", runH.Cancel)
		})
	})

	return r
}
