package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/api/handlers"
)

const serviceName = "langapp-coordinator"

type Dependencies struct {
	Health         handlers.Pinger
	QueueHandler   *handlers.QueueHandler
	WebSocket      http.HandlerFunc
	UpgradeLimiter *UpgradeLimiter
	AllowedOrigins []string
	Log            zerolog.Logger
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(deps.Log))
	r.Use(Metrics)
	r.Use(middleware.Recoverer)
	r.Use(CORS(deps.AllowedOrigins))

	r.Get("/health", handlers.Health(serviceName, deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/languages", handlers.ListLanguages)
		r.Get("/queue/status", deps.QueueHandler.GetQueueStatus)
		r.Get("/queue/status/{userID}", deps.QueueHandler.GetUserQueueStatus)
		r.Get("/connections", deps.QueueHandler.GetConnections)
	})

	// no timeout or compression middleware here: the connection is hijacked
	ws := http.Handler(deps.WebSocket)
	if deps.UpgradeLimiter != nil {
		ws = deps.UpgradeLimiter.Handler(ws)
	}
	r.Method(http.MethodGet, "/ws", ws)

	return r
}
