package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ServerDeps carries every handler the control-plane HTTP surface
// mounts. Router wiring lives here, not in cmd/, so the composition
// root only has to build these pieces and hand them off.
type ServerDeps struct {
	Agents       *AgentServer
	HostAgents   *HostAgentServer
	Applications *ApplicationsHandler
	AgentDist    *AgentsHandler
	Acme         *AcmeHandler
	Network      *NetworkHandler
	Migrations   *MigrationsHandler
	Store        *StoreHandler
	Log          *slog.Logger
}

// NewRouter assembles the full control-plane REST + WebSocket
// surface: each handler contributes a sub-router, mounted here under
// /api.
func NewRouter(deps ServerDeps) chi.Router {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(metricsMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", metricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/hosts/agents/ws", deps.HostAgents.ServeHTTP)

		r.Route("/applications/agents", func(r chi.Router) {
			r.Get("/ws", deps.Agents.ServeHTTP)
			r.Mount("/", deps.AgentDist.Routes())
		})

		r.Mount("/applications", deps.Applications.Routes())
		r.Mount("/acme", deps.Acme.Routes())
		r.Mount("/migrations", deps.Migrations.Routes())
		r.Mount("/dns-ddns", deps.Network.DNSRoutes())
		r.Mount("/reverseproxy", deps.Network.ReverseProxyRoutes())
		r.Mount("/firewall", deps.Network.FirewallRoutes())
		r.Mount("/store", deps.Store.Routes())
	})

	return r
}

// requestLogger logs each request's method, path, status, and
// duration at Info level, tagged with the chi request ID.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("api: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
