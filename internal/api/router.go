package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/emsdesk/livecall/internal/bus"
	"github.com/emsdesk/livecall/internal/call"
	"github.com/emsdesk/livecall/internal/config"
	"github.com/emsdesk/livecall/internal/storage/sqlite"
	"github.com/emsdesk/livecall/pkg/logger"
)

// Router wires the API handlers into a chi mux
type Router struct {
	handler *Handler
	config  *config.Config
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(callManager *call.Manager, callStorage *sqlite.CallStorage, hub *bus.Hub, cfg *config.Config, log *logger.Logger) *Router {
	return &Router{
		handler: NewHandler(callManager, callStorage, hub, cfg, log),
		config:  cfg,
		logger:  log.Named("api-router"),
	}
}

// Routes returns the HTTP handler for all routes
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(rt.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/config", rt.handler.GetConfig)

		r.Route("/live", func(r chi.Router) {
			r.Post("/start", rt.handler.StartLiveCall)
			r.Post("/end", rt.handler.EndLiveCall)
			r.Get("/status", rt.handler.GetLiveStatus)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", rt.handler.GetCalls)
			r.Get("/{id}", rt.handler.GetCallByID)
			r.Post("/{id}/select", rt.handler.SelectCall)
		})
	})

	// Passive display windows connect here for LIVE_UPDATE fan-out.
	r.Get("/ws/display", rt.handler.HandleDisplayWebSocket)

	// Serve the dashboard and display pages.
	staticHandler := NewStaticFileHandler(rt.config.Server.StaticDir, rt.logger)
	r.NotFound(staticHandler.ServeHTTP)

	return r
}

// corsMiddleware applies the configured CORS policy. An empty origin list
// allows any origin, which fits the single-operator deployments this
// server targets.
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := len(rt.config.Server.CORSAllowedOrigins) == 0
		for _, o := range rt.config.Server.CORSAllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
