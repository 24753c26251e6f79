package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/hub"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/tracker"
)

// Config carries server-level options.
type Config struct {
	BindAddr string
	// APIToken, when set, requires a matching bearer token on /api/v1.
	APIToken string
	// JWTSecret, when set, accepts HS256 bearer tokens signed with it.
	JWTSecret string
}

// Server is the HTTP front of Drover.
type Server struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
	hub        *hub.Hub
	queue      queue.Queue
	cfg        Config
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(s *store.Store, d *dispatch.Dispatcher, t *tracker.Tracker, h *hub.Hub, q queue.Queue, cfg Config) *Server {
	srv := &Server{store: s, dispatcher: d, tracker: t, hub: h, queue: q, cfg: cfg}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Bulk submission
		r.Post("/bulk-create", s.handleBulk(store.KindCreate))
		r.Post("/bulk-update", s.handleBulk(store.KindUpdate))
		r.Post("/bulk-delete", s.handleBulk(store.KindDelete))

		// Progress queries
		r.Get("/status/{operation_id}", s.handleStatus)
		r.Get("/result/{operation_id}", s.handleResult)

		// Push channels
		r.Get("/watch", s.handleWatch)
		r.Get("/operations/{operation_id}/events", s.handleOperationEvents)

		// Introspection
		r.Get("/entities/{id}", s.handleGetEntity)
		r.Get("/queue/stats", s.handleQueueStats)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeStoreError maps the store error taxonomy to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsInvalidRequest(err):
		writeError(w, http.StatusBadRequest, err.Error(), string(store.ErrorCodeInvalidRequest))
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), string(store.ErrorCodeNotFound))
	case store.IsEnqueueFailed(err):
		writeError(w, http.StatusServiceUnavailable, err.Error(), string(store.ErrorCodeEnqueueFailed))
	case store.IsContentionExceeded(err):
		writeError(w, http.StatusServiceUnavailable, err.Error(), string(store.ErrorCodeContentionExceeded))
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
