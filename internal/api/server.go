package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"command-relay/internal/queue"
	"command-relay/internal/ratelimit"
	"command-relay/internal/websocket"
)

// Version is reported by /health and the index document
const Version = "1.0.0"

// Server holds all HTTP handlers and dependencies
type Server struct {
	queue       *queue.Service
	wsManager   *websocket.Manager
	rateLimiter *ratelimit.RateLimiter
	upgrader    ws.Upgrader
	maxBody     int64
	origins     []string
	log         logrus.FieldLogger
}

// Options configures optional server behaviour
type Options struct {
	// RateLimiter is applied to every route when non-nil
	RateLimiter *ratelimit.RateLimiter
	// WebSocket enables the /ws event stream when non-nil
	WebSocket *websocket.Manager
	// MaxBodyBytes caps JSON request bodies; 0 means 10 MiB
	MaxBodyBytes int64
	// AllowedOrigins is the CORS allow-list; empty means any origin
	AllowedOrigins []string
}

// NewServer creates a new API server
func NewServer(q *queue.Service, opts Options, log logrus.FieldLogger) *Server {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		queue:       q,
		wsManager:   opts.WebSocket,
		rateLimiter: opts.RateLimiter,
		maxBody:     maxBody,
		origins:     origins,
		log:         log.WithField("component", "api"),
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP handler with all routes and middleware
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.accessLog)
	r.Use(securityHeaders)
	r.Use(corsHandler(s.origins))
	if s.rateLimiter != nil {
		r.Use(s.rateLimiter.Middleware)
	}

	r.Get("/ws", s.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/", s.Index)
		r.Get("/health", s.Health)

		r.Route("/api", func(r chi.Router) {
			r.Post("/commands", s.SubmitCommand)
			r.Get("/commands", s.PollCommands)
			r.Get("/commands/completed", s.ListCompleted)
			r.Get("/commands/{commandId}", s.GetCommand)
			r.Put("/commands/{commandId}", s.UpdateCommandStatus)

			r.Post("/clients", s.RegisterClient)
			r.Get("/clients", s.ListClients)

			r.Get("/status", s.SystemStatus)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusNotFound, map[string]string{
			"error":   "Endpoint not found",
			"message": "The endpoint " + r.Method + " " + r.URL.Path + " does not exist",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "Method not allowed",
		})
	})

	return r
}

// HandleWebSocket upgrades the connection and subscribes it to lifecycle events
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		jsonError(w, http.StatusNotFound, "Event stream disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("[WEBSOCKET] Upgrade failed")
		return
	}
	s.wsManager.AddClient(conn)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.WithFields(logrus.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"path":       r.URL.Path,
				}).Errorf("[ERROR] Unhandled panic: %v", rec)
				jsonError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"remote":     r.RemoteAddr,
			"duration":   time.Since(start).String(),
		}).Debug("[HTTP] request")
	})
}

// writeError maps queue errors to HTTP responses. Internal details are only logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	var ve *queue.ValidationError
	switch {
	case errors.As(err, &ve):
		jsonError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, queue.ErrNotFound):
		jsonError(w, http.StatusNotFound, notFound)
	case errors.Is(err, queue.ErrInvalidTransition):
		jsonResponse(w, http.StatusConflict, map[string]string{
			"error":   "Invalid status transition",
			"message": err.Error(),
		})
	default:
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("[ERROR] Request failed")
		jsonError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		jsonError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	jsonResponse(w, code, map[string]string{"error": msg})
}
