package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"command-relay/internal/models"
	"command-relay/internal/queue"
	"command-relay/internal/sysinfo"
)

type commandList struct {
	Commands  []*models.Command `json:"commands"`
	Total     int               `json:"total"`
	Timestamp time.Time         `json:"timestamp"`
}

// SubmitCommand handles command submission from a producer
func (s *Server) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}

	cmd, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]any{
		"success":   true,
		"message":   "Command received and queued",
		"commandId": cmd.ID,
		"timestamp": cmd.SubmittedAt,
	})
}

// PollCommands returns (and, for a named pending poll, claims) commands
func (s *Server) PollCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	res, err := s.queue.Poll(r.Context(), queue.PollRequest{
		ClientID: q.Get("clientId"),
		Status:   models.CommandStatus(q.Get("status")),
		Limit:    limit,
		Types:    splitList(q.Get("types")),
	})
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	jsonResponse(w, http.StatusOK, commandList{
		Commands:  res.Commands,
		Total:     len(res.Commands),
		Timestamp: time.Now().UTC(),
	})
}

// ListCompleted returns terminal commands for the producer, newest first
func (s *Server) ListCompleted(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}

	cmds, err := s.queue.ListCompleted(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	jsonResponse(w, http.StatusOK, commandList{
		Commands:  cmds,
		Total:     len(cmds),
		Timestamp: time.Now().UTC(),
	})
}

// GetCommand returns one command by id
func (s *Server) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.queue.Get(r.Context(), chi.URLParam(r, "commandId"))
	if err != nil {
		s.writeError(w, r, err, "Command not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"command": cmd})
}

// UpdateCommandStatus records a consumer's status report
func (s *Server) UpdateCommandStatus(w http.ResponseWriter, r *http.Request) {
	var rep models.StatusReport
	if !s.decode(w, r, &rep) {
		return
	}

	cmd, changed, err := s.queue.ReportStatus(r.Context(), chi.URLParam(r, "commandId"), rep)
	if err != nil {
		s.writeError(w, r, err, "Command not found")
		return
	}

	msg := "Command status updated"
	if !changed {
		msg = "Command status unchanged"
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"message": msg,
		"command": cmd,
	})
}

// RegisterClient handles consumer registration
func (s *Server) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.queue.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]any{
		"success":  true,
		"message":  "Client registered successfully",
		"clientId": client.ID,
		"client":   client,
	})
}

// ListClients returns public client fields only
func (s *Server) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.queue.ListClients(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"clients": clients,
		"total":   len(clients),
	})
}

// SystemStatus returns aggregate counts and process metrics
func (s *Server) SystemStatus(w http.ResponseWriter, r *http.Request) {
	cmds, clients, err := s.queue.Counts(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	perf, err := sysinfo.Collect(r.Context())
	if err != nil {
		s.log.WithError(err).Debug("[STATUS] Partial process metrics")
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"system": map[string]any{
			"status":    "operational",
			"uptime":    s.queue.Uptime().Seconds(),
			"timestamp": time.Now().UTC(),
		},
		"commands":    cmds,
		"clients":     clients,
		"performance": perf,
	})
}

// Health is the liveness check
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	cmds, clients, err := s.queue.Counts(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"commands":  cmds.Total,
		"clients":   clients.Total,
	})
}

// Index describes the API
func (s *Server) Index(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"name":        "Command Relay API",
		"version":     Version,
		"description": "Relays commands from a producer to polling local clients and reports results back",
		"endpoints": map[string]string{
			"GET /health":                   "Health check",
			"POST /api/commands":            "Submit a command { type, data, priority?, source? }",
			"GET /api/commands":             "Poll commands (?clientId=&status=pending&limit=10&types=a,b); naming a client claims the batch",
			"GET /api/commands/completed":   "Completed and failed commands, newest first (?limit=50)",
			"GET /api/commands/{commandId}": "Get a command and its result",
			"PUT /api/commands/{commandId}": "Report status { status, result?, error? }",
			"POST /api/clients":             "Register a client { name, webhookUrl?, capabilities? }",
			"GET /api/clients":              "List clients",
			"GET /api/status":               "System status and statistics",
			"GET /ws":                       "WebSocket stream of command lifecycle events",
		},
	})
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
