package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/courier/internal/courierr"
	"github.com/h1v3-io/courier/internal/hub"
	"github.com/h1v3-io/courier/internal/logbuf"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf.Buffer.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Service is the interface the API server needs from the hub.
type Service interface {
	Send(ctx context.Context, sender, recipient, content string, priority protocol.Priority) (string, error)
	Broadcast(ctx context.Context, sender, content string, priority protocol.Priority) ([]queue.BroadcastReceipt, error)
	GetStatus(ctx context.Context, id string) (*protocol.Message, error)
	ListMessages(ctx context.Context, filter queue.Filter) ([]*protocol.Message, error)
	RequeueMessage(ctx context.Context, id string) (*protocol.Message, error)

	RegisterAgent(id string) (protocol.Agent, bool, error)
	Agent(id string) (protocol.Agent, bool)
	Agents() []protocol.Agent
	CoordinateStatus() map[string]protocol.CoordinateStatus
	GetNextTask(agentID string) (protocol.Task, bool)

	SubmitTask(task protocol.Task) (protocol.Task, error)
	DistributeTasks(ctx context.Context) (map[string][]protocol.Task, error)
	BalanceWorkloads() map[string][]protocol.Task
	Workloads() map[string][]protocol.Task

	Stats(ctx context.Context) (hub.Stats, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth

	// Webhooks, when set, serves POST /api/webhook/{name}. It does its own
	// per-endpoint auth, so the API key is not required.
	Webhooks http.Handler
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// Server is the courier REST API server.
type Server struct {
	svc    Service
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc Service, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /api/agents", s.requireAuth(s.handleRegisterAgent))
	mux.HandleFunc("GET /api/agents/{id}", s.requireAuth(s.handleGetAgent))
	mux.HandleFunc("GET /api/agents/{id}/next-task", s.requireAuth(s.handleNextTask))
	mux.HandleFunc("GET /api/coordinates", s.requireAuth(s.handleCoordinates))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handlePostMessage))
	mux.HandleFunc("GET /api/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/messages/{id}", s.requireAuth(s.handleGetMessage))
	mux.HandleFunc("POST /api/messages/{id}/requeue", s.requireAuth(s.handleRequeue))
	mux.HandleFunc("POST /api/broadcast", s.requireAuth(s.handleBroadcast))
	mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("POST /api/tasks", s.requireAuth(s.handleSubmitTask))
	mux.HandleFunc("POST /api/tasks/distribute", s.requireAuth(s.handleDistribute))
	mux.HandleFunc("GET /api/workloads", s.requireAuth(s.handleWorkloads))
	mux.HandleFunc("POST /api/workloads/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if cfg.Webhooks != nil {
		mux.Handle("POST /api/webhook/{name}", cfg.Webhooks)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Hub-Signature-256")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "unauthorized", Code: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Agents & coordinates ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Agents())
}

type registerAgentRequest struct {
	ID string `json:"id"`
}

// RegisterAgentResponse is returned by POST /api/agents.
type RegisterAgentResponse struct {
	Agent   protocol.Agent `json:"agent"`
	Created bool           `json:"created"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decode(w, r, &req) {
		return
	}
	agent, created, err := s.svc.RegisterAgent(req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RegisterAgentResponse{Agent: agent, Created: created})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := s.svc.Agent(id)
	if !ok {
		s.writeError(w, courierr.New(courierr.KindNotFound, "api: get agent", "agent %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// NextTaskResponse is returned by GET /api/agents/{id}/next-task. Task is
// null when the agent's workload is empty.
type NextTaskResponse struct {
	AgentID string         `json:"agent_id"`
	Task    *protocol.Task `json:"task"`
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := NextTaskResponse{AgentID: id}
	if task, ok := s.svc.GetNextTask(id); ok {
		resp.Task = &task
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCoordinates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CoordinateStatus())
}

// --- Messages ---

// SendRequest is the body of POST /api/messages. Priority is a band name;
// empty means normal.
type SendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Priority  string `json:"priority,omitempty"`
}

// SendResponse is returned by POST /api/messages.
type SendResponse struct {
	ID     string          `json:"id"`
	Status protocol.Status `json:"status"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	priority, err := protocol.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, courierr.Wrap(courierr.KindValidation, "api: send", err))
		return
	}
	if req.Sender == "" {
		req.Sender = "api"
	}

	id, err := s.svc.Send(r.Context(), req.Sender, req.Recipient, req.Content, priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SendResponse{ID: id, Status: protocol.StatusPending})
}

// BroadcastRequest is the body of POST /api/broadcast.
type BroadcastRequest struct {
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !decode(w, r, &req) {
		return
	}
	priority, err := protocol.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, courierr.Wrap(courierr.KindValidation, "api: broadcast", err))
		return
	}
	if req.Sender == "" {
		req.Sender = "api"
	}

	receipts, err := s.svc.Broadcast(r.Context(), req.Sender, req.Content, priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipts)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{
		Recipient: q.Get("recipient"),
		Sender:    q.Get("sender"),
	}
	if status := q.Get("status"); status != "" {
		st := protocol.Status(status)
		filter.Status = &st
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	msgs, err := s.svc.ListMessages(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.RequeueMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Tasks & workloads ---

// SubmitTaskRequest is the body of POST /api/tasks.
type SubmitTaskRequest struct {
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.svc.SubmitTask(protocol.Task{Description: req.Description, Payload: req.Payload})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.svc.DistributeTasks(r.Context())
	if err != nil {
		s.logger.Error("distribute tasks", "error", err, "agents", len(assignments))
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

func (s *Server) handleWorkloads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Workloads())
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.BalanceWorkloads())
}

// --- Logs ---

// logAttrParams are query parameters matched directly against log attrs.
var logAttrParams = []string{"agent", "component", "id", "job"}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}
	q := r.URL.Query()

	f := logbuf.Filter{
		Limit:    200,
		MinLevel: slog.LevelDebug,
		Contains: q.Get("contains"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			s.writeError(w, courierr.New(courierr.KindValidation, "api: logs", "unknown level %q", lvl))
			return
		}
		f.MinLevel = level
	}
	if since := q.Get("since"); since != "" {
		t, err := parseSince(since)
		if err != nil {
			s.writeError(w, courierr.Wrap(courierr.KindValidation, "api: logs", err))
			return
		}
		f.Since = t
	}

	for _, key := range logAttrParams {
		if v := q.Get(key); v != "" {
			setAttr(&f, key, v)
		}
	}
	// attr=key:value for anything else
	for _, kv := range q["attr"] {
		key, v, ok := strings.Cut(kv, ":")
		if !ok || key == "" {
			s.writeError(w, courierr.New(courierr.KindValidation, "api: logs", "attr %q must be key:value", kv))
			return
		}
		setAttr(&f, key, v)
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func setAttr(f *logbuf.Filter, key, value string) {
	if f.Attrs == nil {
		f.Attrs = make(map[string]string)
	}
	f.Attrs[key] = value
}

// parseSince accepts unix milliseconds or RFC 3339.
func parseSince(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("since %q is neither unix millis nor RFC 3339", s)
	}
	return t, nil
}

// --- Helpers ---

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(err error) int {
	switch courierr.KindOf(err) {
	case courierr.KindValidation:
		return http.StatusBadRequest
	case courierr.KindNotFound:
		return http.StatusNotFound
	case courierr.KindConflict, courierr.KindTerminal:
		return http.StatusConflict
	case courierr.KindConfiguration, courierr.KindTransient, courierr.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err, "status", status)
	}
	writeJSON(w, status, ErrorBody{
		Error:     err.Error(),
		Code:      string(courierr.KindOf(err)),
		Retryable: courierr.Retryable(err),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid JSON", Code: string(courierr.KindValidation)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
