// Package gateway exposes the agent runtime over HTTP: a server-sent
// event stream for conversations, an approval endpoint, health, and
// Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metagen-ai/metagen/internal/config"
	"github.com/metagen-ai/metagen/internal/manager"
	"github.com/metagen-ai/metagen/pkg/models"
)

// Server is the HTTP front of the runtime.
type Server struct {
	manager *manager.Manager
	config  *config.Config
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a gateway over a running manager.
func NewServer(m *manager.Manager, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: m,
		config:  cfg,
		logger:  logger.With("component", "gateway"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /approval-response", s.handleApproval)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

// Addr returns the bound listen address, useful when the configured
// port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// handleChatStream accepts one user message and streams the resulting
// conversation as server-sent events until the final response. Each
// event's data payload is one models.Message encoded as JSON.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The stream must exist before the message is submitted, otherwise
	// early messages race the queue registration.
	stream := s.manager.StreamSession(r.Context(), req.SessionID)

	if err := s.manager.Submit(r.Context(), models.NewUserMessage(req.SessionID, req.Content)); err != nil {
		writeError(w, http.StatusServiceUnavailable, "submit failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", req.SessionID)
	flusher.Flush()

	for msg := range stream {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("message encoding failed", "type", string(msg.Type), "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

type approvalRequest struct {
	SessionID string `json:"session_id"`
	ToolID    string `json:"tool_id"`
	Decision  string `json:"decision"`
	Feedback  string `json:"feedback"`
}

// handleApproval routes a user's approval decision to the agent waiting
// on it.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "session_id and tool_id are required")
		return
	}

	var decision models.ApprovalDecision
	switch req.Decision {
	case string(models.DecisionApproved):
		decision = models.DecisionApproved
	case string(models.DecisionRejected):
		decision = models.DecisionRejected
	default:
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	msg := models.NewApprovalResponse(req.SessionID, req.ToolID, decision, req.Feedback)
	if err := s.manager.Submit(r.Context(), msg); err != nil {
		writeError(w, http.StatusServiceUnavailable, "submit failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
