// Package server exposes the workflow engine over HTTP and WebSocket.
// This package is internal and should not be imported by external projects.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/service"
	"github.com/BaSui01/edwflow/types"
)

// Config 服务器配置。
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Server HTTP 服务器，聊天接口以 NDJSON 流式返回事件。
type Server struct {
	config     Config
	engine     *service.Engine
	metrics    *metrics.Collector
	logger     *zap.Logger
	httpServer *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates the server with its route table.
func New(config Config, engine *service.Engine, collector *metrics.Collector,
	logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   config,
		engine:   engine,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "http_server")),
		limiters: make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/resume", s.handleResume)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start blocks serving requests until Shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// chatRequest 聊天与恢复请求体。
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Input     string `json:"input,omitempty"`
}

// allow 执行会话级限流。
func (s *Server) allow(sessionID string) bool {
	s.mu.Lock()
	if s.config.RateLimitPerSec <= 0 {
		s.mu.Unlock()
		return true
	}
	limiter, ok := s.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.RateLimitPerSec), s.config.RateLimitBurst)
		s.limiters[sessionID] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// SetRateLimit 热更新会话限流参数，已建立的限流器按新参数重建。
func (s *Server) SetRateLimit(perSec float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.RateLimitPerSec = perSec
	s.config.RateLimitBurst = burst
	s.limiters = make(map[string]*rate.Limiter)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.allow(req.SessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sessionID, events, err := s.engine.Submit(r.Context(), req.SessionID, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamNDJSON(w, r, sessionID, events)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	input := req.Input
	if input == "" {
		input = req.Message
	}
	if !s.allow(req.SessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	events, err := s.engine.Resume(r.Context(), req.SessionID, input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamNDJSON(w, r, req.SessionID, events)
}

// streamNDJSON 把事件流按行写出，每行一个 JSON 事件。
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request,
	sessionID string, events <-chan types.OutboundEvent) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("client stream closed", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if r.Context().Err() != nil {
			return
		}
	}
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if !s.engine.CloseSession(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"closed":     true,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.engine.Sessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
