package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// wsRequest WebSocket 入站帧。
type wsRequest struct {
	// Type 为 chat 或 resume
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Input     string `json:"input,omitempty"`
}

// handleWebSocket 在单个连接上多路处理 chat/resume 请求。
// 同一会话的事件按产生顺序写出。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if !s.allow(req.SessionID) {
			_ = wsjson.Write(ctx, conn, map[string]string{"error": "rate limit exceeded"})
			continue
		}

		if err := s.serveWSRequest(ctx, conn, req); err != nil {
			return
		}
	}
}

func (s *Server) serveWSRequest(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	switch req.Type {
	case "resume":
		input := req.Input
		if input == "" {
			input = req.Message
		}
		events, err := s.engine.Resume(ctx, req.SessionID, input)
		if err != nil {
			return wsjson.Write(ctx, conn, map[string]string{"error": err.Error()})
		}
		for ev := range events {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return err
			}
		}
		return nil

	default: // chat
		sessionID, events, err := s.engine.Submit(ctx, req.SessionID, req.Message)
		if err != nil {
			return wsjson.Write(ctx, conn, map[string]string{"error": err.Error()})
		}
		for ev := range events {
			ev.SessionID = sessionID
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return err
			}
		}
		return nil
	}
}
