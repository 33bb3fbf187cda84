package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsReadLimit    = 4096
)

// 观察者通过 websocket 发送的控制指令。
const (
	commandClearHistory = "clear_history"
	commandScan         = "scan"
)

type command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// replay 返回新订阅者需要先收到的历史连接事件。
func (s *Server) replay(ctx context.Context, log *zap.Logger) [][]byte {
	events, err := s.pipeline.Replay(ctx)
	if err != nil {
		log.Warn("replay history failed", zap.Error(err))
		return nil
	}
	out := make([][]byte, 0, len(events))
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	log := s.log.With(zap.String("subscriber", uuid.NewString()), zap.String("transport", "sse"))
	ch, cleanup := s.broker.Subscribe()
	defer cleanup()
	log.Info("subscriber connected")
	defer log.Info("subscriber disconnected")

	write := func(msg []byte) {
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(msg)
		_, _ = w.Write([]byte("\n\n"))
	}
	for _, msg := range s.replay(r.Context(), log) {
		write(msg)
	}
	flusher.Flush()
	s.pipeline.TriggerScan()

	notify := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			write(msg)
			flusher.Flush()
		case <-notify:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) streamSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应。
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("subscriber", uuid.NewString()), zap.String("transport", "websocket"))
	ch, cleanup := s.broker.Subscribe()
	defer cleanup()
	log.Info("subscriber connected")
	defer log.Info("subscriber disconnected")

	send := func(msgType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(msgType, data)
	}
	for _, msg := range s.replay(r.Context(), log) {
		if err := send(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	s.pipeline.TriggerScan()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readCommands(conn, log)
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := send(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := send(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.done:
			_ = send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readCommands 读取观察者指令直到连接关闭。
// 超过 pongWait 没有任何入站消息或 pong 即视为对端失联。
func (s *Server) readCommands(conn *websocket.Conn, log *zap.Logger) {
	conn.SetReadLimit(wsReadLimit)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(s.pongWait)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = extend()
		if msgType != websocket.TextMessage {
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Debug("invalid command", zap.Error(err))
			continue
		}
		switch cmd.Type {
		case commandClearHistory:
			var req clearRequest
			if len(cmd.Payload) > 0 {
				if err := json.Unmarshal(cmd.Payload, &req); err != nil {
					log.Debug("invalid clear_history payload", zap.Error(err))
					continue
				}
			}
			if err := s.pipeline.ClearHistory(context.Background(), req.duration()); err != nil {
				log.Warn("clear history failed", zap.Error(err))
			}
		case commandScan:
			s.pipeline.TriggerScan()
		default:
			log.Debug("unknown command", zap.String("type", cmd.Type))
		}
	}
}
