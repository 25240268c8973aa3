package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shizukutanaka/dagminer/internal/mining"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
)

// streamMessage is one frame of the progress stream.
type streamMessage struct {
	Type      string                 `json:"type"`
	Progress  mining.WorkingProgress `json:"progress"`
	Solutions mining.SolutionStats   `json:"solutions"`
	Timestamp time.Time              `json:"timestamp"`
}

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      checkOrigin(s.config.AllowOrigins),
	}
}

// checkOrigin allows any origin unless a list is configured.
func checkOrigin(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// handleStream pushes progress and solution counters every stream interval
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("Stream client connected", zap.String("remote", r.RemoteAddr))

	// The read loop only drains control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.StreamInterval)
	defer ticker.Stop()

	for {
		msg := streamMessage{
			Type:      "progress",
			Progress:  s.deps.Observer.MiningProgress(),
			Solutions: s.deps.Observer.SolutionStats(),
			Timestamp: time.Now(),
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("Stream write failed", zap.Error(err))
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
			return
		}

		select {
		case <-closed:
			s.logger.Debug("Stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
