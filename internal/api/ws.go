package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hydrowatch/backend/internal/hub"
)

// Origin policy: in production (HW_ENV=production) only origins in
// HW_ALLOWED_ORIGINS are accepted; everywhere else all origins pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
)

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("HW_ENV")
	allowedRaw := os.Getenv("HW_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		slog.Warn("HW_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// handleWebSocket streams hub events to the client. ?topics=a,b limits
// the stream; no parameter subscribes to everything.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			topics = append(topics, strings.TrimSpace(t))
		}
	}

	sub, err := s.subscribe(topics)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// subscribe wraps hub.Subscribe, converting its unknown-topic panic
// into an error for the client.
func (s *Server) subscribe(topics []string) (sub *hub.Subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "unknown topic"}
		}
	}()
	return s.hub.Subscribe(topics...), nil
}

// writePump owns all writes on the connection: events and pings.
func (s *Server) writePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and tears down on disconnect.
func (s *Server) readPump(conn *websocket.Conn, sub *hub.Subscription) {
	defer func() {
		sub.Unsubscribe()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
