package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/purpleroc/mcp-security-inspector/internal/events"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

type streamFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// streamEvents upgrades to a websocket and forwards broker events. The
// optional ?topics= query restricts the subscription, comma-separated.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}

	var topics []events.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, events.Topic(t))
			}
		}
	}

	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// Auth already ran in the middleware; the inspector is a local tool.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.broker.Subscribe(streamBuffer, topics...)
	defer a.broker.Unsubscribe(sub.ID)

	// Reader goroutine: we never expect client frames, but reading drives
	// close and pong handling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(streamFrame{Topic: string(ev.Topic), Payload: ev.Payload}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
