package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// StreamEvent is one frame from the server's live event stream.
type StreamEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Stream connects to the websocket event stream and delivers frames until
// ctx is cancelled or the connection drops. The returned channel is closed
// on exit.
func (c *Client) Stream(ctx context.Context, topics ...string) (<-chan StreamEvent, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/stream"

	q := u.Query()
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	if c.apiKey != "" {
		// Websocket handshakes go through the same auth middleware; the
		// key rides in the query because dialers cannot set it per-message.
		q.Set("api_key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		}()
		for {
			var ev StreamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
