package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// Watch connects to the server's live call-event tap and delivers each
// observed call as a CallEvent. The channel closes when the connection
// drops or ctx is cancelled. Servers without a tap endpoint return an
// error immediately.
func (c *HTTPClient) Watch(ctx context.Context) (<-chan types.CallEvent, error) {
	if c.opts.EventsEndpoint == "" {
		return nil, fmt.Errorf("no events endpoint configured for this server")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := make(map[string][]string)
	switch c.opts.Auth.Type {
	case "bearer":
		header["Authorization"] = []string{"Bearer " + c.opts.Auth.Key}
	case "api_key":
		name := c.opts.Auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		header[name] = []string{c.opts.Auth.Key}
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.EventsEndpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial events endpoint: %w", err)
	}

	ch := make(chan types.CallEvent, 64)
	go func() {
		defer close(ch)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("call event stream closed", "error", err)
				}
				return
			}
			var ev types.CallEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("malformed call event", "error", err)
				continue
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
