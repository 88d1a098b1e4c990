package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Realtime constants.
const (
	heartbeatInterval  = 25 * time.Second
	reconnectBackoff   = 5 * time.Second
	realtimeSocketPath = "/realtime/v1/websocket"
)

// Notification is a change pushed by the backend for a subscribed table.
// ParentID is the affected record's parent reference when the payload carries
// one, allowing a reconciliation pass scoped to that parent.
type Notification struct {
	Table    string
	RecordID string
	ParentID string
}

// realtimeMessage is the wire shape of a change event from the realtime
// channel. Only the fields the engine consumes are decoded.
type realtimeMessage struct {
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Payload struct {
		Record map[string]any `json:"record"`
		Table  string         `json:"table"`
	} `json:"payload"`
}

// channelJoin is the join frame sent per subscribed table.
type channelJoin struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// Listen connects to the backend's realtime websocket, subscribes to change
// events for the given tables, and emits notifications until the context is
// canceled. Connection drops are retried with a fixed backoff; Listen only
// returns on context cancellation.
func (c *Client) Listen(ctx context.Context, tables []string, events chan<- Notification) error {
	wsURL := websocketURL(c.baseURL) + realtimeSocketPath + "?apikey=" + c.creds.APIKey

	for {
		err := c.listenOnce(ctx, wsURL, tables, events)
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("realtime connection lost, reconnecting",
			slog.Duration("backoff", reconnectBackoff),
			slog.String("error", errString(err)),
		)

		if sleepErr := c.sleepFunc(ctx, reconnectBackoff); sleepErr != nil {
			return nil
		}
	}
}

// listenOnce runs a single websocket session: dial, join channels, heartbeat,
// and pump messages until the connection drops or the context is canceled.
func (c *Client) listenOnce(ctx context.Context, wsURL string, tables []string, events chan<- Notification) error {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("remote: dialing realtime socket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	for i, table := range tables {
		join := channelJoin{
			Event: "phx_join",
			Topic: "realtime:public:" + table,
			Payload: map[string]any{
				"config": map[string]any{
					"postgres_changes": []map[string]any{{"event": "*", "schema": "public", "table": table}},
				},
			},
			Ref: fmt.Sprintf("%d", i+1),
		}

		if err := wsjson.Write(ctx, conn, join); err != nil {
			return fmt.Errorf("remote: joining channel for %s: %w", table, err)
		}
	}

	c.logger.Info("realtime subscribed", slog.Int("tables", len(tables)))

	// Heartbeat keeps the channel alive through proxies.
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()

	go c.heartbeat(hbCtx, conn)

	for {
		var msg realtimeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("remote: reading realtime message: %w", err)
		}

		n, ok := decodeNotification(&msg)
		if !ok {
			continue
		}

		select {
		case events <- n:
		case <-ctx.Done():
			return nil
		}
	}
}

// heartbeat sends Phoenix heartbeat frames until the context is canceled.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := channelJoin{Event: "heartbeat", Topic: "phoenix", Payload: map[string]any{}}
			if err := wsjson.Write(ctx, conn, hb); err != nil {
				c.logger.Debug("realtime heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// decodeNotification extracts a Notification from a change message.
// Join acks, heartbeat replies, and system frames are skipped.
func decodeNotification(msg *realtimeMessage) (Notification, bool) {
	switch msg.Event {
	case "INSERT", "UPDATE", "DELETE", "postgres_changes":
	default:
		return Notification{}, false
	}

	table := msg.Payload.Table
	if table == "" {
		table = strings.TrimPrefix(msg.Topic, "realtime:public:")
	}

	n := Notification{Table: table}

	if rec := msg.Payload.Record; rec != nil {
		n.RecordID = stringField(rec, "id")

		for _, fk := range []string{"case_id", "client_id", "stage_id", "invoice_id"} {
			if v := stringField(rec, fk); v != "" {
				n.ParentID = v
				break
			}
		}
	}

	return n, true
}

// stringField returns the string value of a JSON object field, or "".
func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}

	return ""
}

// websocketURL converts an http(s) base URL to its ws(s) equivalent.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// errString formats an error for log fields, tolerating nil.
func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
