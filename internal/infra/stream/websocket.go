package stream

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/stagefeed/internal/domain/schema"
)

// Frame types carried in WebSocket messages.
const (
	FrameTypeEvent     = "event"
	FrameTypeHeartbeat = "heartbeat"
)

// Frame is the JSON envelope of every WebSocket message.
type Frame struct {
	Type  string        `json:"type"`
	ID    uint64        `json:"id,omitempty"`
	Event *schema.Event `json:"event,omitempty"`
}

// WebSocketTransport writes frames as JSON text messages.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// WriteEvent writes one event frame.
func (t *WebSocketTransport) WriteEvent(ctx context.Context, evt schema.Event) error {
	return t.write(ctx, Frame{Type: FrameTypeEvent, ID: evt.ID, Event: &evt})
}

// WriteHeartbeat writes a heartbeat frame.
func (t *WebSocketTransport) WriteHeartbeat(ctx context.Context) error {
	return t.write(ctx, Frame{Type: FrameTypeHeartbeat})
}

func (t *WebSocketTransport) write(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}
