package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stagefeed/internal/domain/schema"
)

// SSEEventName is the event field attached to every stage frame.
const SSEEventName = "stage"

// SSETransport writes frames as text/event-stream.
type SSETransport struct {
	mu sync.Mutex
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSETransport prepares w for streaming and sends the response headers.
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	rc := http.NewResponseController(w)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("sse flush unsupported: %w", err)
	}
	return &SSETransport{w: w, rc: rc}, nil
}

// WriteEvent writes one stage frame carrying the event id.
func (t *SSETransport) WriteEvent(ctx context.Context, evt schema.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.ID, err)
	}
	frame := fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", evt.ID, SSEEventName, data)
	return t.write(ctx, frame)
}

// WriteHeartbeat writes a comment frame that clients ignore.
func (t *SSETransport) WriteHeartbeat(ctx context.Context) error {
	return t.write(ctx, ": heartbeat\n\n")
}

func (t *SSETransport) write(ctx context.Context, frame string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("sse write deadline: %w", err)
		}
	}
	if _, err := t.w.Write([]byte(frame)); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	if err := t.rc.Flush(); err != nil {
		return fmt.Errorf("sse flush: %w", err)
	}
	return nil
}
