// Package streamclient consumes the stagefeed event stream and keeps it
// connected across server restarts and network faults. A restarted server
// announces a new epoch, which resets the client's last seen id.
package streamclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/infra/stream"
	"github.com/coachpo/stagefeed/internal/observability"
)

// Transport selects the wire protocol.
type Transport string

const (
	// TransportSSE consumes GET /events/stream.
	TransportSSE Transport = "sse"
	// TransportWebSocket consumes GET /events/ws.
	TransportWebSocket Transport = "websocket"
)

const (
	defaultMaxReconnectInterval = 30 * time.Second
	maxFrameBytes               = 1 << 20
)

// Handler receives each event once, in ascending id order.
type Handler func(schema.Event)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Transport Transport
	// History is the replay depth requested on every (re)connect.
	History     int
	Scope       string
	PipelineKey string

	HTTPClient           *http.Client
	MaxReconnectInterval time.Duration
	Logger               observability.Logger
}

// Client streams events from a stagefeed server.
type Client struct {
	cfg      Config
	endpoint *url.URL
	session  string
	epoch    string
	lastID   atomic.Uint64
	connects atomic.Uint64
}

// New validates cfg and constructs a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportSSE
	}
	if cfg.Transport != TransportSSE && cfg.Transport != TransportWebSocket {
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.History < 0 {
		cfg.History = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Log()
	}

	endpoint := *base
	query := url.Values{}
	query.Set("history", strconv.Itoa(cfg.History))
	if cfg.Scope != "" {
		query.Set("scope", cfg.Scope)
	}
	if cfg.PipelineKey != "" {
		query.Set("key", cfg.PipelineKey)
	}
	endpoint.RawQuery = query.Encode()
	switch cfg.Transport {
	case TransportSSE:
		endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/events/stream"
	case TransportWebSocket:
		endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/events/ws"
		if endpoint.Scheme == "https" {
			endpoint.Scheme = "wss"
		} else {
			endpoint.Scheme = "ws"
		}
	}

	return &Client{cfg: cfg, endpoint: &endpoint, session: uuid.NewString()}, nil
}

// URL returns the stream endpoint the client dials.
func (c *Client) URL() string { return c.endpoint.String() }

// LastEventID returns the highest event id delivered to the handler.
func (c *Client) LastEventID() uint64 { return c.lastID.Load() }

// Connects returns the number of successful connections so far.
func (c *Client) Connects() uint64 { return c.connects.Load() }

// Run streams events into handler until ctx is cancelled, reconnecting with
// exponential backoff. Replayed events already delivered are skipped.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("streamclient: handler required")
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectInterval
	if backoffCfg.InitialInterval > backoffCfg.MaxInterval {
		backoffCfg.InitialInterval = backoffCfg.MaxInterval
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connected, err := c.runOnce(ctx, handler)
		if connected {
			backoffCfg.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.cfg.Logger.Warn("streamclient: stream interrupted",
				observability.Field{Key: "session", Value: c.session},
				observability.Field{Key: "url", Value: c.URL()},
				observability.Field{Key: "error", Value: err})
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *Client) runOnce(ctx context.Context, handler Handler) (bool, error) {
	if c.cfg.Transport == TransportWebSocket {
		return c.runWebSocket(ctx, handler)
	}
	return c.runSSE(ctx, handler)
}

// observeEpoch resets the last seen id when the server's id sequence restarted.
// Only the Run goroutine touches epoch.
func (c *Client) observeEpoch(epoch string) {
	if epoch == "" || epoch == c.epoch {
		return
	}
	if c.epoch != "" {
		c.cfg.Logger.Info("streamclient: server epoch changed, resetting last event id",
			observability.Field{Key: "session", Value: c.session},
			observability.Field{Key: "previous_epoch", Value: c.epoch},
			observability.Field{Key: "epoch", Value: epoch},
			observability.Field{Key: "last_event_id", Value: c.lastID.Load()})
		c.lastID.Store(0)
	}
	c.epoch = epoch
}

func (c *Client) deliver(evt schema.Event, handler Handler) {
	if evt.ID != 0 && evt.ID <= c.lastID.Load() {
		return
	}
	c.lastID.Store(evt.ID)
	handler(evt)
}

func (c *Client) runSSE(ctx context.Context, handler Handler) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if last := c.LastEventID(); last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(last, 10))
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.URL(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("dial %s: unexpected status %d", c.URL(), resp.StatusCode)
	}
	c.observeEpoch(resp.Header.Get(stream.EpochHeader))
	c.connects.Add(1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	var frame sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			frame.add(line)
			continue
		}
		if frame.event == stream.SSEEventName && frame.data.Len() > 0 {
			var evt schema.Event
			if err := json.Unmarshal([]byte(frame.data.String()), &evt); err != nil {
				c.cfg.Logger.Warn("streamclient: undecodable frame",
					observability.Field{Key: "id", Value: frame.id},
					observability.Field{Key: "error", Value: err})
			} else {
				c.deliver(evt, handler)
			}
		}
		frame = sseFrame{}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read stream: %w", err)
	}
	return true, errors.New("stream closed by server")
}

type sseFrame struct {
	id    string
	event string
	data  strings.Builder
}

func (f *sseFrame) add(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "id":
		f.id = value
	case "event":
		f.event = value
	case "data":
		if f.data.Len() > 0 {
			f.data.WriteByte('\n')
		}
		f.data.WriteString(value)
	}
}

func (c *Client) runWebSocket(ctx context.Context, handler Handler) (bool, error) {
	conn, resp, err := websocket.Dial(ctx, c.URL(), &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.URL(), err)
	}
	if resp != nil {
		c.observeEpoch(resp.Header.Get(stream.EpochHeader))
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)
	c.connects.Add(1)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read stream: %w", err)
		}
		var frame stream.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.cfg.Logger.Warn("streamclient: undecodable frame", observability.Field{Key: "error", Value: err})
			continue
		}
		if frame.Type != stream.FrameTypeEvent || frame.Event == nil {
			continue
		}
		c.deliver(*frame.Event, handler)
	}
}
