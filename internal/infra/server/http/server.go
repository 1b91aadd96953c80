// Package httpserver exposes the stage event stream, history and ingest endpoints over HTTP.
package httpserver

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/stagefeed/errs"
	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/stagefeed/internal/infra/stream"
	"github.com/coachpo/stagefeed/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	eventsPath  = "/events"
	streamPath  = eventsPath + "/stream"
	wsPath      = eventsPath + "/ws"
	historyPath = eventsPath + "/history"
	healthPath  = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options wires the HTTP surface to the bus.
type Options struct {
	Bus            eventbus.Bus
	Stream         *stream.Handler
	DefaultHistory int
	// IngestLimiter admits POST /events requests; nil admits everything.
	IngestLimiter  *rate.Limiter
	AllowedOrigins []string
	Logger         observability.Logger
}

type httpServer struct {
	bus            eventbus.Bus
	stream         *stream.Handler
	defaultHistory int
	limiter        *rate.Limiter
	origins        []string
	logger         observability.Logger
}

// NewHandler creates the HTTP handler for stream, history and ingest operations.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	streamHandler := opts.Stream
	if streamHandler == nil {
		streamHandler = stream.NewHandler(opts.Bus, stream.Config{Logger: logger})
	}
	defaultHistory := opts.DefaultHistory
	if defaultHistory < 0 {
		defaultHistory = stream.DefaultHistory
	}
	server := &httpServer{
		bus:            opts.Bus,
		stream:         streamHandler,
		defaultHistory: defaultHistory,
		limiter:        opts.IngestLimiter,
		origins:        opts.AllowedOrigins,
		logger:         logger,
	}
	mux := http.NewServeMux()

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.ingestEvent,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamSSE,
	}))
	mux.Handle(wsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamWebSocket,
	}))
	mux.Handle(historyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHistory,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))

	return withCORS(mux, server.origins)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// parseStreamRequest validates query parameters before any response bytes are written.
func (s *httpServer) parseStreamRequest(r *http.Request, transport string) (stream.Request, error) {
	query := r.URL.Query()
	history, err := stream.ParseHistory(query.Get("history"), s.defaultHistory)
	if err != nil {
		return stream.Request{}, err
	}
	key := strings.TrimSpace(query.Get("key"))
	scope := eventbus.Scope(strings.ToLower(strings.TrimSpace(query.Get("scope"))))
	switch scope {
	case "":
		scope = eventbus.ScopeGlobal
		if key != "" {
			scope = eventbus.ScopePipeline
		}
	case eventbus.ScopeGlobal:
		key = ""
	case eventbus.ScopePipeline:
		if key == "" {
			return stream.Request{}, errs.New("http/stream", errs.CodeInvalid, errs.WithMessage("key required for pipeline scope"))
		}
	default:
		return stream.Request{}, errs.New("http/stream", errs.CodeInvalid,
			errs.WithMessage("scope must be global or pipeline"),
			errs.WithField("scope", string(scope)))
	}
	return stream.Request{History: history, Scope: scope, PipelineKey: key, Transport: transport}, nil
}

func (s *httpServer) streamSSE(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseStreamRequest(r, "sse")
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set(stream.EpochHeader, s.bus.Epoch())
	transport, err := stream.NewSSETransport(w)
	if err != nil {
		s.logger.Error("http: sse unsupported", observability.Field{Key: "error", Value: err})
		return
	}
	if err := s.stream.Serve(r.Context(), transport, req); err != nil {
		s.logger.Info("http: sse session ended", observability.Field{Key: "error", Value: err})
	}
}

func (s *httpServer) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseStreamRequest(r, "websocket")
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set(stream.EpochHeader, s.bus.Epoch())
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Warn("http: websocket upgrade failed", observability.Field{Key: "error", Value: err})
		return
	}
	// Clients never send application messages; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream.Serve(ctx, stream.NewWebSocketTransport(conn), req); err != nil {
		s.logger.Info("http: websocket session ended", observability.Field{Key: "error", Value: err})
		_ = conn.Close(websocket.StatusTryAgainLater, "stream unavailable")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *httpServer) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.origins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
	}
	opts.OriginPatterns = s.origins
	return opts
}

type historyResponse struct {
	Scope       eventbus.Scope `json:"scope"`
	PipelineKey string         `json:"key,omitempty"`
	Events      []schema.Event `json:"events"`
}

func (s *httpServer) getHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := stream.ParseHistory(query.Get("limit"), s.defaultHistory)
	if err != nil {
		writeErr(w, err)
		return
	}
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		writeJSON(w, http.StatusOK, historyResponse{Scope: eventbus.ScopeGlobal, Events: nonNil(s.bus.Replay(limit))})
		return
	}
	events, ok := s.bus.PipelineReplay(key, limit)
	if !ok {
		writeErr(w, errs.New("http/history", errs.CodeNotFound,
			errs.WithMessage("no history for pipeline"),
			errs.WithField("key", key)))
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Scope: eventbus.ScopePipeline, PipelineKey: key, Events: nonNil(events)})
}

type ingestPayload struct {
	Stage      string      `json:"stage"`
	Status     string      `json:"status"`
	IncidentID string      `json:"incidentId"`
	RequestID  string      `json:"requestId"`
	Message    string      `json:"message"`
	Meta       schema.Meta `json:"meta"`
}

type ingestResponse struct {
	EventID  uint64 `json:"eventId"`
	Accepted bool   `json:"accepted"`
}

func (s *httpServer) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeErr(w, errs.New("http/ingest", errs.CodeRateLimited, errs.WithMessage("ingest rate exceeded")))
		return
	}
	limitRequestBody(w, r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var payload ingestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	evt, accepted := s.bus.Emit(r.Context(), payload.Stage, schema.Status(payload.Status),
		eventbus.WithIncidentID(payload.IncidentID),
		eventbus.WithRequestID(payload.RequestID),
		eventbus.WithMessage(payload.Message),
		eventbus.WithMeta(payload.Meta))
	writeJSON(w, http.StatusAccepted, ingestResponse{EventID: evt.ID, Accepted: accepted})
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": s.bus.Stats()})
}

func nonNil(events []schema.Event) []schema.Event {
	if events == nil {
		return []schema.Event{}
	}
	return events
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsCode(err, errs.CodeInvalid):
		status = http.StatusBadRequest
	case errs.IsCode(err, errs.CodeNotFound):
		status = http.StatusNotFound
	case errs.IsCode(err, errs.CodeRateLimited):
		status = http.StatusTooManyRequests
	case errs.IsCode(err, errs.CodeUnavailable):
		status = http.StatusServiceUnavailable
	}
	status = errs.HTTPStatus(err, status)
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	writeError(w, status, message)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler, origins []string) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
