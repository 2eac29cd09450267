// Package gateway serves the message contract of the browser extension over
// WebSocket JSON-RPC and a flat HTTP endpoint, and hosts the OAuth callback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/clickup"
	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/flow"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/reconcile"
	"github.com/basket/taskbridge/internal/session"
	"github.com/basket/taskbridge/internal/shared"
	"github.com/basket/taskbridge/internal/telemetry"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid          = 1000
	ErrCodeNotAuthenticated = 4010
	ErrCodeRateLimited      = 4290
	ErrCodeRemote           = 5020
)

var (
	errUnknownAction = errors.New("unknown action")
	errWSOnly        = errors.New("action requires a WebSocket connection")
)

// paramsError is a request that failed decoding or its schema.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

type Config struct {
	Store   *persistence.Store
	Links   *persistence.LinkStore
	Session *session.Manager
	Flow    *flow.Service
	Pages   *reconcile.Pages
	Bus     *bus.Bus

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, reported by
	// /healthz and getStatus.
	ConfigFingerprint string

	CORS            config.CORSConfig
	RateLimit       config.RateLimitConfig
	MaxRequestBytes int64
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	schemas *validator
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	pagesMu sync.Mutex
	owners  map[string]*client
}

type client struct {
	conn *websocket.Conn
	key  string
	mu   sync.Mutex

	subMu       sync.Mutex
	patches     chan bus.PagePatchEvent
	patchCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New compiles the action schemas and builds the server.
func New(cfg Config) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		schemas: schemas,
		auth:    NewAuthMiddleware(cfg.AuthToken),
		clients: map[*client]struct{}{},
		owners:  map[string]*client{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if s.metrics == nil {
		s.metrics = otel.NopMetrics()
	}
	s.limiter = NewRateLimitMiddleware(cfg.RateLimit, s.metrics)
	return s, nil
}

// Start runs the background loops: bucket eviction and session change
// broadcasts. They stop with ctx.
func (s *Server) Start(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(bus.TopicSessionChanged)
	go func() {
		defer s.cfg.Bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if p, ok := ev.Payload.(bus.SessionChangedEvent); ok {
					s.broadcast("session.changed", map[string]any{
						"authenticated": p.Authenticated,
						"username":      p.Username,
					})
				}
			}
		}
	}()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(r.Context()) == nil
	pages := 0
	if s.cfg.Pages != nil {
		pages = s.cfg.Pages.Count()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"authenticated":      s.cfg.Session != nil && s.cfg.Session.Authenticated(),
		"pages":              pages,
		"clients":            s.clientCount(),
		"audit_failures":     audit.FailureCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var stats reconcile.Stats
	pages := 0
	if s.cfg.Pages != nil {
		stats = s.cfg.Pages.Stats()
		pages = s.cfg.Pages.Count()
	}
	threads := 0
	if s.cfg.Links != nil {
		threads = len(s.cfg.Links.Get(r.Context()))
	}
	var dropped int64
	if s.cfg.Bus != nil {
		dropped = s.cfg.Bus.Dropped()
	}

	payload := map[string]any{
		"reconcile":          stats,
		"pages":              pages,
		"clients":            s.clientCount(),
		"linked_threads":     threads,
		"rate_limit_buckets": s.limiter.BucketCount(),
		"bus_dropped":        dropped,
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	// Page snapshots are far larger than the library's 32KiB default.
	if s.cfg.MaxRequestBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxRequestBytes)
	} else {
		conn.SetReadLimit(10 * 1024 * 1024)
	}

	c := &client{conn: conn, key: callerKey(r)}
	s.addClient(c)
	s.logger.Info("ws: client connected", "clients", s.clientCount())
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("ws: read error, closing", "error", err)
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if !s.limiter.Allow(ctx, c.key) {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeRateLimited, Message: "rate limit exceeded; retry later"},
		}
	}

	result, err := s.dispatch(ctx, c, Action(req.Method), req.Params)
	if !hasID {
		return nil
	}
	if err != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErrorFor(err)}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// handleMessage serves the flat envelope {"action": name, ...fields}. The
// answer is the action's result, or {"error": message}, always with 200.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeJSON(w, errorBody("invalid request body"))
		return
	}
	var action string
	if err := json.Unmarshal(envelope["action"], &action); err != nil || action == "" {
		writeJSON(w, errorBody("missing action"))
		return
	}
	delete(envelope, "action")
	params, err := json.Marshal(envelope)
	if err != nil {
		writeJSON(w, errorBody("invalid request body"))
		return
	}

	result, err := s.dispatch(r.Context(), nil, Action(action), params)
	if err != nil {
		writeJSON(w, errorBody(rpcErrorFor(err).Message))
		return
	}
	writeJSON(w, result)
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>taskbridge</title></head>
<body style="font-family: sans-serif; margin: 3em">
{{if .OK}}<h2>Connected to ClickUp</h2>
<p>Signed in{{with .User}} as {{.}}{{end}}. You can close this tab.</p>
{{else}}<h2>Sign-in failed</h2>
<p>{{.Message}}</p>{{end}}
</body></html>
`))

// handleOAuthCallback finishes the authorization code flow the provider
// redirected the browser into.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	logger := telemetry.ForRequest(ctx, s.logger)
	q := r.URL.Query()

	view := struct {
		OK      bool
		User    string
		Message string
	}{}
	status := http.StatusOK
	if reason := q.Get("error"); reason != "" {
		view.Message = "The authorization was not granted: " + reason
		status = http.StatusBadRequest
		audit.Record(ctx, "oauth.complete", audit.OutcomeFailed, reason, "")
	} else if st, err := s.cfg.Session.CompleteOAuth(ctx, q.Get("code"), q.Get("state")); err != nil {
		logger.Warn("oauth callback failed", "error", err)
		view.Message = err.Error()
		status = http.StatusBadRequest
	} else {
		view.OK = true
		if st.User != nil {
			view.User = st.User.Username
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, view); err != nil {
		logger.Error("render oauth callback", "error", err)
	}
}

// dispatch runs one action under its own trace id and server span. Panics
// are converted to internal errors.
func (s *Server) dispatch(ctx context.Context, c *client, action Action, params json.RawMessage) (result any, err error) {
	spec, ok := actions[action]
	if !ok {
		return nil, errUnknownAction
	}
	if spec.wsOnly && c == nil {
		return nil, errWSOnly
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAction(ctx, string(action))
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway."+string(action), otel.AttrAction.String(string(action)))
	logger := telemetry.ForRequest(ctx, s.logger)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("action panicked", "panic", rec, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("internal error in %s", action)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Info("action failed", "code", rpcErrorFor(err).Code, "error", err)
		} else {
			logger.Debug("action served", "duration_ms", time.Since(start).Milliseconds())
		}
		s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otel.AttrAction.String(string(action)),
			otel.AttrOutcome.String(outcome),
		))
		span.End()
	}()

	if err := s.schemas.validate(action, params); err != nil {
		return nil, err
	}
	return spec.handle(ctx, s, c, params)
}

// rpcErrorFor maps an action error onto the app error taxonomy.
func rpcErrorFor(err error) *rpcError {
	var pe *paramsError
	var ce *clickup.Error
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &pe):
		return &rpcError{Code: ErrCodeInvalid, Message: pe.msg}
	case flow.IsValidation(err),
		errors.Is(err, session.ErrOAuthNotConfigured),
		errors.Is(err, session.ErrStateMismatch),
		errors.Is(err, session.ErrMissingCode),
		errors.Is(err, errPageOwned),
		errors.Is(err, errUnknownPage):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	case errors.Is(err, session.ErrNotAuthenticated):
		return &rpcError{Code: ErrCodeNotAuthenticated, Message: "Not authenticated"}
	case errors.Is(err, errUnknownAction), errors.Is(err, errWSOnly):
		return &rpcError{Code: ErrCodeMethodNotFound, Message: err.Error()}
	case errors.As(err, &ce), errors.As(err, &re):
		return &rpcError{Code: ErrCodeRemote, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.logger.Info("ws: broadcast", "method", method, "clients", len(s.clients))
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

// removeClient closes the client's pages, then stops its patch forwarder.
func (s *Server) removeClient(c *client) {
	s.releaseClientPages(c)

	c.subMu.Lock()
	if c.patchCancel != nil {
		c.patchCancel()
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}
