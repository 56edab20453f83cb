// Package gateway exposes the engine over HTTP: JSON-RPC 2.0 on a WebSocket
// plus a small read-only REST surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/basket/powblocs/internal/audit"
	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/engine"
	"github.com/basket/powblocs/internal/otel"
	"github.com/basket/powblocs/internal/policy"
	"github.com/basket/powblocs/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid          = 1000
	ErrCodeDuplicateTask    = 1001
	ErrCodeTaskNotFound     = 1004
	ErrCodeInvalidResponse  = 1005
	ErrCodeStoreUnavailable = 5030
	ErrCodeShuttingDown     = 5031
)

type Config struct {
	Engine    *engine.Engine
	Datastore *datastore.Client
	Bus       *bus.Bus
	Policy    policy.Checker
	Audit     *audit.Trail
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by system.status.
	ConfigFingerprint string

	// RateLimitPerMinute throttles each caller; 0 disables.
	RateLimitPerMinute int
	RateLimitBurst     int
	MaxRequestBytes    int64
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	validator *paramValidator
	limiter   *RateLimiter
	started   time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	sub       *bus.Subscription
	stopEvent context.CancelFunc
	eventDone chan struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
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

// New builds the server and starts forwarding bus events to connected
// clients. Close stops the forwarder.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = cfg.Engine.Bus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	validator, err := newParamValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		validator: validator,
		limiter:   NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		started:   time.Now(),
		clients:   map[*client]struct{}{},
		eventDone: make(chan struct{}),
	}
	if cfg.Bus != nil {
		s.sub = cfg.Bus.Subscribe("")
		ctx, cancel := context.WithCancel(context.Background())
		s.stopEvent = cancel
		go s.forwardBusEvents(ctx)
	} else {
		close(s.eventDone)
	}
	return s, nil
}

// Close stops event forwarding. Open connections end when the HTTP server
// shuts down.
func (s *Server) Close() {
	if s.stopEvent != nil {
		s.stopEvent()
		s.cfg.Bus.Unsubscribe(s.sub)
	}
	<-s.eventDone
}

// StartEviction prunes idle rate limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Datastore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Datastore.Ping(ctx); err != nil {
			dbOK = false
		}
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": policyVersion,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := s.cfg.Engine.Status()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var denies int64
	if s.cfg.Audit != nil {
		denies = s.cfg.Audit.DenyCount()
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP powblocs_active_tasks Number of task workers holding a run slot.\n")
	fmt.Fprintf(w, "# TYPE powblocs_active_tasks gauge\n")
	fmt.Fprintf(w, "powblocs_active_tasks %d\n", st.ActiveTasks)
	fmt.Fprintf(w, "# HELP powblocs_tasks Number of tasks in the store by state.\n")
	fmt.Fprintf(w, "# TYPE powblocs_tasks gauge\n")
	for _, state := range []string{"pending", "running", "awaiting_permission", "completed", "failed", "cancelled"} {
		fmt.Fprintf(w, "powblocs_tasks{state=%q} %d\n", state, st.Tasks[state])
	}
	fmt.Fprintf(w, "# HELP powblocs_pending_prompts Outstanding permission prompts.\n")
	fmt.Fprintf(w, "# TYPE powblocs_pending_prompts gauge\n")
	fmt.Fprintf(w, "powblocs_pending_prompts %d\n", st.PendingPrompts)
	fmt.Fprintf(w, "# HELP powblocs_permission_deny_total Total denied permission requests.\n")
	fmt.Fprintf(w, "# TYPE powblocs_permission_deny_total counter\n")
	fmt.Fprintf(w, "powblocs_permission_deny_total %d\n", denies)
	fmt.Fprintf(w, "# HELP powblocs_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE powblocs_alloc_bytes gauge\n")
	fmt.Fprintf(w, "powblocs_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	return tokenMatches(ExtractToken(r), s.cfg.AuthToken)
}

func isMutatingMethod(method string) bool {
	switch method {
	case "task.start", "task.stop", "task.clear_completed", "permission.respond", "db.execute":
		return true
	default:
		return false
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
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc."+req.Method, otel.AttrRPCMethod.String(req.Method))
	defer span.End()
	start := time.Now()

	result, rpcErr := s.dispatch(ctx, c, req)

	if m := s.cfg.Metrics; m != nil {
		m.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrRPCMethod.String(req.Method)))
	}
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		s.logger.Debug("ws: request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message,
			"trace_id", shared.TraceID(ctx))
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	if err := s.validator.validate(req.Method, req.Params); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	eng := s.cfg.Engine

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return map[string]any{
			"protocol":      "powblocs",
			"version":       otel.Version,
			"supported_min": "1.0",
			"supported_max": "1.0",
		}, nil

	case "system.status":
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		policyVersion := ""
		if s.cfg.Policy != nil {
			policyVersion = s.cfg.Policy.PolicyVersion()
		}
		dbInitialized := false
		if s.cfg.Datastore != nil {
			dbInitialized = s.cfg.Datastore.Initialized()
		}
		return map[string]any{
			"healthy":        true,
			"engine":         eng.Status(),
			"db_initialized": dbInitialized,
			"policy_version": policyVersion,
			"config_hash":    s.cfg.ConfigFingerprint,
			"memory_alloc":   mem.Alloc,
			"clients":        s.clientCount(),
			"time_unix":      time.Now().Unix(),
		}, nil

	case "task.start":
		var p struct {
			ID         string `json:"id"`
			ActionName string `json:"action_name"`
			ActionData string `json:"action_data"`
			Code       string `json:"code"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
		}
		if err := eng.StartTask(ctx, p.ID, p.ActionName, p.ActionData, p.Code); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"id": p.ID}, nil

	case "task.stop":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
		}
		if err := eng.StopTask(ctx, p.ID); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"id": p.ID}, nil

	case "task.get":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
		}
		snap, err := eng.TaskState(p.ID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return snap, nil

	case "task.list":
		return map[string]any{"tasks": eng.ListTasks()}, nil

	case "task.clear_completed":
		ids := eng.ClearCompletedTasks()
		if ids == nil {
			ids = []string{}
		}
		return map[string]any{"cleared": ids}, nil

	case "permission.respond":
		var p struct {
			ID       string `json:"id"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
		}
		if err := eng.RespondToPermissionPrompt(p.ID, p.Response); err != nil {
			return nil, toRPCError(err)
		}
		return map[string]any{"id": p.ID}, nil

	case "permission.pending":
		return map[string]any{"requests": eng.PendingPrompts()}, nil

	case "db.query", "db.execute":
		if s.cfg.Datastore == nil {
			return nil, &rpcError{Code: ErrCodeStoreUnavailable, Message: "data store not configured"}
		}
		var p struct {
			Query  string            `json:"query"`
			Params []datastore.Value `json:"params"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
		if req.Method == "db.execute" {
			if err := s.cfg.Datastore.Execute(ctx, p.Query, p.Params); err != nil {
				return nil, dbError(err)
			}
			return map[string]any{"ok": true}, nil
		}
		rows, err := s.cfg.Datastore.Query(ctx, p.Query, p.Params)
		if err != nil {
			return nil, dbError(err)
		}
		if rows == nil {
			rows = [][]datastore.Value{}
		}
		return map[string]any{"rows": rows}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
}

// dbError reports statement failures as caller errors; only an unavailable
// store is a server condition.
func dbError(err error) *rpcError {
	if errors.Is(err, engine.ErrStoreUnavailable) {
		return toRPCError(err)
	}
	return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
}

// toRPCError maps engine and data store errors onto the app error codes.
func toRPCError(err error) *rpcError {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, engine.ErrDuplicateTaskID):
		code = ErrCodeDuplicateTask
	case errors.Is(err, engine.ErrTaskNotFound):
		code = ErrCodeTaskNotFound
	case errors.Is(err, engine.ErrInvalidResponseTag):
		code = ErrCodeInvalidResponse
	case errors.Is(err, engine.ErrStoreUnavailable):
		code = ErrCodeStoreUnavailable
	case errors.Is(err, engine.ErrEngineClosed):
		code = ErrCodeShuttingDown
	}
	return &rpcError{Code: code, Message: err.Error()}
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

// forwardBusEvents relays task and permission events to every connected
// client as JSON-RPC notifications named after the topic.
func (s *Server) forwardBusEvents(ctx context.Context) {
	defer close(s.eventDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			params, ok := notificationParams(ev)
			if !ok {
				continue
			}
			s.broadcast(ev.Topic, params)
		}
	}
}

func notificationParams(ev bus.Event) (map[string]any, bool) {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return map[string]any{"task_id": p.TaskID, "old_state": p.OldState, "state": p.NewState}, true
	case bus.TaskEvent:
		data := json.RawMessage("null")
		if json.Valid([]byte(p.Data)) {
			data = json.RawMessage(p.Data)
		}
		return map[string]any{"task_id": p.TaskID, "name": p.Name, "data": data}, true
	case bus.TaskReapedEvent:
		return map[string]any{"task_ids": p.TaskIDs}, true
	case bus.PermissionRequestedEvent:
		return map[string]any{
			"task_id":    p.TaskID,
			"kind":       p.Kind,
			"access":     p.Access,
			"descriptor": p.Descriptor,
			"scope":      p.Scope,
		}, true
	case bus.PermissionResolvedEvent:
		return map[string]any{
			"task_id":    p.TaskID,
			"kind":       p.Kind,
			"descriptor": p.Descriptor,
			"response":   p.Response,
			"source":     p.Source,
		}, true
	case bus.PolicyReloadedEvent:
		return map[string]any{"policy_version": p.PolicyVersion}, true
	default:
		return nil, false
	}
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.write(ctx, rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Warn("ws: broadcast write error", "method", method, "error", err)
		}
		cancel()
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// --- REST API handlers ---

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stateFilter := r.URL.Query().Get("state")
	tasks := s.cfg.Engine.ListTasks()
	if stateFilter != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == stateFilter {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	snap, err := s.cfg.Engine.TaskState(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
