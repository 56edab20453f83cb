package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/datastore"
	"github.com/basket/powblocs/internal/engine"
	"github.com/basket/powblocs/internal/gateway"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/sandbox/script"
	"github.com/basket/powblocs/internal/taskstore"
	"github.com/basket/powblocs/internal/telemetry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const gatewayTestAuthToken = "gateway-test-token"

type testGateway struct {
	srv *httptest.Server
	gw  *gateway.Server
	eng *engine.Engine
}

func newTestGateway(t *testing.T, mutate func(*gateway.Config)) *testGateway {
	t.Helper()
	b := bus.New()
	store := taskstore.New(b)
	gate := permission.NewGate(permission.Options{Bus: b, Logger: telemetry.Discard()})
	caps := &sandbox.Capabilities{WorkDir: t.TempDir()}
	eng := engine.New(store, gate, []sandbox.Engine{script.New(script.Config{Caps: caps})}, engine.Config{
		Bus:    b,
		Logger: telemetry.Discard(),
	})
	ds := datastore.New(datastore.Options{
		Path:   filepath.Join(t.TempDir(), "powblocs.db"),
		Logger: telemetry.Discard(),
	})
	cfg := gateway.Config{
		Engine:            eng,
		Datastore:         ds,
		Bus:               b,
		Logger:            telemetry.Discard(),
		AuthToken:         gatewayTestAuthToken,
		ConfigFingerprint: "cfg-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		gw.Close()
		eng.Drain(500 * time.Millisecond)
		_ = ds.Close()
	})
	return &testGateway{srv: srv, gw: gw, eng: eng}
}

func connectWS(t *testing.T, serverURL string, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + token},
		}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+serverURL[len("http"):]+"/ws", dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

// wsClient keeps notifications that arrive while a call waits for its response.
type wsClient struct {
	conn  *websocket.Conn
	notes []rpcResp
}

func dialClient(t *testing.T, serverURL string) *wsClient {
	t.Helper()
	return &wsClient{conn: connectWS(t, serverURL, gatewayTestAuthToken)}
}

// call sends a request and returns its response.
func (c *wsClient) call(t *testing.T, id int, method string, params any) rpcResp {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, rpcReq{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		var resp rpcResp
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if resp.Method != "" {
			c.notes = append(c.notes, resp)
			continue
		}
		if fmt.Sprint(resp.ID) != fmt.Sprint(id) {
			t.Fatalf("response id = %v, want %d", resp.ID, id)
		}
		return resp
	}
}

func (c *wsClient) hello(t *testing.T) {
	t.Helper()
	resp := c.call(t, 1000, "system.hello", map[string]any{"version": "1.0"})
	if resp.Error != nil {
		t.Fatalf("hello error: %+v", resp.Error)
	}
}

// waitNotification returns the first notification for method whose params
// satisfy match, looking at buffered notifications before reading more.
func (c *wsClient) waitNotification(t *testing.T, method string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	check := func(msg rpcResp) (map[string]any, bool) {
		if msg.Method != method {
			return nil, false
		}
		var params map[string]any
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.Fatalf("decode %s params: %v", method, err)
		}
		return params, match == nil || match(params)
	}
	for i, msg := range c.notes {
		if params, ok := check(msg); ok {
			c.notes = append(c.notes[:i:i], c.notes[i+1:]...)
			return params
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg rpcResp
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			t.Fatalf("waiting for %s notification: %v", method, err)
		}
		if params, ok := check(msg); ok {
			return params
		}
	}
}

func (c *wsClient) waitTaskState(t *testing.T, id string, want taskstore.State) taskstore.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	reqID := 5000
	for time.Now().Before(deadline) {
		reqID++
		resp := c.call(t, reqID, "task.get", map[string]any{"id": id})
		if resp.Error != nil {
			t.Fatalf("task.get: %+v", resp.Error)
		}
		var snap taskstore.Snapshot
		if err := json.Unmarshal(resp.Result, &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.State == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return taskstore.Snapshot{}
}

func TestGateway_WSRejectsMissingOrInvalidAuth(t *testing.T) {
	tg := newTestGateway(t, nil)
	wsURL := "ws" + tg.srv.URL[len("http"):] + "/ws"

	for _, token := range []string{"", "wrong-token"} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		opts := &websocket.DialOptions{}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		_, resp, err := websocket.Dial(ctx, wsURL, opts)
		cancel()
		if err == nil {
			t.Fatalf("token %q: expected dial failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %+v", token, resp)
		}
	}
}

func TestGateway_MutatingRequiresHandshake(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)

	resp := c.call(t, 1, "task.start", map[string]any{"id": "t1", "code": "42"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected handshake error, got %+v", resp)
	}
	if _, err := tg.eng.TaskState("t1"); err == nil {
		t.Fatal("task must not be created before handshake")
	}

	// Reads are allowed without the handshake.
	resp = c.call(t, 2, "task.list", nil)
	if resp.Error != nil {
		t.Fatalf("task.list: %+v", resp.Error)
	}
}

func TestGateway_StartAndGetTask(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	resp := c.call(t, 1, "task.start", map[string]any{"id": "t1", "action_name": "noop", "code": "42"})
	if resp.Error != nil {
		t.Fatalf("task.start: %+v", resp.Error)
	}
	snap := c.waitTaskState(t, "t1", taskstore.StateCompleted)
	if snap.ReturnValue == nil || *snap.ReturnValue != "42" {
		t.Fatalf("return value = %v, want 42", snap.ReturnValue)
	}
	if snap.ActionName != "noop" {
		t.Fatalf("action name = %q", snap.ActionName)
	}

	resp = c.call(t, 2, "task.list", nil)
	var list struct {
		Tasks []taskstore.Snapshot `json:"tasks"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected list: %+v", list.Tasks)
	}

	resp = c.call(t, 3, "task.clear_completed", nil)
	var cleared struct {
		Cleared []string `json:"cleared"`
	}
	if err := json.Unmarshal(resp.Result, &cleared); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if len(cleared.Cleared) != 1 || cleared.Cleared[0] != "t1" {
		t.Fatalf("cleared = %v", cleared.Cleared)
	}
	resp = c.call(t, 4, "task.get", map[string]any{"id": "t1"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeTaskNotFound {
		t.Fatalf("expected not found after clear, got %+v", resp)
	}
}

func TestGateway_ErrorCodes(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	resp := c.call(t, 1, "task.start", map[string]any{"id": "dup", "code": "for {}"})
	if resp.Error != nil {
		t.Fatalf("first start: %+v", resp.Error)
	}
	cases := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"duplicate id", "task.start", map[string]any{"id": "dup", "code": "1"}, gateway.ErrCodeDuplicateTask},
		{"unknown task", "task.get", map[string]any{"id": "missing"}, gateway.ErrCodeTaskNotFound},
		{"stop unknown", "task.stop", map[string]any{"id": "missing"}, gateway.ErrCodeTaskNotFound},
		{"bad response tag", "permission.respond", map[string]any{"id": "dup", "response": "maybe"}, gateway.ErrCodeInvalidResponse},
		{"missing code", "task.start", map[string]any{"id": "x"}, gateway.ErrCodeInvalidParams},
		{"empty id", "task.get", map[string]any{"id": ""}, gateway.ErrCodeInvalidParams},
		{"extra field", "task.stop", map[string]any{"id": "dup", "force": true}, gateway.ErrCodeInvalidParams},
		{"bad value tag", "db.query", map[string]any{"query": "select ?", "params": []any{map[string]any{"Bool": true}}}, gateway.ErrCodeInvalidParams},
		{"unknown method", "task.rewind", nil, gateway.ErrCodeMethodNotFound},
	}
	for i, tc := range cases {
		resp := c.call(t, 10+i, tc.method, tc.params)
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %+v", tc.name, tc.code, resp)
		}
	}

	resp = c.call(t, 50, "task.stop", map[string]any{"id": "dup"})
	if resp.Error != nil {
		t.Fatalf("stop: %+v", resp.Error)
	}
	c.waitTaskState(t, "dup", taskstore.StateCancelled)
}

func TestGateway_PermissionPromptFlow(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	resp := c.call(t, 1, "task.start", map[string]any{"id": "t1", "code": `pow.ReadFile("/etc/passwd")`})
	if resp.Error != nil {
		t.Fatalf("task.start: %+v", resp.Error)
	}
	params := c.waitNotification(t, bus.TopicPermissionRequested, func(p map[string]any) bool {
		return p["task_id"] == "t1"
	})
	if params["kind"] != string(permission.KindFile) {
		t.Fatalf("kind = %v, want file", params["kind"])
	}
	if !strings.Contains(fmt.Sprint(params["descriptor"]), "/etc/passwd") {
		t.Fatalf("descriptor = %v", params["descriptor"])
	}

	resp = c.call(t, 2, "permission.pending", nil)
	if !strings.Contains(string(resp.Result), "/etc/passwd") {
		t.Fatalf("pending prompts = %s", resp.Result)
	}

	resp = c.call(t, 3, "permission.respond", map[string]any{"id": "t1", "response": "deny"})
	if resp.Error != nil {
		t.Fatalf("respond: %+v", resp.Error)
	}
	c.waitNotification(t, bus.TopicTaskStateChanged, func(p map[string]any) bool {
		return p["task_id"] == "t1" && p["state"] == string(taskstore.StateFailed)
	})
	snap := c.waitTaskState(t, "t1", taskstore.StateFailed)
	if snap.Error == nil || snap.Error.Kind != taskstore.ErrorPermissionDenied {
		t.Fatalf("error = %+v, want permission_denied", snap.Error)
	}
}

func TestGateway_TaskEventNotification(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	resp := c.call(t, 1, "task.start", map[string]any{"id": "t1", "code": `pow.Send("progress", map[string]int{"done": 3})`})
	if resp.Error != nil {
		t.Fatalf("task.start: %+v", resp.Error)
	}
	params := c.waitNotification(t, bus.TopicTaskEvent, nil)
	if params["task_id"] != "t1" || params["name"] != "progress" {
		t.Fatalf("unexpected event params: %+v", params)
	}
	data, _ := params["data"].(map[string]any)
	if data["done"] != float64(3) {
		t.Fatalf("event data = %+v", params["data"])
	}
}

func TestGateway_DatastoreRoundTrip(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	resp := c.call(t, 1, "db.execute", map[string]any{"query": "CREATE TABLE notes (id INTEGER, body TEXT)"})
	if resp.Error != nil {
		t.Fatalf("create: %+v", resp.Error)
	}
	resp = c.call(t, 2, "db.execute", map[string]any{
		"query":  "INSERT INTO notes (id, body) VALUES (?, ?)",
		"params": []any{map[string]any{"Integer": 7}, map[string]any{"Text": "hello"}},
	})
	if resp.Error != nil {
		t.Fatalf("insert: %+v", resp.Error)
	}
	resp = c.call(t, 3, "db.query", map[string]any{
		"query":  "SELECT id, body, NULL FROM notes WHERE id = ?",
		"params": []any{map[string]any{"Integer": 7}},
	})
	if resp.Error != nil {
		t.Fatalf("query: %+v", resp.Error)
	}
	want := `{"rows":[[{"Integer":7},{"Text":"hello"},"Null"]]}`
	if string(resp.Result) != want {
		t.Fatalf("rows = %s, want %s", resp.Result, want)
	}

	resp = c.call(t, 4, "db.query", map[string]any{"query": "SELECT * FROM missing_table"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected invalid statement error, got %+v", resp)
	}
}

func TestGateway_SystemStatus(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)

	resp := c.call(t, 1, "system.status", nil)
	if resp.Error != nil {
		t.Fatalf("status: %+v", resp.Error)
	}
	var status struct {
		Healthy    bool          `json:"healthy"`
		ConfigHash string        `json:"config_hash"`
		Engine     engine.Status `json:"engine"`
		Clients    int           `json:"clients"`
	}
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Healthy || status.ConfigHash != "cfg-test" || status.Clients != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGateway_NotificationWithoutIDGetsNoResponse(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := dialClient(t, tg.srv.URL)
	c.hello(t)

	ctx := context.Background()
	if err := wsjson.Write(ctx, c.conn, rpcReq{JSONRPC: "2.0", Method: "task.start", Params: map[string]any{"id": "quiet", "code": "1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The next response on the wire belongs to the follow-up call.
	resp := c.call(t, 7, "task.list", nil)
	if resp.Error != nil {
		t.Fatalf("task.list: %+v", resp.Error)
	}
	if _, err := tg.eng.TaskState("quiet"); err != nil {
		t.Fatalf("notification-style start should still run: %v", err)
	}
}

func TestRESTTasksRequireAuth(t *testing.T) {
	tg := newTestGateway(t, nil)
	for _, path := range []string{"/api/tasks", "/api/tasks/t1", "/metrics"} {
		resp, err := http.Get(tg.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func authedGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestRESTTasks(t *testing.T) {
	tg := newTestGateway(t, nil)
	if err := tg.eng.StartTask(context.Background(), "t1", "", "", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tg.eng.WaitTask(ctx, "t1"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp, body := authedGet(t, tg.srv.URL+"/api/tasks?state=completed")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", resp.StatusCode, body)
	}
	var list struct {
		Tasks []taskstore.Snapshot `json:"tasks"`
		Total int                  `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || list.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected list: %s", body)
	}

	_, body = authedGet(t, tg.srv.URL+"/api/tasks?state=running")
	if !strings.Contains(string(body), `"total":0`) {
		t.Fatalf("running filter should be empty: %s", body)
	}

	resp, body = authedGet(t, tg.srv.URL+"/api/tasks/t1")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"return_value":"42"`) {
		t.Fatalf("get t1: %d %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), `"code"`) {
		t.Fatalf("snapshot must not expose code: %s", body)
	}

	resp, _ = authedGet(t, tg.srv.URL+"/api/tasks/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthzEndpointContract(t *testing.T) {
	tg := newTestGateway(t, nil)
	resp, err := http.Get(tg.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"healthy", "db_ok", "policy_version", "uptime_seconds"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("healthz missing %q: %+v", key, payload)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, nil)
	resp, body := authedGet(t, tg.srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, metric := range []string{
		"powblocs_active_tasks",
		`powblocs_tasks{state="awaiting_permission"}`,
		"powblocs_pending_prompts",
		"powblocs_permission_deny_total",
	} {
		if !strings.Contains(string(body), metric) {
			t.Fatalf("metrics missing %s:\n%s", metric, body)
		}
	}
}

func TestGateway_RateLimitApplies(t *testing.T) {
	tg := newTestGateway(t, func(cfg *gateway.Config) {
		cfg.RateLimitPerMinute = 1
		cfg.RateLimitBurst = 2
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := authedGet(t, tg.srv.URL+"/api/tasks")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v", codes)
	}
	// Health checks are never throttled.
	resp, err := http.Get(tg.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz throttled: %d", resp.StatusCode)
	}
}
