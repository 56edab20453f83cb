package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	flag "github.com/spf13/pflag"
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type session struct {
	conn   *websocket.Conn
	nextID int
	// notifications seen while waiting for responses, by method
	seen map[string][]json.RawMessage
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func (s *session) call(ctx context.Context, method string, params any) rpcMessage {
	s.nextID++
	req := rpcMessage{JSONRPC: "2.0", ID: s.nextID, Method: method, Params: params}
	fmt.Printf(">> %s\n", mustJSON(req))
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		fail("write failed: %v", err)
	}
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, s.conn, &raw); err != nil {
			fail("read failed: %v", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			fail("bad frame %s: %v", raw, err)
		}
		if msg.ID == nil {
			s.record(raw, msg.Method)
			continue
		}
		fmt.Printf("<< %s\n", raw)
		return msg
	}
}

func (s *session) record(raw json.RawMessage, method string) {
	var n struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &n)
	s.seen[method] = append(s.seen[method], n.Params)
}

// await reads until a notification for method matches want.
func (s *session) await(ctx context.Context, method string, want func(json.RawMessage) bool) json.RawMessage {
	for _, p := range s.seen[method] {
		if want(p) {
			return p
		}
	}
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, s.conn, &raw); err != nil {
			fail("waiting for %s: %v", method, err)
		}
		var msg rpcMessage
		_ = json.Unmarshal(raw, &msg)
		if msg.ID != nil {
			continue
		}
		s.record(raw, msg.Method)
		if msg.Method == method {
			var n struct {
				Params json.RawMessage `json:"params"`
			}
			_ = json.Unmarshal(raw, &n)
			if want(n.Params) {
				fmt.Printf("<~ %s\n", raw)
				return n.Params
			}
		}
	}
}

func stateIs(id, state string) func(json.RawMessage) bool {
	return func(p json.RawMessage) bool {
		var ev struct {
			TaskID   string `json:"task_id"`
			NewState string `json:"new_state"`
		}
		return json.Unmarshal(p, &ev) == nil && ev.TaskID == id && ev.NewState == state
	}
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	token := flag.String("token", "", "gateway auth token")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fail("expected missing-auth dial to fail but it succeeded")
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fail("expected 401 for missing auth, got response=%v err=%v", unauthResp, unauthErr)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}},
	})
	if err != nil {
		fail("authorized dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	s := &session{conn: conn, seen: map[string][]json.RawMessage{}}

	run := fmt.Sprintf("verify-%d", time.Now().UnixNano())

	if resp := s.call(ctx, "task.start", map[string]any{"id": run + "-early", "code": "1"}); resp.Error == nil || resp.Error.Code != -32600 {
		fail("expected handshake-required error (-32600) before system.hello")
	}
	if resp := s.call(ctx, "system.hello", map[string]any{"version": "1.0"}); resp.Error != nil {
		fail("system.hello failed: %s", resp.Error.Message)
	}

	sum := run + "-sum"
	if resp := s.call(ctx, "task.start", map[string]any{"id": sum, "code": "20 + 22"}); resp.Error != nil {
		fail("task.start failed: %s", resp.Error.Message)
	}
	s.await(ctx, "task.state_changed", stateIs(sum, "completed"))
	resp := s.call(ctx, "task.get", map[string]any{"id": sum})
	var snap struct {
		ReturnValue *string `json:"return_value"`
	}
	if resp.Error != nil || json.Unmarshal(resp.Result, &snap) != nil || snap.ReturnValue == nil || *snap.ReturnValue != "42" {
		fail("expected return_value 42 for %s", sum)
	}
	fmt.Println("TASK_CHECK return value ok")

	gated := run + "-gated"
	code := "s, err := pow.Getenv(\"HOME\")\nif err != nil {\n\tpanic(err)\n}\ns\n"
	if resp := s.call(ctx, "task.start", map[string]any{"id": gated, "code": code}); resp.Error != nil {
		fail("task.start failed: %s", resp.Error.Message)
	}
	s.await(ctx, "permission.requested", func(p json.RawMessage) bool {
		var ev struct {
			TaskID string `json:"task_id"`
		}
		return json.Unmarshal(p, &ev) == nil && ev.TaskID == gated
	})
	if resp := s.call(ctx, "permission.respond", map[string]any{"id": gated, "response": "deny"}); resp.Error != nil {
		fail("permission.respond failed: %s", resp.Error.Message)
	}
	s.await(ctx, "task.state_changed", stateIs(gated, "failed"))
	fmt.Println("PERMISSION_CHECK denied request fails task")

	if resp := s.call(ctx, "db.execute", map[string]any{"query": "CREATE TABLE IF NOT EXISTS verify_kv (k TEXT PRIMARY KEY, v INTEGER)"}); resp.Error != nil {
		fail("db.execute failed: %s", resp.Error.Message)
	}
	if resp := s.call(ctx, "db.execute", map[string]any{
		"query":  "INSERT OR REPLACE INTO verify_kv (k, v) VALUES (?, ?)",
		"params": []any{map[string]any{"Text": run}, map[string]any{"Integer": 7}},
	}); resp.Error != nil {
		fail("db.execute insert failed: %s", resp.Error.Message)
	}
	resp = s.call(ctx, "db.query", map[string]any{
		"query":  "SELECT v FROM verify_kv WHERE k = ?",
		"params": []any{map[string]any{"Text": run}},
	})
	if resp.Error != nil || !strings.Contains(string(resp.Result), `{"Integer":7}`) {
		fail("db.query did not return the inserted row")
	}
	fmt.Println("DATASTORE_CHECK round trip ok")

	if resp := s.call(ctx, "task.clear_completed", nil); resp.Error != nil {
		fail("task.clear_completed failed: %s", resp.Error.Message)
	}
	fmt.Println("VERDICT PASS")
}
