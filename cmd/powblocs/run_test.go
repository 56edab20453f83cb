package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/powblocs/internal/bus"
)

func TestParseAnswer(t *testing.T) {
	tests := map[string]string{
		"a\n":     "allow",
		"y":       "allow",
		"Yes":     "allow",
		"A":       "allow_always",
		"always":  "allow_always",
		"d":       "deny",
		"no\n":    "deny",
		"D":       "deny_always",
		"never":   "deny_always",
		" allow ": "allow",
	}
	for in, want := range tests {
		got, ok := parseAnswer(in)
		if !ok || got != want {
			t.Fatalf("parseAnswer(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := parseAnswer("maybe"); ok {
		t.Fatal("expected unrecognized answer")
	}
}

func TestPrompterRetriesThenDeniesOnEOF(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{in: bufio.NewReader(strings.NewReader("maybe\nA\n")), out: &out}
	req := bus.PermissionRequestedEvent{TaskID: "t1", Kind: "file", Access: "read", Descriptor: "/etc/hosts"}

	if got := p.ask(req); got != "allow_always" {
		t.Fatalf("first ask = %q", got)
	}
	if !strings.Contains(out.String(), `unrecognized answer "maybe"`) {
		t.Fatalf("missing retry notice: %q", out.String())
	}
	if got := p.ask(req); got != "deny" {
		t.Fatalf("ask at EOF = %q, want deny", got)
	}
}

func TestPrompterRelayOnlyAnswersOwnTask(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{out: &out, fixed: "allow"}
	events := make(chan bus.Event, 3)
	events <- bus.Event{Topic: bus.TopicPermissionRequested, Payload: bus.PermissionRequestedEvent{TaskID: "other"}}
	events <- bus.Event{Topic: bus.TopicTaskEvent, Payload: bus.TaskEvent{TaskID: "mine", Name: "progress", Data: `{"n":1}`}}
	events <- bus.Event{Topic: bus.TopicPermissionRequested, Payload: bus.PermissionRequestedEvent{TaskID: "mine", Kind: "env", Access: "read", Descriptor: "HOME"}}
	close(events)

	var responded []string
	p.relay(context.Background(), events, "mine", func(id, tag string) error {
		responded = append(responded, id+"="+tag)
		return nil
	})
	if len(responded) != 1 || responded[0] != "mine=allow" {
		t.Fatalf("responded = %v", responded)
	}
	if !strings.Contains(out.String(), `event progress {"n":1}`) {
		t.Fatalf("task event not echoed: %q", out.String())
	}
}

func writeScript(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.go")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func runScript(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("POWBLOCS_HOME", t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := runRunCommand(ctx, args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRunCommand_ReturnsValue(t *testing.T) {
	path := writeScript(t, "6 * 7\n")
	code, stdout, stderr := runScript(t, "", path)
	if code != 0 {
		t.Fatalf("exit %d, stderr %q", code, stderr)
	}
	if strings.TrimSpace(stdout) != "42" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunRunCommand_PromptAllowed(t *testing.T) {
	data := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(data, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := writeScript(t, `s, err := pow.ReadFile(`+"`"+data+"`"+`)
if err != nil {
	panic(err)
}
s
`)
	code, stdout, stderr := runScript(t, "a\n", script)
	if code != 0 {
		t.Fatalf("exit %d, stderr %q", code, stderr)
	}
	if strings.TrimSpace(stdout) != `"hello"` {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "wants read access to file") {
		t.Fatalf("prompt not shown: %q", stderr)
	}
}

func TestRunRunCommand_PromptDenied(t *testing.T) {
	script := writeScript(t, `s, err := pow.ReadFile("/etc/hostname")
if err != nil {
	panic(err)
}
s
`)
	code, _, stderr := runScript(t, "", "--answer", "deny", script)
	if code != 1 {
		t.Fatalf("exit %d, want 1; stderr %q", code, stderr)
	}
	if !strings.Contains(stderr, "failed") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunRunCommand_Usage(t *testing.T) {
	if code, _, _ := runScript(t, ""); code != 2 {
		t.Fatalf("no file: exit %d, want 2", code)
	}
	if code, _, _ := runScript(t, "", "--answer", "perhaps", "x.go"); code != 2 {
		t.Fatalf("bad answer: exit %d, want 2", code)
	}
	if code, _, _ := runScript(t, "", filepath.Join(t.TempDir(), "missing.go")); code != 1 {
		t.Fatalf("missing file: exit %d, want 1", code)
	}
}
