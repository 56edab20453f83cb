package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/powblocs/internal/bus"
	"github.com/basket/powblocs/internal/config"
	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/taskstore"
	"github.com/basket/powblocs/internal/telemetry"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
)

// runRunCommand runs a single script to completion without the gateway.
// Permission prompts are put to the terminal.
func runRunCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "task id (default: generated)")
	action := fs.String("action", "", "action name passed to the script")
	data := fs.String("data", "", "action data passed to the script")
	answer := fs.String("answer", "", "answer every prompt with this response instead of asking (allow, allow_always, deny, deny_always)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: powblocs run [flags] <file>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	if *answer != "" {
		if _, err := permission.ParseResponse(*answer); err != nil {
			fmt.Fprintf(stderr, "--answer: %v\n", err)
			return 2
		}
	}

	code, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read script: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	taskID := *id
	if taskID == "" {
		taskID = "run-" + uuid.NewString()[:8]
	}

	sub := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(sub)
	p := &prompter{in: bufio.NewReader(stdin), out: stderr, fixed: *answer}
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go p.relay(relayCtx, sub.Ch(), taskID, a.engine.RespondToPermissionPrompt)

	if err := a.engine.StartTask(ctx, taskID, *action, *data, string(code)); err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}
	snap, err := a.engine.WaitTask(ctx, taskID)
	if err != nil {
		// Interrupted: cancel the task and give it a moment to settle.
		_ = a.engine.StopTask(context.Background(), taskID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		snap, _ = a.engine.WaitTask(waitCtx, taskID)
		cancel()
	}
	return report(snap, stdout, stderr)
}

func report(snap taskstore.Snapshot, stdout, stderr io.Writer) int {
	switch snap.State {
	case taskstore.StateCompleted:
		if snap.ReturnValue != nil {
			fmt.Fprintln(stdout, *snap.ReturnValue)
		}
		return 0
	case taskstore.StateFailed:
		msg := "unknown error"
		if snap.Error != nil {
			msg = snap.Error.Error()
		}
		fmt.Fprintf(stderr, "task %s failed: %s\n", snap.ID, msg)
		return 1
	default:
		fmt.Fprintf(stderr, "task %s %s\n", snap.ID, snap.State)
		return 1
	}
}

// prompter answers permission requests from a line-oriented reader.
type prompter struct {
	in    *bufio.Reader
	out   io.Writer
	fixed string // non-empty: answer every prompt with this tag
}

func (p *prompter) relay(ctx context.Context, events <-chan bus.Event, taskID string, respond func(id, tag string) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.Payload.(type) {
			case bus.PermissionRequestedEvent:
				if e.TaskID != taskID {
					continue
				}
				if err := respond(e.TaskID, p.ask(e)); err != nil {
					fmt.Fprintf(p.out, "respond: %v\n", err)
				}
			case bus.TaskEvent:
				if e.TaskID == taskID {
					fmt.Fprintf(p.out, "event %s %s\n", e.Name, e.Data)
				}
			}
		}
	}
}

// ask blocks for an answer. End of input denies.
func (p *prompter) ask(req bus.PermissionRequestedEvent) string {
	question := fmt.Sprintf("%s wants %s access to %s %s", req.TaskID, req.Access, req.Kind, req.Descriptor)
	if p.fixed != "" {
		fmt.Fprintf(p.out, "%s: %s\n", question, p.fixed)
		return p.fixed
	}
	for {
		fmt.Fprintf(p.out, "%s\n  [a]llow  [A]llow always  [d]eny  [D]eny always > ", question)
		line, err := p.in.ReadString('\n')
		if tag, ok := parseAnswer(line); ok {
			return tag
		}
		if err != nil {
			fmt.Fprintln(p.out)
			return "deny"
		}
		fmt.Fprintf(p.out, "unrecognized answer %q\n", strings.TrimSpace(line))
	}
}

// parseAnswer maps terminal input to a response tag. Case matters for the
// single-letter forms.
func parseAnswer(line string) (string, bool) {
	s := strings.TrimSpace(line)
	switch s {
	case "a", "y":
		return "allow", true
	case "A":
		return "allow_always", true
	case "d", "n":
		return "deny", true
	case "D":
		return "deny_always", true
	}
	switch strings.ToLower(s) {
	case "allow", "yes":
		return "allow", true
	case "always", "allow_always":
		return "allow_always", true
	case "deny", "no":
		return "deny", true
	case "never", "deny_always":
		return "deny_always", true
	}
	return "", false
}
