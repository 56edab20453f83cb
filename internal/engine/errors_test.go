package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/basket/powblocs/internal/permission"
	"github.com/basket/powblocs/internal/sandbox"
	"github.com/basket/powblocs/internal/taskstore"
)

func TestClassifyFailure(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithTimeout(context.Background(), 0)
	defer cancel2()
	<-expired.Done()

	denied := &permission.DeniedError{Response: permission.DenyOnce, Source: permission.SourceOperator}
	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want taskstore.ErrorKind
	}{
		{"success", context.Background(), nil, ""},
		{"stopped", cancelled, errors.New("ignored"), taskstore.ErrorCancelled},
		{"timeout", expired, nil, taskstore.ErrorTimeout},
		{"denied", context.Background(), fmt.Errorf("wrapped: %w", denied), taskstore.ErrorPermissionDenied},
		{"script", context.Background(), &sandbox.ExecutionError{Engine: "script", Phase: sandbox.PhaseRun, Err: errors.New("boom")}, taskstore.ErrorSandboxExecution},
		{"no engine", context.Background(), sandbox.ErrNoEngine, taskstore.ErrorSandboxExecution},
		{"other", context.Background(), errors.New("disk on fire"), taskstore.ErrorInternal},
	}
	for _, tc := range cases {
		got := classifyFailure(tc.ctx, tc.err)
		if tc.want == "" {
			if got != nil {
				t.Fatalf("%s: expected nil, got %+v", tc.name, got)
			}
			continue
		}
		if got == nil || got.Kind != tc.want {
			t.Fatalf("%s: got %+v, want kind %s", tc.name, got, tc.want)
		}
	}
}

func TestTaskErr(t *testing.T) {
	if err := TaskErr(taskstore.Snapshot{ID: "t1", State: taskstore.StateCompleted}); err != nil {
		t.Fatalf("completed task: %v", err)
	}
	cases := map[taskstore.ErrorKind]error{
		taskstore.ErrorCancelled:        ErrTaskCancelled,
		taskstore.ErrorPermissionDenied: ErrPermissionDenied,
		taskstore.ErrorSandboxExecution: ErrSandboxExecution,
		taskstore.ErrorTimeout:          ErrTaskTimeout,
		taskstore.ErrorInternal:         ErrInternal,
	}
	for kind, want := range cases {
		snap := taskstore.Snapshot{ID: "t1", State: taskstore.StateFailed, Error: &taskstore.TaskError{Kind: kind, Message: "x"}}
		if err := TaskErr(snap); !errors.Is(err, want) {
			t.Fatalf("%s: got %v, want %v", kind, err, want)
		}
	}
}
