package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-schedd/internal/executor"
)

func TestNewCommandExecutor_RequiresCommand(t *testing.T) {
	if _, err := executor.NewCommandExecutor("  ", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandExecutor_PassesTaskEnvironment(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.txt")
	ex, err := executor.NewCommandExecutor(`printf '%s|%s|%s|%s' "$SCHEDD_SCHEDULED_TASK_ID" "$SCHEDD_TASK_ID" "$SCHEDD_SESSION_ID" "$SCHEDD_ATTEMPT" > env.txt`, dir)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	req := executor.Request{ScheduledTaskID: "st-1", TaskID: "t-1", SessionID: "s-1", Attempt: 2}
	if err := ex.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := string(raw); got != "st-1|t-1|s-1|2" {
		t.Fatalf("env = %q", got)
	}
}

func TestCommandExecutor_FailureCarriesOutputTail(t *testing.T) {
	ex, _ := executor.NewCommandExecutor(`echo "disk full"; echo "password=hunter2hunter2" >&2; exit 3`, "")
	err := ex.Execute(context.Background(), executor.Request{TaskID: "t-1"})
	if err == nil {
		t.Fatal("expected failure")
	}
	msg := err.Error()
	if !strings.Contains(msg, "exit status 3") || !strings.Contains(msg, "disk full") {
		t.Fatalf("error = %q", msg)
	}
	if strings.Contains(msg, "hunter2hunter2") {
		t.Fatalf("secret leaked: %q", msg)
	}
}

func TestCommandExecutor_StopsOnCancel(t *testing.T) {
	ex, _ := executor.NewCommandExecutor("sleep 10", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ex.Execute(ctx, executor.Request{TaskID: "t-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("command outlived its context")
	}
}

func TestFunc_AdaptsFunction(t *testing.T) {
	var got executor.Request
	var ex executor.Executor = executor.Func(func(_ context.Context, req executor.Request) error {
		got = req
		return nil
	})
	if err := ex.Execute(context.Background(), executor.Request{TaskID: "t-9"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.TaskID != "t-9" {
		t.Fatalf("request = %+v", got)
	}
}
