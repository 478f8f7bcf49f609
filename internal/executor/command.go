package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-schedd/internal/shared"
)

const maxOutputTail = 2 * 1024

// CommandExecutor runs a shell command per attempt. The task identity is
// passed in SCHEDD_* environment variables. A non-zero exit is a failed
// attempt whose error carries the tail of the command's output.
type CommandExecutor struct {
	Command string
	WorkDir string
	// WaitDelay bounds how long to wait for output pipes after ctx is
	// cancelled and the process is killed.
	WaitDelay time.Duration
}

func NewCommandExecutor(command, workDir string) (*CommandExecutor, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("executor command is required")
	}
	return &CommandExecutor{Command: command, WorkDir: workDir, WaitDelay: 5 * time.Second}, nil
}

func (c *CommandExecutor) Execute(ctx context.Context, req Request) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	cmd.WaitDelay = c.WaitDelay
	cmd.Env = append(os.Environ(),
		"SCHEDD_SCHEDULED_TASK_ID="+req.ScheduledTaskID,
		"SCHEDD_TASK_ID="+req.TaskID,
		"SCHEDD_SESSION_ID="+req.SessionID,
		"SCHEDD_ATTEMPT="+strconv.Itoa(req.Attempt),
		"SCHEDD_TRACE_ID="+shared.TraceID(ctx),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail := outputTail(out.String()); tail != "" {
			return fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), tail)
		}
		return fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return fmt.Errorf("run command: %w", err)
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return shared.Redact(s)
}
