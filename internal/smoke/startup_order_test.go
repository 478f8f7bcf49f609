package smoke

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func buildSchedBinary(t *testing.T) string {
	t.Helper()
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "schedd")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/schedd")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func cli(t *testing.T, bin string, env []string, args ...string) []byte {
	t.Helper()
	cmd := exec.Command(bin, append([]string{"-json"}, args...)...)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("schedd %s: %v\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return out
}

func TestSmoke_DaemonRunsScheduledTaskAndDrains(t *testing.T) {
	bin := buildSchedBinary(t)
	home := t.TempDir()
	marker := filepath.Join(home, "ran")
	env := append(os.Environ(),
		"SCHEDD_HOME="+home,
		"SCHEDD_POLL_INTERVAL=100ms",
		`SCHEDD_EXECUTOR_COMMAND=echo "$SCHEDD_SCHEDULED_TASK_ID" >> `+marker,
	)

	cli(t, bin, env, "task", "add", "-id", "t-1", "smoke")
	cli(t, bin, env, "session", "add", "-id", "s-1", "smoke")
	var st struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(cli(t, bin, env, "schedule", "-task", "t-1", "-session", "s-1", "-in", "1s"), &st); err != nil {
		t.Fatalf("decode schedule output: %v", err)
	}

	daemon := exec.Command(bin, "run")
	daemon.Env = env
	var out bytes.Buffer
	daemon.Stdout = &out
	daemon.Stderr = &out
	if err := daemon.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	defer func() { _ = daemon.Process.Kill() }()

	deadline := time.Now().Add(15 * time.Second)
	for {
		data, _ := os.ReadFile(marker)
		if strings.TrimSpace(string(data)) == st.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduled task never executed\noutput=%s", out.String())
		}
		time.Sleep(100 * time.Millisecond)
	}

	var shown struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	for {
		if err := json.Unmarshal(cli(t, bin, env, "show", st.ID), &shown); err != nil {
			t.Fatalf("decode show output: %v", err)
		}
		if shown.Task.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want completed", shown.Task.Status)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := daemon.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal daemon: %v", err)
	}
	if err := daemon.Wait(); err != nil {
		t.Fatalf("daemon exit: %v\noutput=%s", err, out.String())
	}

	logData, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	for _, msg := range []string{"schedd starting", "scheduler started", "scheduled task completed", "scheduler drained cleanly"} {
		if !strings.Contains(string(logData), `"msg":"`+msg+`"`) {
			t.Fatalf("missing %q in logs\nlogs=%s", msg, logData)
		}
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildSchedBinary(t)
	home := t.TempDir()

	cmd := exec.Command(bin, "run")
	cmd.Env = append(os.Environ(), "SCHEDD_HOME="+home, "SCHEDD_EXECUTOR_COMMAND=")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure without an executor command")
	}

	logData, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	combined := string(logData) + "\n" + out.String()
	for _, want := range []string{`"reason_code":"E_EXECUTOR_MISSING"`, `"msg":"startup failure"`, `"component":"runtime"`} {
		if !strings.Contains(combined, want) {
			t.Fatalf("expected %s in output/logs\ncombined=%s", want, combined)
		}
	}
}
