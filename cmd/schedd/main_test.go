package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SCHEDD_HOME", home)
	t.Setenv("SCHEDD_EXECUTOR_COMMAND", "")
	return home
}

// invoke runs the CLI and returns its exit code and stdout.
func invoke(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	if code != 0 {
		t.Logf("schedd %s: exit %d, stderr: %s", strings.Join(args, " "), code, stderr.String())
	}
	return code, stdout.String()
}

func mustInvoke(t *testing.T, into any, args ...string) {
	t.Helper()
	code, out := invoke(t, args...)
	if code != 0 {
		t.Fatalf("schedd %s: exit %d", strings.Join(args, " "), code)
	}
	if into != nil {
		if err := json.Unmarshal([]byte(out), into); err != nil {
			t.Fatalf("decode %q: %v", out, err)
		}
	}
}

type taskJSON struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
}

func TestRun_UsageAndVersion(t *testing.T) {
	setHome(t)
	if code, _ := invoke(t); code != 2 {
		t.Fatalf("no args: exit %d, want 2", code)
	}
	if code, _ := invoke(t, "frobnicate"); code != 2 {
		t.Fatalf("unknown command: exit %d, want 2", code)
	}
	code, out := invoke(t, "version")
	if code != 0 || strings.TrimSpace(out) != Version {
		t.Fatalf("version: exit %d, out %q", code, out)
	}
}

func TestRun_ScheduleShowListCancel(t *testing.T) {
	home := setHome(t)
	mustInvoke(t, nil, "task", "add", "-id", "t-1", "nightly report")
	mustInvoke(t, nil, "session", "add", "-id", "s-1", "ops")

	var st taskJSON
	mustInvoke(t, &st, "schedule", "-task", "t-1", "-session", "s-1", "-in", "1h", "-max-retries", "2")
	if st.ID == "" || st.Status != "pending" || st.MaxRetries != 2 || st.SessionID != "s-1" {
		t.Fatalf("unexpected scheduled task %+v", st)
	}

	var shown struct {
		Task   taskJSON `json:"task"`
		Events []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	mustInvoke(t, &shown, "show", "-events", st.ID)
	if shown.Task.ID != st.ID || len(shown.Events) != 1 || shown.Events[0].EventType != "created" {
		t.Fatalf("unexpected show output %+v", shown)
	}

	var due []taskJSON
	mustInvoke(t, &due, "due")
	if len(due) != 0 {
		t.Fatalf("task due an hour early: %+v", due)
	}

	var listed struct {
		Tasks []taskJSON `json:"tasks"`
		Total int        `json:"total"`
	}
	mustInvoke(t, &listed, "list", "-status", "pending")
	if listed.Total != 1 || len(listed.Tasks) != 1 {
		t.Fatalf("list pending = %+v", listed)
	}

	var res map[string]string
	mustInvoke(t, &res, "cancel", st.ID)
	if res["result"] != "cancelled" {
		t.Fatalf("cancel result = %q", res["result"])
	}
	if code, _ := invoke(t, "cancel", st.ID); code != 1 {
		t.Fatalf("second cancel: exit %d, want 1", code)
	}
	if code, _ := invoke(t, "cancel", "missing"); code != 1 {
		t.Fatalf("cancel unknown id: exit %d, want 1", code)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit trail: %v", err)
	}
	if !strings.Contains(string(raw), `"action":"scheduled_task.cancel"`) {
		t.Fatalf("cancel missing from audit trail:\n%s", raw)
	}

	var counts map[string]int
	mustInvoke(t, &counts, "stats")
	if counts["cancelled"] != 1 || counts["pending"] != 0 {
		t.Fatalf("stats = %v", counts)
	}

	mustInvoke(t, nil, "delete", st.ID)
	if code, _ := invoke(t, "show", st.ID); code != 1 {
		t.Fatalf("show after delete: exit %d, want 1", code)
	}
}

func TestRun_ScheduleRejectsBadInput(t *testing.T) {
	setHome(t)
	mustInvoke(t, nil, "task", "add", "-id", "t-1", "report")

	if code, _ := invoke(t, "schedule"); code != 2 {
		t.Fatalf("missing -task: exit %d, want 2", code)
	}
	if code, _ := invoke(t, "schedule", "-task", "t-1", "-at", "tomorrow-ish"); code != 1 {
		t.Fatalf("bad -at: exit %d, want 1", code)
	}
	if code, _ := invoke(t, "schedule", "-task", "nope"); code != 1 {
		t.Fatalf("unknown task: exit %d, want 1", code)
	}
}

func TestRun_InboxNotifyRead(t *testing.T) {
	setHome(t)
	mustInvoke(t, nil, "session", "add", "-id", "s-1", "ops")

	var n struct {
		ID     string  `json:"id"`
		Type   string  `json:"notification_type"`
		ReadAt *string `json:"read_at"`
	}
	mustInvoke(t, &n, "notify", "-session", "s-1", "-type", "question", "-title", "Deploy?", "-payload", `{"env":"prod"}`)
	if n.ID == "" || n.Type != "question" || n.ReadAt != nil {
		t.Fatalf("unexpected notification %+v", n)
	}
	if code, _ := invoke(t, "notify", "-session", "s-1", "-type", "gossip", "-title", "x"); code != 1 {
		t.Fatalf("bad type: exit %d, want 1", code)
	}

	var inbox struct {
		Unread        int `json:"unread"`
		Notifications []struct {
			ID string `json:"id"`
		} `json:"notifications"`
	}
	mustInvoke(t, &inbox, "inbox", "-session", "s-1", "-unread")
	if inbox.Unread != 1 || len(inbox.Notifications) != 1 {
		t.Fatalf("inbox = %+v", inbox)
	}

	mustInvoke(t, &n, "read", n.ID)
	if n.ReadAt == nil {
		t.Fatal("read_at not set after read")
	}
	firstRead := *n.ReadAt
	mustInvoke(t, &n, "read", n.ID)
	if n.ReadAt == nil || *n.ReadAt != firstRead {
		t.Fatalf("second read changed read_at: %v -> %v", firstRead, n.ReadAt)
	}

	mustInvoke(t, &inbox, "inbox", "-session", "s-1", "-unread")
	if inbox.Unread != 0 || len(inbox.Notifications) != 0 {
		t.Fatalf("inbox after read = %+v", inbox)
	}
	if code, _ := invoke(t, "read", "missing"); code != 1 {
		t.Fatalf("read unknown id: exit %d, want 1", code)
	}

	mustInvoke(t, nil, "dismiss", n.ID)
	if code, _ := invoke(t, "dismiss", n.ID); code != 1 {
		t.Fatalf("second dismiss: exit %d, want 1", code)
	}
}

func TestRun_OnceExecutesDueTasks(t *testing.T) {
	setHome(t)
	mustInvoke(t, nil, "task", "add", "-id", "t-1", "report")
	mustInvoke(t, nil, "session", "add", "-id", "s-1", "ops")
	var st taskJSON
	mustInvoke(t, &st, "schedule", "-task", "t-1", "-session", "s-1", "-at", "now")

	if code, _ := invoke(t, "run", "-once"); code != 1 {
		t.Fatalf("run without executor: exit %d, want 1", code)
	}

	t.Setenv("SCHEDD_EXECUTOR_COMMAND", "true")
	var status struct {
		Claimed   int64 `json:"claimed"`
		Completed int64 `json:"completed"`
	}
	mustInvoke(t, &status, "run", "-once")
	if status.Claimed != 1 || status.Completed != 1 {
		t.Fatalf("run -once status = %+v", status)
	}

	var shown struct {
		Task taskJSON `json:"task"`
	}
	mustInvoke(t, &shown, "show", st.ID)
	if shown.Task.Status != "completed" {
		t.Fatalf("status after run = %s", shown.Task.Status)
	}

	var inbox struct {
		Unread int `json:"unread"`
	}
	mustInvoke(t, &inbox, "inbox", "-session", "s-1")
	if inbox.Unread != 1 {
		t.Fatalf("completion notification missing: unread = %d", inbox.Unread)
	}
}

func TestRun_BackupAndSweep(t *testing.T) {
	home := setHome(t)
	mustInvoke(t, nil, "task", "add", "-id", "t-1", "report")

	dest := home + "/copy.db"
	mustInvoke(t, nil, "backup", dest)
	if code, _ := invoke(t, "backup", dest); code != 1 {
		t.Fatalf("backup over existing file: exit %d, want 1", code)
	}

	var res struct {
		PurgedNotifications int64 `json:"purged_notifications"`
	}
	mustInvoke(t, &res, "sweep")
	if res.PurgedNotifications != 0 {
		t.Fatalf("sweep purged %d notifications from an empty inbox", res.PurgedNotifications)
	}
}

func TestRun_DoctorReportsMissingExecutor(t *testing.T) {
	setHome(t)
	code, out := invoke(t, "doctor")
	if code != 1 {
		t.Fatalf("doctor without executor: exit %d, want 1", code)
	}
	var d struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, r := range d.Results {
		if r.Name == "Executor" {
			found = r.Status == "FAIL"
		}
	}
	if !found {
		t.Fatalf("executor check did not fail: %+v", d.Results)
	}

	t.Setenv("SCHEDD_EXECUTOR_COMMAND", "true")
	t.Setenv("SCHEDD_EXECUTE_TIMEOUT", "1m")
	if code, _ := invoke(t, "doctor"); code != 0 {
		t.Fatalf("doctor with executor: exit %d, want 0", code)
	}
}

func TestParseExecuteAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		at, in string
		want   time.Time
		err    bool
	}{
		{want: now},
		{at: "now", want: now},
		{at: "+90s", want: now.Add(90 * time.Second)},
		{in: "2h", want: now.Add(2 * time.Hour)},
		{at: "2026-03-02T08:30:00Z", want: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)},
		{at: "90s", err: true},
		{at: "now", in: "1h", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		got, err := parseExecuteAt(tc.at, tc.in, now)
		if tc.err {
			if err == nil {
				t.Fatalf("parseExecuteAt(%q, %q): expected error", tc.at, tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseExecuteAt(%q, %q): %v", tc.at, tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("parseExecuteAt(%q, %q) = %v, want %v", tc.at, tc.in, got, tc.want)
		}
	}
}
