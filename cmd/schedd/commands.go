package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-schedd/internal/audit"
	"github.com/basket/go-schedd/internal/cron"
	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/notify"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/scheduler"
)

type commandFunc func(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int

var commands = map[string]commandFunc{
	"schedule": runSchedule,
	"cancel":   runCancel,
	"delete":   runDelete,
	"show":     runShow,
	"list":     runList,
	"due":      runDue,
	"stats":    runStats,
	"inbox":    runInbox,
	"notify":   runNotify,
	"read":     runRead,
	"read-all": runReadAll,
	"dismiss":  runDismiss,
	"sweep":    runSweep,
	"backup":   runBackup,
	"task":     runTask,
	"session":  runSession,
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// fail prints err and maps it to an exit code.
func fail(stderr io.Writer, err error) int {
	if errors.Is(err, persistence.ErrNotFound) {
		fmt.Fprintf(stderr, "not found: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func usage(stderr io.Writer, line string) int {
	fmt.Fprintf(stderr, "usage: schedd %s\n", line)
	return 2
}

func (rt *app) service() *scheduler.Service {
	return scheduler.NewService(rt.store, rt.leases(), rt.cfg.Retry.MaxRetries, rt.logger)
}

func (rt *app) leases() *lease.Manager {
	return lease.NewManager(lease.Config{
		Store:           rt.store,
		WorkerID:        rt.cfg.WorkerID,
		LeaseDuration:   rt.cfg.LeaseDuration,
		Policy:          lease.RetryPolicy{BaseDelay: rt.cfg.Retry.BaseDelay, MaxDelay: rt.cfg.Retry.MaxDelay},
		NotifyOnFailure: rt.cfg.NotifyOnFailure,
		Bus:             rt.bus,
		Logger:          rt.logger,
	})
}

func (rt *app) inbox() *notify.Inbox {
	return notify.New(notify.Config{Store: rt.store, Logger: rt.logger})
}

// parseExecuteAt accepts RFC 3339, "now", or a duration relative to now
// ("+90s" or "90s").
func parseExecuteAt(at, in string, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	in = strings.TrimSpace(in)
	switch {
	case at != "" && in != "":
		return time.Time{}, errors.New("use either -at or -in, not both")
	case in != "":
		d, err := time.ParseDuration(strings.TrimPrefix(in, "+"))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse -in: %w", err)
		}
		return now.Add(d), nil
	case at == "" || strings.EqualFold(at, "now"):
		return now, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(at, "+")); err == nil && strings.HasPrefix(at, "+") {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse -at: want RFC 3339, \"now\" or \"+DURATION\": %w", err)
	}
	return t, nil
}

func runSchedule(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("schedule", stderr)
	taskID := fs.String("task", "", "task id (required)")
	sessionID := fs.String("session", "", "owning session id")
	at := fs.String("at", "", "execute at: RFC 3339, now, or +DURATION")
	in := fs.String("in", "", "execute after DURATION")
	maxRetries := fs.Int("max-retries", -1, "retry budget (default from config)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *taskID == "" {
		return usage(stderr, "schedule -task ID [-session ID] [-at TIME | -in DURATION] [-max-retries N]")
	}
	executeAt, err := parseExecuteAt(*at, *in, rt.store.Now())
	if err != nil {
		return fail(stderr, err)
	}
	req := scheduler.ScheduleRequest{TaskID: *taskID, SessionID: *sessionID, ExecuteAt: executeAt}
	if *maxRetries >= 0 {
		req.MaxRetries = maxRetries
	}
	st, err := rt.service().Schedule(ctx, req)
	if err != nil {
		audit.Record("scheduled_task.schedule", *taskID, "error", err.Error())
		return fail(stderr, err)
	}
	audit.Record("scheduled_task.schedule", st.ID, "ok", "task "+st.TaskID+" at "+st.ExecuteAt.Format(time.RFC3339))
	if err := out.emit(st, func(tw *tabwriter.Writer) {
		scheduledTaskTable(tw, []persistence.ScheduledTask{*st})
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runCancel(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "cancel ID")
	}
	res, err := rt.service().Cancel(ctx, args[0])
	if err != nil {
		return fail(stderr, err)
	}
	audit.Record("scheduled_task.cancel", args[0], string(res), "")
	payload := map[string]string{"scheduled_task_id": args[0], "result": string(res)}
	if err := out.emit(payload, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%s\t%s\n", args[0], res)
	}); err != nil {
		return fail(stderr, err)
	}
	if res == lease.CancelAlreadyTerminal {
		return 1
	}
	return 0
}

func runDelete(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "delete ID")
	}
	if err := rt.service().Delete(ctx, args[0]); err != nil {
		return fail(stderr, err)
	}
	audit.Record("scheduled_task.delete", args[0], "ok", "")
	if err := out.emit(map[string]string{"deleted": args[0]}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "deleted scheduled task %s\n", args[0])
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

type showOutput struct {
	Task   *persistence.ScheduledTask       `json:"task"`
	Events []persistence.ScheduledTaskEvent `json:"events,omitempty"`
}

func runShow(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("show", stderr)
	withEvents := fs.Bool("events", false, "include the attempt log")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return usage(stderr, "show [-events] ID")
	}
	svc := rt.service()
	st, err := svc.Get(ctx, fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	res := showOutput{Task: st}
	if *withEvents {
		if res.Events, err = svc.Events(ctx, st.ID); err != nil {
			return fail(stderr, err)
		}
	}
	if err := out.emit(res, func(tw *tabwriter.Writer) {
		scheduledTaskTable(tw, []persistence.ScheduledTask{*st})
		if len(res.Events) == 0 {
			return
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "EVENT\tFROM\tTO\tATTEMPT\tWORKER\tAT\tDETAIL")
		for _, ev := range res.Events {
			at := ev.CreatedAt
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", ev.EventType, orDash(string(ev.StateFrom)),
				ev.StateTo, ev.Attempt, orDash(ev.WorkerID), fmtTime(&at), ev.Payload)
		}
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

type listOutput struct {
	Tasks []persistence.ScheduledTask `json:"tasks"`
	Total int                         `json:"total"`
}

func runList(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	status := fs.String("status", "", "filter by status")
	taskID := fs.String("task", "", "filter by task id")
	sessionID := fs.String("session", "", "filter by session id")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usage(stderr, "list [-status S] [-task ID] [-session ID] [-limit N] [-offset N]")
	}
	svc := rt.service()
	var (
		res listOutput
		err error
	)
	switch {
	case *taskID != "":
		res.Tasks, err = svc.ListByTask(ctx, *taskID)
		res.Total = len(res.Tasks)
	case *sessionID != "":
		res.Tasks, err = svc.ListBySession(ctx, *sessionID, *limit)
		res.Total = len(res.Tasks)
	default:
		var st persistence.ScheduledTaskStatus
		if *status != "" {
			if st, err = persistence.ParseStatus(*status); err != nil {
				return fail(stderr, err)
			}
		}
		res.Tasks, res.Total, err = svc.List(ctx, st, *limit, *offset)
	}
	if err != nil {
		return fail(stderr, err)
	}
	if err := out.emit(res, func(tw *tabwriter.Writer) {
		scheduledTaskTable(tw, res.Tasks)
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runDue(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("due", stderr)
	limit := fs.Int("limit", 50, "maximum tasks")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usage(stderr, "due [-limit N]")
	}
	due, err := rt.service().ListDue(ctx, *limit)
	if err != nil {
		return fail(stderr, err)
	}
	if err := out.emit(due, func(tw *tabwriter.Writer) { scheduledTaskTable(tw, due) }); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runStats(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		return usage(stderr, "stats")
	}
	counts, err := rt.service().Counts(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if err := out.emit(counts, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "STATUS\tCOUNT")
		for _, s := range persistence.AllStatuses() {
			fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
		}
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

type inboxOutput struct {
	SessionID     string                     `json:"session_id"`
	Unread        int                        `json:"unread"`
	Notifications []persistence.Notification `json:"notifications"`
}

func runInbox(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("inbox", stderr)
	sessionID := fs.String("session", "", "session id (required)")
	unreadOnly := fs.Bool("unread", false, "only unread notifications")
	limit := fs.Int("limit", 50, "maximum notifications")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *sessionID == "" {
		return usage(stderr, "inbox -session ID [-unread] [-limit N]")
	}
	inbox := rt.inbox()
	list, err := inbox.List(ctx, *sessionID, *unreadOnly, *limit)
	if err != nil {
		return fail(stderr, err)
	}
	unread, err := inbox.UnreadCount(ctx, *sessionID)
	if err != nil {
		return fail(stderr, err)
	}
	res := inboxOutput{SessionID: *sessionID, Unread: unread, Notifications: list}
	if err := out.emit(res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%d unread\n\n", unread)
		notificationTable(tw, list)
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runNotify(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("notify", stderr)
	sessionID := fs.String("session", "", "session id (required)")
	typ := fs.String("type", "", "task_complete, approval_needed, question or error")
	title := fs.String("title", "", "title (required)")
	message := fs.String("message", "", "message body")
	payload := fs.String("payload", "", "JSON payload")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *sessionID == "" || *title == "" {
		return usage(stderr, "notify -session ID -type T -title TEXT [-message TEXT] [-payload JSON]")
	}
	nt, err := persistence.ParseNotificationType(*typ)
	if err != nil {
		return fail(stderr, err)
	}
	req := persistence.NewNotification{SessionID: *sessionID, Type: nt, Title: *title, Message: *message}
	if *payload != "" {
		req.Payload = json.RawMessage(*payload)
	}
	n, err := rt.inbox().Emit(ctx, req)
	if err != nil {
		return fail(stderr, err)
	}
	audit.Record("notification.emit", n.ID, "ok", string(n.Type)+" for session "+n.SessionID)
	if err := out.emit(n, func(tw *tabwriter.Writer) {
		notificationTable(tw, []persistence.Notification{*n})
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runRead(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "read ID")
	}
	inbox := rt.inbox()
	if err := inbox.MarkRead(ctx, args[0]); err != nil {
		return fail(stderr, err)
	}
	audit.Record("notification.read", args[0], "ok", "")
	n, err := inbox.Get(ctx, args[0])
	if err != nil {
		return fail(stderr, err)
	}
	if err := out.emit(n, func(tw *tabwriter.Writer) {
		notificationTable(tw, []persistence.Notification{*n})
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runReadAll(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	fs := newFlagSet("read-all", stderr)
	sessionID := fs.String("session", "", "session id (required)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *sessionID == "" {
		return usage(stderr, "read-all -session ID")
	}
	n, err := rt.inbox().MarkAllRead(ctx, *sessionID)
	if err != nil {
		return fail(stderr, err)
	}
	audit.Record("notification.read_all", *sessionID, "ok", fmt.Sprintf("%d marked", n))
	if err := out.emit(map[string]any{"session_id": *sessionID, "marked": n}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%d notification(s) marked read\n", n)
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runDismiss(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "dismiss ID")
	}
	if err := rt.inbox().Delete(ctx, args[0]); err != nil {
		return fail(stderr, err)
	}
	audit.Record("notification.dismiss", args[0], "ok", "")
	if err := out.emit(map[string]string{"deleted": args[0]}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "dismissed notification %s\n", args[0])
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runSweep(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		return usage(stderr, "sweep")
	}
	sweeper, err := cron.NewSweeper(cron.Config{
		Store:  rt.store,
		Logger: rt.logger,
		Policy: rt.cfg.RetentionPolicy(),
		Spec:   rt.cfg.Retention.SweepCron,
	})
	if err != nil {
		return fail(stderr, err)
	}
	res, err := sweeper.RunNow(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	audit.Record("retention.sweep", "-", "ok", fmt.Sprintf("notifications=%d scheduled_tasks=%d events=%d",
		res.PurgedNotifications, res.PurgedScheduledTasks, res.PurgedEvents))
	if err := out.emit(res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "notifications\t%d\n", res.PurgedNotifications)
		fmt.Fprintf(tw, "scheduled tasks\t%d\n", res.PurgedScheduledTasks)
		fmt.Fprintf(tw, "events\t%d\n", res.PurgedEvents)
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runBackup(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "backup DEST")
	}
	if err := rt.store.Backup(ctx, args[0]); err != nil {
		return fail(stderr, err)
	}
	audit.Record("store.backup", args[0], "ok", "")
	if err := out.emit(map[string]string{"backup": args[0]}, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "backup written to %s\n", args[0])
	}); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runTask(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	return runCollaborator(ctx, "task", rt.store.CreateTask, rt.store.DeleteTask, args, out, stderr)
}

func runSession(ctx context.Context, rt *app, args []string, out *printer, stderr io.Writer) int {
	return runCollaborator(ctx, "session", rt.store.CreateSession, rt.store.DeleteSession, args, out, stderr)
}

// runCollaborator handles "add" and "rm" for the task and session tables.
// Removing a task cascades to its scheduled tasks.
func runCollaborator(
	ctx context.Context,
	kind string,
	create func(ctx context.Context, id, title string) (string, error),
	remove func(ctx context.Context, id string) error,
	args []string,
	out *printer,
	stderr io.Writer,
) int {
	line := kind + " add [-id ID] TITLE | " + kind + " rm ID"
	if len(args) == 0 {
		return usage(stderr, line)
	}
	switch args[0] {
	case "add":
		fs := newFlagSet(kind+" add", stderr)
		id := fs.String("id", "", "explicit id (default: generated)")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 1 {
			return usage(stderr, line)
		}
		newID, err := create(ctx, *id, fs.Arg(0))
		if err != nil {
			return fail(stderr, err)
		}
		audit.Record(kind+".add", newID, "ok", fs.Arg(0))
		if err := out.emit(map[string]string{"id": newID, "title": fs.Arg(0)}, func(tw *tabwriter.Writer) {
			fmt.Fprintln(tw, newID)
		}); err != nil {
			return fail(stderr, err)
		}
		return 0
	case "rm":
		if len(args) != 2 {
			return usage(stderr, line)
		}
		if err := remove(ctx, args[1]); err != nil {
			return fail(stderr, err)
		}
		audit.Record(kind+".rm", args[1], "ok", "")
		if err := out.emit(map[string]string{"deleted": args[1]}, func(tw *tabwriter.Writer) {
			fmt.Fprintf(tw, "deleted %s %s\n", kind, args[1])
		}); err != nil {
			return fail(stderr, err)
		}
		return 0
	}
	return usage(stderr, line)
}
