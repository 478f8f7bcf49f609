// Command backup_restore_drill fills a database with finished and pending
// scheduled tasks, backs it up, restores the copy and checks that nothing
// was lost. It prints timings for the backup and the restore.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/notify"
	"github.com/basket/go-schedd/internal/persistence"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "schedd-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "schedd.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	sessionID := "6a2a1f8e-0087-4ca2-b229-80539598d91d"
	if err := store.EnsureSession(ctx, sessionID); err != nil {
		fmt.Printf("ensure_session_error=%v\n", err)
		os.Exit(1)
	}
	inbox := notify.New(notify.Config{Store: store})
	mgr := lease.NewManager(lease.Config{Store: store, WorkerID: "drill", Inbox: inbox})
	for i := 0; i < drillTasks; i++ {
		taskID, err := store.CreateTask(ctx, "", fmt.Sprintf("backup-%d", i))
		if err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		st, err := store.CreateScheduledTask(ctx, persistence.NewScheduledTask{
			TaskID: taskID, SessionID: sessionID, ExecuteAt: store.Now(),
		})
		if err != nil {
			fmt.Printf("schedule_error=%v\n", err)
			os.Exit(1)
		}
		// Leave every fourth task pending.
		if i%4 == 0 {
			continue
		}
		res, held, err := mgr.Claim(ctx, st.ID, 0)
		if err != nil || res != lease.ClaimClaimed {
			fmt.Printf("claim_error=%v result=%s\n", err, res)
			os.Exit(1)
		}
		if _, err := mgr.Release(ctx, held, lease.Succeeded()); err != nil {
			fmt.Printf("release_error=%v\n", err)
			os.Exit(1)
		}
	}
	before, err := store.ScheduledTaskCounts(ctx)
	if err != nil {
		fmt.Printf("count_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	after, err := restoreStore.ScheduledTaskCounts(ctx)
	if err != nil {
		fmt.Printf("count_restored_error=%v\n", err)
		os.Exit(1)
	}
	unread, err := restoreStore.CountUnreadNotifications(ctx, sessionID)
	if err != nil {
		fmt.Printf("count_notifications_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("backup_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("restore_duration=%s\n", restoreEnd.Sub(restoreStart))
	pass := true
	for _, s := range persistence.AllStatuses() {
		fmt.Printf("restored_%s=%d\n", s, after[s])
		if after[s] != before[s] {
			pass = false
		}
	}
	fmt.Printf("restored_unread_notifications=%d\n", unread)

	if !pass || unread != before[persistence.StatusCompleted] {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
