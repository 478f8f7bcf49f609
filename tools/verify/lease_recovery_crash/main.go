// Command lease_recovery_crash checks that a worker killed while holding a
// lease loses it on expiry and that another worker reclaims the task.
//
//	lease_recovery_crash -mode prepare -db x.db
//	lease_recovery_crash -mode claim-sleep -db x.db -lease 2s   (then kill -9)
//	lease_recovery_crash -mode recover -db x.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-schedd/internal/lease"
	"github.com/basket/go-schedd/internal/persistence"
)

const sessionID = "11111111-2222-3333-4444-555555555555"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	leaseFor := flag.Duration("lease", 2*time.Second, "lease duration for claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		if err := store.EnsureSession(ctx, sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "ensure session: %v\n", err)
			os.Exit(1)
		}
		taskID, err := store.CreateTask(ctx, "", "lease-crash")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		maxRetries := 2
		st, err := store.CreateScheduledTask(ctx, persistence.NewScheduledTask{
			TaskID: taskID, SessionID: sessionID, ExecuteAt: store.Now(), MaxRetries: &maxRetries,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedule task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_SCHEDULED_TASK_ID=%s\n", st.ID)
	case "claim-sleep":
		held := claimFirstDue(ctx, store, "crash-worker", *leaseFor)
		fmt.Printf("CLAIMED_SCHEDULED_TASK_ID=%s\n", held.ScheduledTaskID)
		fmt.Printf("LEASE_OWNER=%s\n", held.Owner)
		fmt.Printf("LOCKED_UNTIL=%s\n", held.LockedUntil().Format(time.RFC3339Nano))
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		report, err := store.RecoveryReport(ctx, store.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "recovery report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RUNNING=%d ORPHANED=%d\n", report.Running, report.Orphaned)
		if report.Orphaned == 0 {
			fmt.Println("VERDICT FAIL: no expired lease to reclaim (wait for the lease to expire)")
			os.Exit(1)
		}
		held := claimFirstDue(ctx, store, "recovery-worker", time.Minute)
		mgr := lease.NewManager(lease.Config{Store: store, WorkerID: "recovery-worker"})
		res, err := mgr.Release(ctx, held, lease.Succeeded())
		if err != nil {
			fmt.Fprintf(os.Stderr, "release: %v\n", err)
			os.Exit(1)
		}
		st, err := store.GetScheduledTask(ctx, held.ScheduledTaskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get scheduled task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%s status=%s attempt=%d reclaimed=%t release=%s\n",
			st.ID, st.Status, st.Attempt, held.Reclaimed, res)
		if !held.Reclaimed || st.Status != persistence.StatusCompleted || st.Attempt != 1 {
			fmt.Println("VERDICT FAIL: orphaned lease was not reclaimed as a new attempt")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func claimFirstDue(ctx context.Context, store *persistence.Store, workerID string, leaseFor time.Duration) *lease.Lease {
	due, err := store.ListDueScheduledTasks(ctx, store.Now(), 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list due: %v\n", err)
		os.Exit(1)
	}
	mgr := lease.NewManager(lease.Config{Store: store, WorkerID: workerID, LeaseDuration: leaseFor})
	for _, st := range due {
		res, held, err := mgr.Claim(ctx, st.ID, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim %s: %v\n", st.ID, err)
			os.Exit(1)
		}
		if res == lease.ClaimClaimed {
			return held
		}
	}
	fmt.Fprintln(os.Stderr, "no claimable scheduled task")
	os.Exit(1)
	return nil
}
