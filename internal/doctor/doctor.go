package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-schedd/internal/config"
	"github.com/basket/go-schedd/internal/cron"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkExecutor,
		checkLeaseTiming,
		checkSweepSchedule,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	detail := "fingerprint " + cfg.Fingerprint()
	if overrides := envOverrides(); len(overrides) > 0 {
		detail += "; env overrides: " + strings.Join(overrides, " ")
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: detail}
}

// envOverrides lists SCHEDD_* variables in the environment with secret-looking
// values redacted.
func envOverrides() []string {
	var out []string
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SCHEDD_") {
			continue
		}
		out = append(out, key+"="+shared.RedactEnvValue(key, value))
	}
	sort.Strings(out)
	return out
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkDatabase opens the store, which verifies the schema ledger, and
// reports running tasks whose leases have already expired.
func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	report, err := store.RecoveryReport(ctx, store.Now())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if report.Orphaned > 0 {
		return CheckResult{
			Name:    "Database",
			Status:  "WARN",
			Message: fmt.Sprintf("%d running task(s) hold expired leases", report.Orphaned),
			Detail:  fmt.Sprintf("oldest expired %s ago; a running worker reclaims them on its next poll", report.OldestOrphaned.Round(time.Second)),
		}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Schema valid",
		Detail: fmt.Sprintf("%d running, path %s", report.Running, cfg.DBPath)}
}

func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Executor.Command == "" {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: "executor.command is not set",
			Detail: "Set executor.command in config.yaml or SCHEDD_EXECUTOR_COMMAND"}
	}
	if _, err := exec.LookPath("sh"); err != nil {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: "sh not found in PATH"}
	}
	if dir := cfg.Executor.WorkDir; dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return CheckResult{Name: "Executor", Status: "FAIL", Message: fmt.Sprintf("work_dir %s is not a directory", dir)}
		}
	}
	return CheckResult{Name: "Executor", Status: "PASS", Message: "Command configured", Detail: cfg.Executor.Command}
}

// checkLeaseTiming warns when an execution can outlive several renewals
// without a bound, or when renewals leave little slack before expiry.
func checkLeaseTiming(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lease Timing", Status: "SKIP", Message: "Config missing"}
	}
	detail := fmt.Sprintf("lease=%s renew=%s execute_timeout=%s", cfg.LeaseDuration, cfg.RenewInterval, cfg.ExecuteTimeout)
	if cfg.RenewInterval >= cfg.LeaseDuration {
		return CheckResult{Name: "Lease Timing", Status: "FAIL", Message: "renew_interval must be shorter than lease_duration", Detail: detail}
	}
	if cfg.RenewInterval*2 > cfg.LeaseDuration {
		return CheckResult{Name: "Lease Timing", Status: "WARN", Message: "a single missed renewal loses the lease", Detail: detail}
	}
	if cfg.ExecuteTimeout == 0 {
		return CheckResult{Name: "Lease Timing", Status: "WARN", Message: "execute_timeout is unset; a hung command holds its lease forever", Detail: detail}
	}
	return CheckResult{Name: "Lease Timing", Status: "PASS", Message: "Renewal leaves slack before expiry", Detail: detail}
}

func checkSweepSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: "SKIP", Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.Retention.SweepCron, time.Now())
	if err != nil {
		return CheckResult{Name: "Retention", Status: "FAIL", Message: fmt.Sprintf("invalid sweep_cron %q: %v", cfg.Retention.SweepCron, err)}
	}
	return CheckResult{Name: "Retention", Status: "PASS", Message: "Next sweep " + next.Format(time.RFC3339)}
}
