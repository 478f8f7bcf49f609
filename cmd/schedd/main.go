package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-schedd/internal/audit"
	"github.com/basket/go-schedd/internal/bus"
	"github.com/basket/go-schedd/internal/config"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `usage: schedd [-json] <command> [flags]

DAEMON:
  run [-once]                      Poll, claim and execute due scheduled tasks

SCHEDULED TASKS:
  schedule -task ID [-session ID] [-at TIME | -in DURATION] [-max-retries N]
  cancel ID                        Cancel a pending or running scheduled task
  delete ID                        Remove a scheduled task that is not running
  show [-events] ID                Show one scheduled task and its attempt log
  list [-status S] [-task ID] [-session ID] [-limit N] [-offset N]
  due [-limit N]                   Tasks a poll cycle would pick up now
  stats                            Scheduled task counts per status

INBOX:
  inbox -session ID [-unread] [-limit N]
  notify -session ID -type T -title TEXT [-message TEXT] [-payload JSON]
  read ID                          Mark a notification read
  read-all -session ID             Mark all of a session's notifications read
  dismiss ID                       Delete a notification

MAINTENANCE:
  sweep                            Run the retention sweep once
  backup DEST                      Write a consistent copy of the database
  doctor                           Check config, database, executor and lease timing
  task add [-id ID] TITLE | task rm ID
  session add [-id ID] TITLE | session rm ID
  version

ENVIRONMENT VARIABLES:
  SCHEDD_HOME              Data directory (default: ~/.schedd)
  SCHEDD_EXECUTOR_COMMAND  Command run for each attempt (sh -c)
  SCHEDD_*                 Overrides for config.yaml settings
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("schedd", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	forceJSON := global.Bool("json", false, "print JSON even on a terminal")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	cmd, cmdArgs := strings.ToLower(strings.TrimSpace(rest[0])), rest[1:]
	out := newPrinter(stdout, *forceJSON)
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "run":
		return runDaemon(ctx, cmdArgs, out, stderr)
	case "doctor":
		return runDoctor(ctx, cmdArgs, out, stderr)
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		printUsage(stderr)
		return 2
	}
	rt, err := openRuntime(true)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer rt.Close()
	return handler(ctx, rt, cmdArgs, out, stderr)
}

// app holds what every command needs: configuration, a logger and an
// open store.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store
	closer io.Closer
}

func openRuntime(quietLogs bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit trail disabled", "error", err)
	}
	return &app{cfg: cfg, logger: logger, bus: eventBus, store: store, closer: closer}, nil
}

func (rt *app) Close() {
	_ = rt.store.Close()
	_ = audit.Close()
	_ = rt.closer.Close()
}

func fatalStartup(stderr io.Writer, logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(
		stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	return 1
}
