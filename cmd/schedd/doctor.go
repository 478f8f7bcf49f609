package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/basket/go-schedd/internal/config"
	"github.com/basket/go-schedd/internal/doctor"
)

// runDoctor runs without opening the runtime so it can diagnose a config
// that fails to load.
func runDoctor(ctx context.Context, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		return usage(stderr, "doctor")
	}
	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)
	if err := out.emit(d, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "schedd %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE")
		for _, r := range d.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
			if r.Detail != "" {
				fmt.Fprintf(tw, "\t\t%s\n", r.Detail)
			}
		}
	}); err != nil {
		return fail(stderr, err)
	}
	if d.Failed() {
		return 1
	}
	return 0
}
