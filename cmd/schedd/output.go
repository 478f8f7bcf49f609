package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-schedd/internal/persistence"
)

// printer writes aligned tables on a terminal and JSON everywhere else.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, forceJSON bool) *printer {
	return &printer{w: w, json: forceJSON || !isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// emit prints v as JSON, or calls table with a tabwriter on a terminal.
func (p *printer) emit(v any, table func(tw *tabwriter.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func scheduledTaskTable(tw *tabwriter.Writer, tasks []persistence.ScheduledTask) {
	fmt.Fprintln(tw, "ID\tTASK\tSESSION\tSTATUS\tEXECUTE AT\tATTEMPT\tERROR")
	for _, st := range tasks {
		at := st.ExecuteAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			st.ID, st.TaskID, orDash(st.SessionID), st.Status, fmtTime(&at),
			st.Attempt, st.MaxRetries, orDash(st.ErrorMessage))
	}
}

func notificationTable(tw *tabwriter.Writer, list []persistence.Notification) {
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tCREATED\tREAD")
	for _, n := range list {
		created := n.CreatedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Type, n.Title, fmtTime(&created), fmtTime(n.ReadAt))
	}
}
