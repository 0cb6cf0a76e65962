package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/bookmark-mirror/internal/migrate"
	"github.com/JakeFAU/bookmark-mirror/internal/mirror"
)

func printSummary(w io.Writer, s mirror.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	direction := "newest first"
	if s.Ascending {
		direction = "oldest first"
	}
	fmt.Fprintf(tw, "plan\t[%d, %d) of %d, %s\n", s.Plan.Start, s.Plan.Stop, s.Plan.Total, direction)
	fmt.Fprintf(tw, "crawled\t%d\n", s.Crawled)
	fmt.Fprintf(tw, "skipped\t%d\n", s.Skipped)
	fmt.Fprintf(tw, "deleted upstream\t%d\n", s.Deleted)
	fmt.Fprintf(tw, "failed\t%d\n", len(s.Failures))
	fmt.Fprintf(tw, "before\t%s\n", s.Before)
	if s.After != nil {
		fmt.Fprintf(tw, "after\t%s\n", *s.After)
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(tw, "took\t%s\n", s.Duration().Round(time.Millisecond))
	}
	_ = tw.Flush()
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.PID, f.Reason)
	}
}

func printMigration(w io.Writer, r migrate.Report) {
	fmt.Fprintf(w, "copied %d, skipped %d, failed %d\n", r.Copied, r.Skipped, len(r.Failures))
	fmt.Fprintf(w, "source: %s\n", r.Source)
	fmt.Fprintf(w, "target: %s\n", r.Target)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.PID, f.Reason)
	}
	for _, d := range r.Discrepancies {
		fmt.Fprintf(w, "  mismatch %s\n", d)
	}
}

func printCheck(w io.Writer, r mirror.CheckReport) {
	fmt.Fprintf(w, "checked %d items, %d binaries, %d issues (%d authors, %d tags)\n",
		r.Items, r.Binaries, len(r.Issues), r.Authors, r.Tags)
	for _, is := range r.Issues {
		var subject []string
		for _, part := range []string{is.PID, is.Binary, is.Ref} {
			if part != "" {
				subject = append(subject, part)
			}
		}
		line := strings.Join(subject, " ") + ": " + is.Code
		if is.Detail != "" {
			line += " " + is.Detail
		}
		fmt.Fprintf(w, "  %s\n", line)
	}
}
