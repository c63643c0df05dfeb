// Package monitor renders periodic link status tables for the CLIs.
package monitor

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"agglink/internal/link"
)

// Run prints a link table to w every interval until ctx is done. stats
// supplies the current snapshot; a nil snapshot prints a waiting note.
func Run(ctx context.Context, w io.Writer, interval time.Duration, stats func() []link.Stats) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			Render(w, stats())
		case <-ctx.Done():
			return
		}
	}
}

// Render writes one snapshot as a table.
func Render(w io.Writer, stats []link.Stats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no links")
		return
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINK\tKIND\tREMOTE\tSTATE\tRTT\tRATE\tSENT\tRECV\tINFLIGHT")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s/s\t%s\t%s\t%s\n",
			s.ID, s.Kind, s.Remote, s.State,
			s.RTT.Round(100*time.Microsecond),
			formatBytes(int64(s.Throughput)),
			formatBytes(s.SentBytes),
			formatBytes(s.RecvBytes),
			formatBytes(s.InflightBytes),
		)
	}
	_ = tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
