package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
)

const (
	scopeCheckpoint = "checkpoint, all runs"
	scopeRun        = "this run"
)

// printSummary tags each counter with its scope. Node, row and fetch totals
// come from the checkpoint and include earlier runs; the rest count only
// work done by this process.
func printSummary(w io.Writer, s crawler.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][3]any{
		{"run id", s.RunID, scopeRun},
		{"aborted", s.Aborted, scopeRun},
		{"duration", s.Duration, scopeRun},
		{"nodes visited", s.NodesVisited, scopeCheckpoint},
		{"nodes terminal overflow", s.NodesTerminalOverflow, scopeCheckpoint},
		{"rows discovered", s.RowsDiscovered, scopeCheckpoint},
		{"records fetched", s.RecordsFetched, scopeCheckpoint},
		{"nodes resumed", s.NodesResumed, scopeRun},
		{"nodes failed", s.NodesFailed, scopeRun},
		{"searches", s.Searches, scopeRun},
		{"profiles opened", s.ProfilesOpened, scopeRun},
		{"records written", s.RecordsWritten, scopeRun},
		{"records incomplete", s.RecordsIncomplete, scopeRun},
		{"records failed", s.RecordsFailed, scopeRun},
		{"fatal errors", s.FatalErrors, scopeRun},
	}
	fmt.Fprintln(tw, "COUNTER\tVALUE\tSCOPE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\t%s\n", r[0], r[1], r[2])
	}
	if len(s.Gaps) > 0 {
		fmt.Fprintf(tw, "gaps\t%s\t%s\n", strings.Join(s.Gaps, " "), scopeCheckpoint)
	}
	for _, f := range s.NodeFailures {
		fmt.Fprintf(tw, "failed node %s\t%s: %s\t%s\n", f.Key, f.Class, f.Err, scopeRun)
	}
	for _, f := range s.RowFailures {
		fmt.Fprintf(tw, "failed row %s\t%s: %s\t%s\n", f.Key, f.Class, f.Err, scopeRun)
	}
	return tw.Flush()
}

func printStats(w io.Writer, st checkpoint.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSTATUS\tCOUNT")
	for _, status := range []checkpoint.NodeStatus{
		checkpoint.NodePending,
		checkpoint.NodeInProgress,
		checkpoint.NodeDone,
		checkpoint.NodeTerminalOverflow,
	} {
		fmt.Fprintf(tw, "node\t%s\t%d\n", status, st.Nodes[status])
	}
	for _, status := range []checkpoint.RowStatus{checkpoint.RowDiscovered, checkpoint.RowFetched} {
		fmt.Fprintf(tw, "row\t%s\t%d\n", status, st.Rows[status])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	gaps := append([]string(nil), st.Gaps...)
	sort.Strings(gaps)
	if len(gaps) == 0 {
		_, err := fmt.Fprintln(w, "no terminal-overflow gaps")
		return err
	}
	_, err := fmt.Fprintf(w, "terminal-overflow gaps (%d):\n  %s\n", len(gaps), strings.Join(gaps, "\n  "))
	return err
}
