package crawler

import "time"

// SearchResult is what one form submission returned. Count is the total the
// portal reported; Rows may be truncated to the listing cap.
type SearchResult struct {
	Count int
	Rows  []RowRef
}

// RowRef identifies one portal entry discovered by a search.
type RowRef struct {
	// ID is the absolute profile URL when the portal links one, otherwise a
	// digest of Fields.
	ID         string
	SourceNode string
	Fields     map[string]string
}

// Record is the unit written to a Sink.
type Record struct {
	RowID      string            `json:"row_id"`
	SourceNode string            `json:"source_node"`
	RunID      string            `json:"run_id"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Fields     map[string]string `json:"fields"`
	Complete   bool              `json:"complete"`
	Missing    []string          `json:"missing,omitempty"`
}

// Failure attributes an error to a node key or row id.
type Failure struct {
	Key   string     `json:"key"`
	Class ErrorClass `json:"class"`
	Err   string     `json:"error"`
}

// SearchReport tallies one Scheduler run.
type SearchReport struct {
	NodesSearched int
	NodesResumed  int
	RowsEmitted   int
	Searches      int
	FatalErrors   int
	Failures      []Failure
}

// ProfileReport tallies one ProfileStage run.
type ProfileReport struct {
	RowsReceived   int
	Duplicates     int
	AlreadyFetched int
	ProfilesOpened int
	Written        int
	Incomplete     int
	FatalErrors    int
	Failures       []Failure
}

// Summary describes a finished run. Node, row and fetch totals are read from
// the checkpoint, so a resumed run reports the same totals as one that was
// never interrupted; the remaining counters cover this process only.
type Summary struct {
	RunID                 string        `json:"run_id"`
	NodesVisited          int           `json:"nodes_visited"`
	NodesResumed          int           `json:"nodes_resumed"`
	NodesFailed           int           `json:"nodes_failed"`
	NodesTerminalOverflow int           `json:"nodes_terminal_overflow"`
	Gaps                  []string      `json:"gaps,omitempty"`
	RowsDiscovered        int           `json:"rows_discovered"`
	RecordsFetched        int           `json:"records_fetched"`
	RecordsWritten        int           `json:"records_written"`
	RecordsIncomplete     int           `json:"records_incomplete"`
	RecordsFailed         int           `json:"records_failed"`
	Searches              int           `json:"searches"`
	ProfilesOpened        int           `json:"profiles_opened"`
	FatalErrors           int           `json:"fatal_errors"`
	NodeFailures          []Failure     `json:"node_failures,omitempty"`
	RowFailures           []Failure     `json:"row_failures,omitempty"`
	Aborted               bool          `json:"aborted"`
	Duration              time.Duration `json:"duration"`
}
