package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a point in the crawl lifecycle.
type Stage string

// Crawl stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageNodeDone      Stage = "NODE_DONE"
	StageNodeFailed    Stage = "NODE_FAILED"
	StageNodeResumed   Stage = "NODE_RESUMED"
	StageRetry         Stage = "RETRY"
	StageProfileDone   Stage = "PROFILE_DONE"
	StageProfileFailed Stage = "PROFILE_FAILED"
)

// Event is one progress observation. Fields that do not apply to a stage are
// left zero.
type Event struct {
	RunID   string
	TS      time.Time
	Stage   Stage
	Node    string        // node key for NODE_* stages
	RowID   string        // row id for PROFILE_* stages
	Action  string        // partition action or failure class
	Count   int           // reported result count
	Rows    int           // rows emitted by the node
	Attempt int           // retry attempt number
	Dur     time.Duration // call latency or run wall time
	// Complete reports whether a fetched record carried every required field.
	Complete bool
	Note     string
}

var validStages = map[Stage]struct{}{
	StageRunStart:      {},
	StageRunDone:       {},
	StageNodeDone:      {},
	StageNodeFailed:    {},
	StageNodeResumed:   {},
	StageRetry:         {},
	StageProfileDone:   {},
	StageProfileFailed: {},
}

// Validate rejects events a sink could not interpret.
func (e Event) Validate() error {
	if _, ok := validStages[e.Stage]; !ok {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be non-negative")
	}
	return nil
}
