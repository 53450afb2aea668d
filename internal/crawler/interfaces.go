package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
)

// FormClient talks to the search portal.
type FormClient interface {
	// Search submits the form for node and reads back the reported count and
	// the listed rows.
	Search(ctx context.Context, node partition.Node) (SearchResult, error)
	// OpenProfile returns the detail fields of one row.
	OpenProfile(ctx context.Context, rowID string) (map[string]string, error)
}

// Sink persists completed records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Checkpoint is the persisted crawl state. *checkpoint.Store implements it.
type Checkpoint interface {
	Node(key string) (checkpoint.NodeState, bool)
	Row(id string) (checkpoint.RowState, bool)
	RowsFor(nodeKey string) []checkpoint.Row
	MarkNode(ctx context.Context, key string, status checkpoint.NodeStatus) error
	CompleteNode(ctx context.Context, key string, state checkpoint.NodeState, rows []checkpoint.Row) error
	MarkRowFetched(ctx context.Context, row checkpoint.Row) error
	Stats() checkpoint.Stats
}

// RetryPolicy decides if and when a failed call is attempted again.
// attempt is the number of attempts already made.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher derives row ids from visible result fields.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}
