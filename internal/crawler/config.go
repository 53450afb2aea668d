package crawler

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
)

// Config controls one crawl run.
type Config struct {
	RunID               string
	Dates               partition.DateRange
	Alphabet            partition.Alphabet
	ResultCap           int
	MaxFanoutSearch     int
	MaxFanoutProfile    int
	RetryMaxAttempts    int
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration
	CallTimeout         time.Duration
	MaxConsecutiveFatal int
	RequiredFields      []string
	// RowBuffer is the capacity of the channel between the two stages.
	RowBuffer int
}

// DefaultConfig returns the defaults used when a key is not configured.
func DefaultConfig() Config {
	return Config{
		Dates:               partition.DateRange{From: "01/01/1900", To: "12/31/2026"},
		Alphabet:            partition.DefaultAlphabet(),
		ResultCap:           partition.DefaultResultCap,
		MaxFanoutSearch:     2,
		MaxFanoutProfile:    2,
		RetryMaxAttempts:    4,
		RetryBackoffBase:    500 * time.Millisecond,
		RetryBackoffMax:     30 * time.Second,
		CallTimeout:         60 * time.Second,
		MaxConsecutiveFatal: 5,
		RowBuffer:           64,
	}
}

// Validate checks limits before a run starts.
func (c Config) Validate() error {
	var errs []error
	if c.Dates.From == "" || c.Dates.To == "" {
		errs = append(errs, errors.New("date range requires both from and to"))
	}
	if c.ResultCap <= 0 {
		errs = append(errs, fmt.Errorf("result_cap must be > 0, got %d", c.ResultCap))
	}
	if c.MaxFanoutSearch < 1 {
		errs = append(errs, fmt.Errorf("max_fanout_search must be >= 1, got %d", c.MaxFanoutSearch))
	}
	if c.MaxFanoutProfile < 1 {
		errs = append(errs, fmt.Errorf("max_fanout_profile must be >= 1, got %d", c.MaxFanoutProfile))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_max_attempts must be >= 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBackoffBase <= 0 || c.RetryBackoffMax < c.RetryBackoffBase {
		errs = append(errs, fmt.Errorf("retry backoff requires 0 < base <= max, got %s/%s",
			c.RetryBackoffBase, c.RetryBackoffMax))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout must not be negative"))
	}
	if c.MaxConsecutiveFatal < 1 {
		errs = append(errs, fmt.Errorf("max_consecutive_fatal must be >= 1, got %d", c.MaxConsecutiveFatal))
	}
	if c.RowBuffer < 0 {
		errs = append(errs, errors.New("row buffer must not be negative"))
	}
	return errors.Join(errs...)
}
