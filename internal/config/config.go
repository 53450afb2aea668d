// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/logging"
	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
	"github.com/JakeFAU/vitalrecords-crawler/internal/portal"
)

// EnvPrefix prefixes every environment override, e.g. VITALCRAWL_CRAWL_DATE_FROM.
const EnvPrefix = "VITALCRAWL"

// Checkpoint backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Sink formats.
const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig              `mapstructure:"crawl"`
	Alphabet   partition.AlphabetConfig `mapstructure:"alphabet"`
	Portal     portal.Config            `mapstructure:"portal"`
	Checkpoint CheckpointConfig         `mapstructure:"checkpoint"`
	Sink       SinkConfig               `mapstructure:"sink"`
	Logging    logging.Config           `mapstructure:"logging"`
	Ops        OpsConfig                `mapstructure:"ops"`
}

// CrawlConfig governs traversal, fan-out and retries.
type CrawlConfig struct {
	RunID               string        `mapstructure:"run_id"`
	DateFrom            string        `mapstructure:"date_from"`
	DateTo              string        `mapstructure:"date_to"`
	ResultCap           int           `mapstructure:"result_cap"`
	MaxFanoutSearch     int           `mapstructure:"max_fanout_search"`
	MaxFanoutProfile    int           `mapstructure:"max_fanout_profile"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryBackoffBase    time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax     time.Duration `mapstructure:"retry_backoff_max"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	MaxConsecutiveFatal int           `mapstructure:"max_consecutive_fatal"`
	Resume              bool          `mapstructure:"resume"`
	RequiredFields      []string      `mapstructure:"required_fields"`
	RowBuffer           int           `mapstructure:"row_buffer"`
}

// CheckpointConfig selects where crawl progress is persisted.
type CheckpointConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SinkConfig selects the record output.
type SinkConfig struct {
	Format  string   `mapstructure:"format"`
	Path    string   `mapstructure:"path"`
	Columns []string `mapstructure:"columns"`
}

// OpsConfig controls the operations HTTP server and the progress hub.
type OpsConfig struct {
	// ListenAddr enables /healthz, /metrics and /v1/checkpoint when set.
	ListenAddr      string        `mapstructure:"listen_addr"`
	EventBuffer     int           `mapstructure:"event_buffer"`
	EventBatchSize  int           `mapstructure:"event_batch_size"`
	EventBatchWait  time.Duration `mapstructure:"event_batch_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from defaults, the optional file at path, the
// environment, and finally the bound flags. flags maps config keys to the
// command-line flags overriding them.
func Load(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	crawl := crawler.DefaultConfig()
	v.SetDefault("crawl.run_id", "")
	v.SetDefault("crawl.date_from", crawl.Dates.From)
	v.SetDefault("crawl.date_to", crawl.Dates.To)
	v.SetDefault("crawl.result_cap", crawl.ResultCap)
	v.SetDefault("crawl.max_fanout_search", crawl.MaxFanoutSearch)
	v.SetDefault("crawl.max_fanout_profile", crawl.MaxFanoutProfile)
	v.SetDefault("crawl.retry_max_attempts", crawl.RetryMaxAttempts)
	v.SetDefault("crawl.retry_backoff_base", crawl.RetryBackoffBase)
	v.SetDefault("crawl.retry_backoff_max", crawl.RetryBackoffMax)
	v.SetDefault("crawl.call_timeout", crawl.CallTimeout)
	v.SetDefault("crawl.max_consecutive_fatal", crawl.MaxConsecutiveFatal)
	v.SetDefault("crawl.resume", true)
	v.SetDefault("crawl.required_fields", []string{"Applicant 1", "Applicant 2", "Certificate Number"})
	v.SetDefault("crawl.row_buffer", crawl.RowBuffer)

	v.SetDefault("alphabet.chunk_size", 1)
	v.SetDefault("alphabet.digits", false)
	v.SetDefault("alphabet.extra", []string{})

	p := portal.DefaultConfig()
	v.SetDefault("portal.base_url", p.BaseURL)
	v.SetDefault("portal.headless", p.Headless)
	v.SetDefault("portal.proxy", "")
	v.SetDefault("portal.user_agent", p.UserAgent)
	v.SetDefault("portal.qps", p.QPS)
	v.SetDefault("portal.burst", p.Burst)
	v.SetDefault("portal.min_qps", p.MinQPS)
	v.SetDefault("portal.recover_after", p.RecoverAfter)
	v.SetDefault("portal.max_sessions", p.MaxSessions)
	v.SetDefault("portal.settle_delay", p.SettleDelay)
	v.SetDefault("portal.result_wait", p.ResultWait)
	v.SetDefault("portal.count_pattern", p.CountPattern)
	v.SetDefault("portal.empty_pattern", p.EmptyPattern)
	v.SetDefault("portal.block_markers", p.BlockMarkers)
	v.SetDefault("portal.selectors.first_name", p.Selectors.FirstName)
	v.SetDefault("portal.selectors.last_name", p.Selectors.LastName)
	v.SetDefault("portal.selectors.middle_name", p.Selectors.MiddleName)
	v.SetDefault("portal.selectors.date_from", p.Selectors.DateFrom)
	v.SetDefault("portal.selectors.date_to", p.Selectors.DateTo)
	v.SetDefault("portal.selectors.submit", p.Selectors.Submit)
	v.SetDefault("portal.selectors.result_link", p.Selectors.ResultLink)
	fields := make([]map[string]any, 0, len(p.ProfileFields))
	for _, f := range p.ProfileFields {
		fields = append(fields, map[string]any{"name": f.Name, "selector": f.Selector})
	}
	v.SetDefault("portal.profile_fields", fields)

	v.SetDefault("checkpoint.backend", BackendSQLite)
	v.SetDefault("checkpoint.path", "data/checkpoint.db")
	v.SetDefault("checkpoint.dsn", "")
	v.SetDefault("checkpoint.table", "crawl_checkpoint")
	v.SetDefault("checkpoint.max_conns", 4)
	v.SetDefault("sink.format", FormatCSV)
	v.SetDefault("sink.path", "data/moms_records.csv")
	v.SetDefault("sink.columns", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("ops.listen_addr", "")
	v.SetDefault("ops.event_buffer", 1024)
	v.SetDefault("ops.event_batch_size", 64)
	v.SetDefault("ops.event_batch_wait", 250*time.Millisecond)
	v.SetDefault("ops.shutdown_timeout", 10*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.CrawlerConfig(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Portal.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Checkpoint.Backend {
	case BackendSQLite, BackendBadger:
		if strings.TrimSpace(c.Checkpoint.Path) == "" {
			errs = append(errs, fmt.Errorf("checkpoint.path is required for the %s backend", c.Checkpoint.Backend))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Checkpoint.DSN) == "" {
			errs = append(errs, errors.New("checkpoint.dsn is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend %q is not one of sqlite, postgres, badger, memory", c.Checkpoint.Backend))
	}
	switch c.Sink.Format {
	case FormatCSV, FormatJSONL:
	default:
		errs = append(errs, fmt.Errorf("sink.format %q is not one of csv, jsonl", c.Sink.Format))
	}
	if strings.TrimSpace(c.Sink.Path) == "" {
		errs = append(errs, errors.New("sink.path is required"))
	}
	if c.Ops.EventBuffer < 0 || c.Ops.EventBatchSize < 0 {
		errs = append(errs, errors.New("ops event buffer and batch size must not be negative"))
	}
	return errors.Join(errs...)
}

// CrawlerConfig converts the crawl and alphabet sections into the engine's
// configuration. The run id is left as configured; callers fill it in.
func (c Config) CrawlerConfig() (crawler.Config, error) {
	alphabet, err := partition.NewAlphabet(c.Alphabet)
	if err != nil {
		return crawler.Config{}, fmt.Errorf("alphabet: %w", err)
	}
	cc := crawler.Config{
		RunID:               c.Crawl.RunID,
		Dates:               partition.DateRange{From: c.Crawl.DateFrom, To: c.Crawl.DateTo},
		Alphabet:            alphabet,
		ResultCap:           c.Crawl.ResultCap,
		MaxFanoutSearch:     c.Crawl.MaxFanoutSearch,
		MaxFanoutProfile:    c.Crawl.MaxFanoutProfile,
		RetryMaxAttempts:    c.Crawl.RetryMaxAttempts,
		RetryBackoffBase:    c.Crawl.RetryBackoffBase,
		RetryBackoffMax:     c.Crawl.RetryBackoffMax,
		CallTimeout:         c.Crawl.CallTimeout,
		MaxConsecutiveFatal: c.Crawl.MaxConsecutiveFatal,
		RequiredFields:      c.Crawl.RequiredFields,
		RowBuffer:           c.Crawl.RowBuffer,
	}
	if err := cc.Validate(); err != nil {
		return crawler.Config{}, fmt.Errorf("crawl: %w", err)
	}
	return cc, nil
}
