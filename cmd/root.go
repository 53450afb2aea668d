// Package cmd defines the vitalcrawl CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/app"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/config"
	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/logging"
	"github.com/JakeFAU/vitalrecords-crawler/internal/portal"
	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// App is the set of services the commands use. Tests substitute their own.
type App interface {
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetRegistry() *prometheus.Registry
	OpenCheckpoint(ctx context.Context, resume bool) (*checkpoint.Store, error)
	OpenSink() (crawler.Sink, error)
	NewHub() (*progress.Hub, error)
	Close() error
}

type appKeyType struct{}

var appKey appKeyType

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// FormClient is the portal client plus its shutdown.
type FormClient interface {
	crawler.FormClient
	Close() error
}

var newFormClient = func(cfg portal.Config, logger *zap.Logger, reg prometheus.Registerer) (FormClient, error) {
	return portal.New(cfg, logger, portal.WithRegisterer(reg))
}

var newLogger = logging.New

// flagKeys maps config keys to the flag overriding them. Commands define the
// subset they accept.
var flagKeys = map[string]string{
	"logging.level":            "log-level",
	"crawl.run_id":             "run-id",
	"crawl.date_from":          "from",
	"crawl.date_to":            "to",
	"crawl.resume":             "resume",
	"crawl.max_fanout_search":  "fanout-search",
	"crawl.max_fanout_profile": "fanout-profile",
	"checkpoint.backend":       "backend",
	"checkpoint.path":          "checkpoint",
	"checkpoint.dsn":           "dsn",
	"sink.format":              "format",
	"sink.path":                "out",
	"portal.headless":          "headless",
	"portal.proxy":             "proxy",
	"ops.listen_addr":          "ops-addr",
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "vitalcrawl",
		Short: "Crawls a capped vital-records search portal by partitioning name queries.",
		Long: `vitalcrawl enumerates every record behind a search portal that shows at
most a fixed number of rows per query. It narrows first, last and middle name
prefixes until each query fits under the cap, fetches every record's profile,
and checkpoints progress so an interrupted crawl resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, boundFlags(cmd.Flags()))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().String("backend", "", "checkpoint backend: sqlite, postgres, badger or memory")
	cmd.PersistentFlags().String("checkpoint", "", "checkpoint file or directory for sqlite and badger")
	cmd.PersistentFlags().String("dsn", "", "postgres connection string for the postgres backend")

	cmd.AddCommand(newCrawlCmd(), newStatusCmd(), newResetCmd())
	return cmd
}

func boundFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag, len(flagKeys))
	for key, name := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			out[key] = f
		}
	}
	return out
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vitalcrawl:", err)
		os.Exit(1)
	}
}
