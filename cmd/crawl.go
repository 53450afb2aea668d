package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vitalrecords-crawler/internal/api"
	"github.com/JakeFAU/vitalrecords-crawler/internal/clock/system"
	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/hash/sha256"
	"github.com/JakeFAU/vitalrecords-crawler/internal/id/uuid"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs or resumes a crawl of the portal",
		Long: `Traverses the name-prefix partition tree from the root, searching every
node the checkpoint has not completed, and writes one record per discovered
row to the configured sink. Interrupting the crawl is safe; the next run
resumes from the checkpoint unless --resume=false is given.`,
		RunE: runCrawlCommand,
	}
	f := cmd.Flags()
	f.String("run-id", "", "run id recorded on every record (default: a new UUIDv7)")
	f.String("from", "", "filing date range start, MM/DD/YYYY")
	f.String("to", "", "filing date range end, MM/DD/YYYY")
	f.Bool("resume", true, "continue from the checkpoint; false clears it first")
	f.Int("fanout-search", 0, "concurrent searches")
	f.Int("fanout-profile", 0, "concurrent profile fetches")
	f.String("format", "", "record sink format: csv or jsonl")
	f.String("out", "", "record sink path")
	f.Bool("headless", true, "run the browser headless")
	f.String("proxy", "", "proxy server for the browser, e.g. socks5://127.0.0.1:9050")
	f.String("ops-addr", "", "listen address for /healthz, /metrics and /v1/checkpoint")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()
	logger := appInstance.GetLogger()

	crawlCfg, err := cfg.CrawlerConfig()
	if err != nil {
		return err
	}
	if crawlCfg.RunID == "" {
		if crawlCfg.RunID, err = uuid.NewRunID(); err != nil {
			return err
		}
	}

	store, err := appInstance.OpenCheckpoint(ctx, cfg.Crawl.Resume)
	if err != nil {
		return err
	}
	sink, err := appInstance.OpenSink()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logger.Warn("failed to close sink", zap.Error(cerr))
		}
	}()
	client, err := newFormClient(cfg.Portal, logger, appInstance.GetRegistry())
	if err != nil {
		return fmt.Errorf("init portal client: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("failed to close portal client", zap.Error(cerr))
		}
	}()
	hub, err := appInstance.NewHub()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Ops.ShutdownTimeout)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("failed to drain progress events", zap.Error(cerr))
		}
	}()

	engine, err := crawler.NewEngine(crawlCfg, crawler.Deps{
		Client:     client,
		Checkpoint: store,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		Events:     hub,
		Logger:     logger,
	}, sink)
	if err != nil {
		return err
	}

	opsCtx, stopOps := context.WithCancel(ctx)
	var g errgroup.Group
	if addr := cfg.Ops.ListenAddr; addr != "" {
		srv, err := api.NewServer(store, appInstance.GetRegistry(), logger)
		if err != nil {
			stopOps()
			return err
		}
		g.Go(func() error {
			return srv.Serve(opsCtx, addr, cfg.Ops.ShutdownTimeout)
		})
	}

	summary, runErr := engine.Run(ctx)
	stopOps()
	if err := g.Wait(); err != nil {
		logger.Warn("ops server stopped with error", zap.Error(err))
	}

	if err := printSummary(cmd.OutOrStdout(), summary); err != nil {
		logger.Warn("failed to print summary", zap.Error(err))
	}
	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, crawler.ErrSystemicBlock):
		return fmt.Errorf("crawl aborted: %w", runErr)
	case errors.Is(runErr, context.Canceled):
		logger.Info("crawl interrupted; rerun to resume", zap.String("run_id", crawlCfg.RunID))
		return nil
	default:
		return fmt.Errorf("run crawler: %w", runErr)
	}
}
