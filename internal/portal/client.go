// Package portal implements crawler.FormClient against the marriage-record
// search portal with a pool of headless Chrome tabs driven by chromedp.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
	"github.com/JakeFAU/vitalrecords-crawler/internal/partition"
	"github.com/JakeFAU/vitalrecords-crawler/internal/policy/ratelimit"
)

// Client drives the portal. Each call borrows one tab from a bounded pool and
// waits on a portal-wide pacer before touching the network.
type Client struct {
	cfg     Config
	base    *url.URL
	count   *regexp.Regexp
	empty   *regexp.Regexp
	pace    *ratelimit.Limiter
	tabs    chan *tab
	logger  *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	// ready is set once the tab shows the search form.
	ready bool
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	reg prometheus.Registerer
}

// WithRegisterer exports the pacing metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New launches the browser.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid portal config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, _ := url.Parse(cfg.BaseURL)
	count, _ := compileCount(cfg.CountPattern)
	var empty *regexp.Regexp
	if cfg.EmptyPattern != "" {
		empty = regexp.MustCompile(cfg.EmptyPattern)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	pace, err := ratelimit.New(ratelimit.Config{
		QPS:          cfg.QPS,
		Burst:        cfg.Burst,
		MinQPS:       cfg.MinQPS,
		RecoverAfter: cfg.RecoverAfter,
		Registerer:   o.reg,
	})
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(cfg.Proxy))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	c := &Client{
		cfg:           cfg,
		base:          base,
		count:         count,
		empty:         empty,
		pace:          pace,
		tabs:          make(chan *tab, cfg.MaxSessions),
		logger:        logger.Named("portal"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	for i := 0; i < cfg.MaxSessions; i++ {
		c.tabs <- nil
	}
	return c, nil
}

// Close shuts the browser down.
func (c *Client) Close() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}

// Search fills the form for node, submits it and reads the listing.
func (c *Client) Search(ctx context.Context, node partition.Node) (crawler.SearchResult, error) {
	op := "search " + node.Key()
	t, err := c.acquire(ctx)
	if err != nil {
		return crawler.SearchResult{}, err
	}
	defer c.release(t)

	runCtx, done := c.bind(ctx, t)
	defer done()

	if err := c.ensureForm(runCtx, t, op); err != nil {
		return crawler.SearchResult{}, err
	}
	if err := c.pace.Wait(ctx); err != nil {
		return crawler.SearchResult{}, fmt.Errorf("%s: %w", op, err)
	}

	s := c.cfg.Selectors
	err = chromedp.Run(runCtx,
		chromedp.SetValue(s.FirstName, node.First, chromedp.ByQuery),
		chromedp.SetValue(s.LastName, node.Last, chromedp.ByQuery),
		chromedp.SetValue(s.MiddleName, node.Middle, chromedp.ByQuery),
		chromedp.SetValue(s.DateFrom, node.Dates.From, chromedp.ByQuery),
		chromedp.SetValue(s.DateTo, node.Dates.To, chromedp.ByQuery),
		chromedp.Click(s.Submit, chromedp.ByQuery),
		chromedp.Sleep(c.cfg.ResultWait),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		t.ready = false
		return crawler.SearchResult{}, c.classify(op, err)
	}

	text, err := c.bodyText(runCtx)
	if err != nil {
		t.ready = false
		return crawler.SearchResult{}, c.classify(op, err)
	}
	if err := c.checkBlocked(op, text); err != nil {
		t.ready = false
		return crawler.SearchResult{}, err
	}
	total, err := parseCount(text, c.count, c.empty)
	if err != nil {
		return crawler.SearchResult{}, crawler.Transient(op, err)
	}
	result := crawler.SearchResult{Count: total}
	if total == 0 {
		return result, nil
	}

	var links []listingLink
	if err := chromedp.Run(runCtx, chromedp.Evaluate(linksScript(s.ResultLink), &links)); err != nil {
		return crawler.SearchResult{}, c.classify(op, err)
	}
	rows, err := listingRows(c.base, links)
	if err != nil {
		return crawler.SearchResult{}, crawler.Transient(op, err)
	}
	result.Rows = rows
	c.logger.Debug("search complete", zap.String("node", node.Key()), zap.Int("count", total), zap.Int("rows", len(rows)))
	return result, nil
}

// OpenProfile navigates to the row's profile and reads the configured
// fields. rowID must be a profile link.
func (c *Client) OpenProfile(ctx context.Context, rowID string) (map[string]string, error) {
	op := "open profile " + rowID
	if !strings.HasPrefix(rowID, "http://") && !strings.HasPrefix(rowID, "https://") {
		return nil, crawler.Fatal(op, "row id is not a profile link", nil)
	}

	t, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(t)
	runCtx, done := c.bind(ctx, t)
	defer done()

	if err := c.pace.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	t.ready = false
	var location string
	err = chromedp.Run(runCtx,
		chromedp.Navigate(rowID),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return nil, c.classify(op, err)
	}
	text, err := c.bodyText(runCtx)
	if err != nil {
		return nil, c.classify(op, err)
	}
	if err := c.checkBlocked(op, text); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(c.cfg.ProfileFields)+1)
	for _, f := range c.cfg.ProfileFields {
		var value *string
		if err := chromedp.Run(runCtx, chromedp.Evaluate(textScript(f.Selector), &value)); err != nil {
			return nil, c.classify(op, err)
		}
		if value != nil {
			fields[f.Name] = *value
		}
	}
	if len(fields) == 0 && len(c.cfg.ProfileFields) > 0 {
		return nil, crawler.Transient(op, errors.New("no profile fields rendered"))
	}
	fields[ProfileURLField] = location
	return fields, nil
}

// ensureForm makes sure t shows the search form, loading the search page
// when the tab is new or has moved on to another page. A field still missing
// after a fresh load means the portal changed, which retrying cannot fix.
func (c *Client) ensureForm(ctx context.Context, t *tab, op string) error {
	if t.ready {
		missing, err := c.missingFields(ctx)
		if err == nil && len(missing) == 0 {
			return nil
		}
		t.ready = false
	}
	if err := c.pace.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if c.cfg.UserAgent == "" {
				return nil
			}
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}),
		chromedp.Navigate(c.cfg.BaseURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	)
	if err != nil {
		return c.classify(op, err)
	}
	text, err := c.bodyText(ctx)
	if err != nil {
		return c.classify(op, err)
	}
	if err := c.checkBlocked(op, text); err != nil {
		return err
	}

	missing, err := c.missingFields(ctx)
	if err != nil {
		return c.classify(op, err)
	}
	if len(missing) > 0 {
		return crawler.Fatal(op, "search form fields missing: "+strings.Join(missing, ", "), nil)
	}
	t.ready = true
	return nil
}

// missingFields lists the form selectors the current page lacks.
func (c *Client) missingFields(ctx context.Context) ([]string, error) {
	s := c.cfg.Selectors
	var missing []string
	script := missingScript([]string{s.FirstName, s.LastName, s.MiddleName, s.DateFrom, s.DateTo, s.Submit})
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &missing)); err != nil {
		return nil, err
	}
	return missing, nil
}

// checkBlocked reports a block page and slows the pacer; any other page
// counts toward restoring the rate.
func (c *Client) checkBlocked(op, text string) error {
	if m := blockMarker(text, c.cfg.BlockMarkers); m != "" {
		c.pace.Penalize()
		c.logger.Warn("portal served a block page; slowing down",
			zap.String("op", op), zap.String("marker", m), zap.Float64("qps", float64(c.pace.Limit())))
		return crawler.Fatal(op, "portal block page: "+m, nil)
	}
	c.pace.Success()
	return nil
}

func (c *Client) bodyText(ctx context.Context) (string, error) {
	var text string
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", err
	}
	return text, nil
}

// classify maps browser failures to crawler error classes. Everything the
// browser reports is worth another attempt; run cancellation passes through.
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return crawler.Transient(op, err)
}

func (c *Client) acquire(ctx context.Context) (*tab, error) {
	select {
	case t := <-c.tabs:
		if t == nil {
			tctx, cancel := chromedp.NewContext(c.browserCtx)
			t = &tab{ctx: tctx, cancel: cancel}
		}
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser tab: %w", ctx.Err())
	}
}

// release returns t to the pool, replacing tabs that have died.
func (c *Client) release(t *tab) {
	if t.ctx.Err() != nil {
		t.cancel()
		t = nil
	}
	c.tabs <- t
}

// bind derives a context that runs actions on t's tab but ends with ctx.
func (c *Client) bind(ctx context.Context, t *tab) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(t.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
		if ctx.Err() != nil {
			// The page was abandoned mid-action; reload it next time.
			t.ready = false
		}
	}
}

// Ensure *Client satisfies the crawler contract.
var _ crawler.FormClient = (*Client)(nil)
