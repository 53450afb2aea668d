// Package ratelimit paces requests to the portal. The rate halves each time
// the portal serves a block page, down to a floor, and doubles back toward
// the configured rate after a run of clean responses.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config holds limiter settings. QPS <= 0 disables pacing entirely.
type Config struct {
	QPS          float64
	Burst        int
	MinQPS       float64
	RecoverAfter int
	// Registerer receives the wait-delay and current-rate collectors; nil
	// skips metrics.
	Registerer prometheus.Registerer
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	lim          *rate.Limiter
	base         rate.Limit
	floor        rate.Limit
	recoverAfter int
	clean        int

	delay   prometheus.Histogram
	current prometheus.Gauge
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	base := rate.Inf
	if cfg.QPS > 0 {
		base = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	floor := rate.Limit(cfg.MinQPS)
	if floor <= 0 || floor > base {
		floor = base
	}
	recoverAfter := cfg.RecoverAfter
	if recoverAfter <= 0 {
		recoverAfter = 20
	}
	l := &Limiter{
		lim:          rate.NewLimiter(base, burst),
		base:         base,
		floor:        floor,
		recoverAfter: recoverAfter,
	}
	if cfg.Registerer != nil {
		delay := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalcrawl_portal_rate_limit_delay_seconds",
			Help:    "Time spent waiting for the portal rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		})
		current := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vitalcrawl_portal_rate_limit_qps",
			Help: "Current portal request rate; 0 means unlimited.",
		})
		var err error
		if l.delay, err = register(cfg.Registerer, delay); err != nil {
			return nil, err
		}
		if l.current, err = register(cfg.Registerer, current); err != nil {
			return nil, err
		}
		l.setGauge(base)
	}
	return l, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register rate limit metrics: %w", err)
	}
	return c, nil
}

// Wait blocks until a request may be sent or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond && l.delay != nil {
		l.delay.Observe(d.Seconds())
	}
	return nil
}

// Penalize halves the rate after a block page.
func (l *Limiter) Penalize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clean = 0
	cur := l.lim.Limit()
	if cur == rate.Inf || cur <= l.floor {
		return
	}
	next := cur / 2
	if next < l.floor {
		next = l.floor
	}
	l.lim.SetLimit(next)
	l.setGauge(next)
}

// Success records a clean response and restores the rate step by step.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.lim.Limit()
	if cur >= l.base {
		return
	}
	l.clean++
	if l.clean < l.recoverAfter {
		return
	}
	l.clean = 0
	next := rate.Limit(math.Min(float64(cur*2), float64(l.base)))
	l.lim.SetLimit(next)
	l.setGauge(next)
}

// Limit reports the current rate.
func (l *Limiter) Limit() rate.Limit {
	return l.lim.Limit()
}

func (l *Limiter) setGauge(r rate.Limit) {
	if l.current == nil {
		return
	}
	if r == rate.Inf {
		l.current.Set(0)
		return
	}
	l.current.Set(float64(r))
}
