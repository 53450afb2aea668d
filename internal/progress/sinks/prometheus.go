package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/vitalrecords-crawler/internal/progress"
)

// PrometheusSink turns progress events into crawl metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	nodes          *prometheus.CounterVec
	nodesResumed   prometheus.Counter
	nodeFailures   *prometheus.CounterVec
	rowsDiscovered prometheus.Counter
	searchDuration prometheus.Histogram

	profiles        *prometheus.CounterVec
	profileFailures *prometheus.CounterVec
	profileDuration prometheus.Histogram

	retries prometheus.Counter
}

// NewPrometheusSink registers the collectors with reg, reusing collectors
// already registered under the same names.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalcrawl_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalcrawl_runs_completed_total",
			Help: "Crawl runs finished, by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalcrawl_run_duration_seconds",
			Help:    "Wall time per crawl run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalcrawl_nodes_total",
			Help: "Query nodes completed, by partition action.",
		}, []string{"action"}),
		nodesResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalcrawl_nodes_resumed_total",
			Help: "Nodes satisfied from the checkpoint without searching.",
		}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalcrawl_node_failures_total",
			Help: "Nodes left pending after exhausting retries, by error class.",
		}, []string{"class"}),
		rowsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalcrawl_rows_emitted_total",
			Help: "Row references emitted by accepted nodes.",
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalcrawl_search_duration_seconds",
			Help:    "Latency of successful search submissions.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		profiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalcrawl_profiles_total",
			Help: "Records written to the sink, by completeness.",
		}, []string{"complete"}),
		profileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vitalcrawl_profile_failures_total",
			Help: "Rows whose profile could not be fetched or written, by error class.",
		}, []string{"class"}),
		profileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitalcrawl_profile_duration_seconds",
			Help:    "Latency of successful profile fetches.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vitalcrawl_retries_total",
			Help: "Retried portal or sink calls.",
		}),
	}

	if err := register(reg, &s.runsStarted); err != nil {
		return nil, err
	}
	if err := register(reg, &s.runsCompleted); err != nil {
		return nil, err
	}
	if err := register(reg, &s.runDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &s.nodes); err != nil {
		return nil, err
	}
	if err := register(reg, &s.nodesResumed); err != nil {
		return nil, err
	}
	if err := register(reg, &s.nodeFailures); err != nil {
		return nil, err
	}
	if err := register(reg, &s.rowsDiscovered); err != nil {
		return nil, err
	}
	if err := register(reg, &s.searchDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &s.profiles); err != nil {
		return nil, err
	}
	if err := register(reg, &s.profileFailures); err != nil {
		return nil, err
	}
	if err := register(reg, &s.profileDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &s.retries); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds *c to reg, swapping in the existing collector when one with
// the same descriptor is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				*c = existing
				return nil
			}
		}
		return fmt.Errorf("register progress metric: %w", err)
	}
	return nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			result := "success"
			if evt.Action != "" {
				result = evt.Action
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			s.runDuration.Observe(evt.Dur.Seconds())
		case progress.StageNodeDone:
			s.nodes.WithLabelValues(evt.Action).Inc()
			s.rowsDiscovered.Add(float64(evt.Rows))
			if evt.Dur > 0 {
				s.searchDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageNodeResumed:
			s.nodesResumed.Inc()
		case progress.StageNodeFailed:
			s.nodeFailures.WithLabelValues(evt.Action).Inc()
		case progress.StageProfileDone:
			s.profiles.WithLabelValues(fmt.Sprintf("%t", evt.Complete)).Inc()
			if evt.Dur > 0 {
				s.profileDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageProfileFailed:
			s.profileFailures.WithLabelValues(evt.Action).Inc()
		case progress.StageRetry:
			s.retries.Inc()
		}
	}
	return nil
}

// Close is a no-op; the collectors stay registered for scraping.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
