package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var errRefreshInProgress = errors.New("refresh already in progress")

// refreshState is the stage a refresh cycle is in.
type refreshState int32

const (
	stateIdle refreshState = iota
	stateFetching
	stateParsing
	stateAnnotating
	stateBuilding
	statePublished
)

func (s refreshState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateParsing:
		return "parsing"
	case stateAnnotating:
		return "annotating"
	case stateBuilding:
		return "building"
	case statePublished:
		return "published"
	default:
		return "idle"
	}
}

// schedulerMetrics describe the refresh loop itself.
type schedulerMetrics struct {
	failures    *prometheus.CounterVec
	lastSuccess prometheus.Gauge
	duration    prometheus.Histogram
}

func newSchedulerMetrics(namespace string) *schedulerMetrics {
	return &schedulerMetrics{
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "refresh_failures_total",
			Help:      "Number of refresh cycles that kept the previous snapshot",
		}, []string{"reason"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "last_refresh_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of successful refresh cycles",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *schedulerMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.failures, m.lastSuccess, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// scheduler refreshes the snapshot on a fixed interval. Cycles never overlap.
type scheduler struct {
	source   rulesetSource
	geo      *geoIP
	builder  *builder
	store    *snapshotStore
	interval time.Duration
	metrics  *schedulerMetrics
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	state   atomic.Int32
}

func newScheduler(source rulesetSource, geo *geoIP, b *builder, store *snapshotStore, interval time.Duration, metrics *schedulerMetrics, logger *slog.Logger) *scheduler {
	return &scheduler{
		source:   source,
		geo:      geo,
		builder:  b,
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run refreshes once right away and then on every tick until ctx is done.
// A cycle outlasting the interval is followed by the next one immediately.
func (s *scheduler) Run(ctx context.Context) error {
	s.logger.Info("startup complete", "interval", s.interval)
	s.Refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// State returns the stage of the current cycle.
func (s *scheduler) State() refreshState {
	return refreshState(s.state.Load())
}

func (s *scheduler) setState(state refreshState) {
	s.state.Store(int32(state))
	s.logger.Debug("refresh state", "state", state)
}

// Refresh runs one cycle unless another one is in flight, in which case it
// returns errRefreshInProgress. On failure the published snapshot stays as is.
func (s *scheduler) Refresh(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous refresh still running, skipping")
		return errRefreshInProgress
	}
	defer s.running.Store(false)
	defer s.setState(stateIdle)

	start := s.now()
	snap, err := s.cycle(ctx)
	if err != nil {
		s.metrics.failures.WithLabelValues(failureReason(err)).Inc()
		s.logger.Error("refresh failed, serving previous snapshot", "error", err)
		return err
	}
	snap.Timestamp = start
	snap.Duration = s.now().Sub(start)

	s.store.publish(snap)
	s.setState(statePublished)
	s.metrics.lastSuccess.Set(float64(start.Unix()))
	s.metrics.duration.Observe(snap.Duration.Seconds())
	s.logger.Debug("collected metrics", "samples", len(snap.Samples), "duration", snap.Duration)
	return nil
}

func (s *scheduler) cycle(ctx context.Context) (*Snapshot, error) {
	s.setState(stateFetching)
	doc, err := s.source.FetchRuleset(ctx)
	if err != nil {
		return nil, err
	}

	s.setState(stateParsing)
	rs, err := parseRuleset(doc)
	if err != nil {
		return nil, err
	}
	if err := resolveElements(ctx, s.source, rs); err != nil {
		return nil, err
	}

	s.setState(stateAnnotating)
	lookup := s.geo.lookup()
	annotate(rs, lookup)
	if lookup != nil {
		s.logger.Debug("geoip lookups", "cached", lookup.hits, "resolved", lookup.misses)
	}

	s.setState(stateBuilding)
	return &Snapshot{Samples: s.builder.Build(rs)}, nil
}
