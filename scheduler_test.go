package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// switchSource serves the fixture until it is told to fail.
type switchSource struct {
	fixture rulesetSource

	mu      sync.Mutex
	err     error
	release chan struct{}
	started chan struct{}
}

func (s *switchSource) FetchRuleset(ctx context.Context) (gjson.Result, error) {
	s.mu.Lock()
	err, release, started := s.err, s.release, s.started
	s.release, s.started = nil, nil
	s.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return gjson.Result{}, err
	}
	return s.fixture.FetchRuleset(ctx)
}

func (s *switchSource) FetchElements(ctx context.Context, ref containerRef) (gjson.Result, error) {
	return s.fixture.FetchElements(ctx, ref)
}

func (s *switchSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// block makes the next fetch wait for release. started is closed once it waits.
// Later fetches do not block.
func (s *switchSource) block() (started, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = make(chan struct{})
	s.release = make(chan struct{})
	return s.started, s.release
}

func newTestScheduler(t *testing.T) (*scheduler, *switchSource) {
	t.Helper()
	src := &switchSource{fixture: &fakeSource{path: fixture, logger: testLogger()}}
	metrics := newSchedulerMetrics("nftables")
	require.NoError(t, metrics.register(prometheus.NewRegistry()))
	s := newScheduler(src, newGeoIP(testLogger()), newBuilder(newDescriptions("nftables")), &snapshotStore{}, time.Minute, metrics, testLogger())
	return s, src
}

func TestRefresh(t *testing.T) {
	s, _ := newTestScheduler(t)
	start := time.Unix(1700000000, 0)
	now := start
	s.now = func() time.Time {
		defer func() { now = now.Add(250 * time.Millisecond) }()
		return now
	}

	assert.Nil(t, s.store.Load())
	require.NoError(t, s.Refresh(context.Background()))

	snap := s.store.Load()
	require.NotNil(t, snap)
	assert.Equal(t, start, snap.Timestamp)
	assert.Equal(t, 250*time.Millisecond, snap.Duration)
	assert.Len(t, snap.Samples, 23)
	assert.Equal(t, stateIdle, s.State())
	assert.InDelta(t, float64(start.Unix()), testutil.ToFloat64(s.metrics.lastSuccess), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(s.metrics.duration))
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	s, src := newTestScheduler(t)
	require.NoError(t, s.Refresh(context.Background()))
	good := s.store.Load()

	src.fail(errors.Join(errSourceUnavailable, errors.New("nft: permission denied")))
	err := s.Refresh(context.Background())
	require.ErrorIs(t, err, errSourceUnavailable)
	assert.Same(t, good, s.store.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.failures.WithLabelValues("source")), 0)

	src.fail(errors.New("boom"))
	require.Error(t, s.Refresh(context.Background()))
	assert.Same(t, good, s.store.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.failures.WithLabelValues("other")), 0)

	src.fail(nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.NotSame(t, good, s.store.Load())
	assert.Equal(t, good.Samples, s.store.Load().Samples)
}

func TestRefreshParseFailure(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.source = &recordedSource{doc: `[{"table": {"family": "ip", "name": "t"}}, {"chain": {"family": "ip", "table": "missing", "name": "c"}}]`}

	err := s.Refresh(context.Background())
	require.ErrorIs(t, err, errParse)
	assert.Nil(t, s.store.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.failures.WithLabelValues("parse")), 0)
}

// recordedSource serves one inline document without elements.
type recordedSource struct {
	doc string
}

func (r *recordedSource) FetchRuleset(context.Context) (gjson.Result, error) {
	return gjson.Parse(r.doc), nil
}

func (r *recordedSource) FetchElements(context.Context, containerRef) (gjson.Result, error) {
	return gjson.Result{}, nil
}

func TestRefreshSkipsWhileRunning(t *testing.T) {
	s, src := newTestScheduler(t)
	started, release := src.block()

	done := make(chan error, 1)
	go func() {
		done <- s.Refresh(context.Background())
	}()
	<-started
	assert.Equal(t, stateFetching, s.State())

	require.ErrorIs(t, s.Refresh(context.Background()), errRefreshInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, stateIdle, s.State())
	assert.NotNil(t, s.store.Load())
}

func TestRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.interval = 10 * time.Millisecond

	var published []*Snapshot
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		snap := s.store.Load()
		if snap != nil && (len(published) == 0 || published[len(published)-1] != snap) {
			published = append(published, snap)
		}
		return len(published) >= 3
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRefreshStateNames(t *testing.T) {
	for state, want := range map[refreshState]string{
		stateIdle:       "idle",
		stateFetching:   "fetching",
		stateParsing:    "parsing",
		stateAnnotating: "annotating",
		stateBuilding:   "building",
		statePublished:  "published",
	} {
		assert.Equal(t, want, state.String())
	}
}

// generationSource serves a ruleset whose counters all carry the current
// generation number. Every third generation fails.
type generationSource struct {
	gen atomic.Int64
}

func (g *generationSource) FetchRuleset(context.Context) (gjson.Result, error) {
	n := g.gen.Load()
	if n%3 == 0 {
		return gjson.Result{}, fmt.Errorf("%w: generation %d", errSourceUnavailable, n)
	}
	return gjson.Parse(fmt.Sprintf(`[
		{"table": {"family": "ip", "name": "t"}},
		{"counter": {"family": "ip", "table": "t", "name": "a", "packets": %[1]d, "bytes": %[1]d}},
		{"counter": {"family": "ip", "table": "t", "name": "b", "packets": %[1]d, "bytes": %[1]d}},
		{"counter": {"family": "ip", "table": "t", "name": "c", "packets": %[1]d, "bytes": %[1]d}}
	]`, n)), nil
}

func (g *generationSource) FetchElements(context.Context, containerRef) (gjson.Result, error) {
	return gjson.Result{}, nil
}

func TestScrapeDuringRefresh(t *testing.T) {
	s, _ := newTestScheduler(t)
	src := &generationSource{}
	src.gen.Store(1)
	s.source = src
	s.now = func() time.Time {
		return time.Unix(src.gen.Load(), 0)
	}
	require.NoError(t, s.Refresh(context.Background()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(newSnapshotCollector(s.store, s.builder.descs, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			src.gen.Add(1)
			_ = s.Refresh(ctx)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	seen := map[float64]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < 5 && time.Now().Before(deadline) {
		families, err := reg.Gather()
		require.NoError(t, err)

		var stamp float64
		var values []float64
		for _, mf := range families {
			switch mf.GetName() {
			case "nftables_snapshot_timestamp_seconds":
				require.Len(t, mf.GetMetric(), 1)
				stamp = mf.GetMetric()[0].GetGauge().GetValue()
			case "nftables_counter_packets", "nftables_counter_bytes":
				require.Len(t, mf.GetMetric(), 3)
				for _, m := range mf.GetMetric() {
					values = append(values, m.GetCounter().GetValue())
				}
			}
		}
		require.Len(t, values, 6)
		for _, v := range values {
			require.InDelta(t, stamp, v, 0, "scrape mixes generations %v and %v", stamp, v)
		}
		require.NotZero(t, int64(stamp)%3, "failed generation published")
		seen[stamp] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2, "refreshes were not observed by scrapes")
}
