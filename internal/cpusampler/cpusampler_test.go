package cpusampler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_SnapshotBeforeWrapIsOldestFirstInsertionOrder(t *testing.T) {
	r := newRing(3)
	r.push(Sample{Percent: 1})
	r.push(Sample{Percent: 2})

	got := r.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Percent)
	assert.Equal(t, 2.0, got[1].Percent)
}

func TestRing_PushEvictsOldestOnceFull(t *testing.T) {
	r := newRing(2)
	r.push(Sample{Percent: 1})
	r.push(Sample{Percent: 2})
	r.push(Sample{Percent: 3}) // evicts 1

	got := r.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Percent)
	assert.Equal(t, 3.0, got[1].Percent)
}

func TestRing_LatestTracksMostRecentPushAcrossWrap(t *testing.T) {
	r := newRing(2)
	r.push(Sample{Percent: 1})
	r.push(Sample{Percent: 2})
	r.push(Sample{Percent: 3})

	last, ok := r.latest()
	require.True(t, ok)
	assert.Equal(t, 3.0, last.Percent)
}

func TestRing_LatestEmpty(t *testing.T) {
	r := newRing(2)
	_, ok := r.latest()
	assert.False(t, ok)
}

func TestSampler_RecordAndSamples(t *testing.T) {
	s := New(time.Second, 5)
	s.record("web", Sample{Percent: 10})
	s.record("web", Sample{Percent: 20})

	got := s.Samples("web")
	require.Len(t, got, 2)
	assert.Equal(t, 20.0, got[1].Percent)

	assert.Nil(t, s.Samples("unknown"), "unseen program has no history, not a fabricated empty slice")
}

func TestSampler_LatestAndUnknown(t *testing.T) {
	s := New(time.Second, 5)
	s.record("web", Sample{Percent: 42})

	last, ok := s.Latest("web")
	require.True(t, ok)
	assert.Equal(t, 42.0, last.Percent)

	_, ok = s.Latest("unknown")
	assert.False(t, ok)
}

func TestSampler_PrunesHistoryForInactivePrograms(t *testing.T) {
	s := New(time.Second, 5)
	s.record("web", Sample{Percent: 1})
	s.record("worker", Sample{Percent: 2})

	s.prune(map[string]int{"web": 100})

	assert.NotNil(t, s.Samples("web"))
	assert.Nil(t, s.Samples("worker"))
}

func TestSampler_DefaultsAppliedForNonPositiveArgs(t *testing.T) {
	s := New(0, 0)
	assert.Equal(t, 5*time.Second, s.interval)
	assert.Equal(t, DefaultMaxSamples, s.maxSamples)
}

func TestSampler_RegisterMetricsSucceedsOnce(t *testing.T) {
	s := New(time.Second, 5)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	err := s.RegisterMetrics(reg)
	assert.Error(t, err, "registering the same collector twice against the same registry must fail")
}

func TestSampler_RunStopsCleanlyWithoutSampling(t *testing.T) {
	s := New(10*time.Millisecond, 5)
	s.Run(context.Background(), func() map[string]int { return nil })
	s.Stop() // must return without deadlocking even if no ticks landed
}
