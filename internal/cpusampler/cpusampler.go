// Package cpusampler periodically samples CPU usage for running programs and
// keeps a bounded ring buffer of recent samples per program, trimmed down from
// the teacher's instance-group metrics collector to the single-program model
// this supervisor uses. Samples back both the dashboard's CPU sparkline and a
// Prometheus gauge.
package cpusampler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const DefaultMaxSamples = 120 // 10 minutes at a 5s interval

// Sample is one CPU percentage reading.
type Sample struct {
	Timestamp time.Time
	Percent   float64
}

type ring struct {
	mu      sync.RWMutex
	buf     []Sample
	start   int
	count   int
	maxSize int
}

func newRing(max int) *ring {
	return &ring{buf: make([]Sample, max), maxSize: max}
}

func (r *ring) push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < r.maxSize {
		r.buf[r.count] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % r.maxSize
}

func (r *ring) snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, r.count)
	if r.count < r.maxSize {
		copy(out, r.buf[:r.count])
		return out
	}
	n := copy(out, r.buf[r.start:])
	copy(out[n:], r.buf[:r.start])
	return out
}

func (r *ring) latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return Sample{}, false
	}
	idx := r.count - 1
	if r.count == r.maxSize {
		idx = (r.start - 1 + r.maxSize) % r.maxSize
	}
	return r.buf[idx], true
}

// Sampler tracks CPU usage for the currently-running set of programs, keyed
// by program name. A program with no running PID is simply skipped each tick.
type Sampler struct {
	interval   time.Duration
	maxSamples int

	mu      sync.RWMutex
	history map[string]*ring

	gauge *prometheus.GaugeVec

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(interval time.Duration, maxSamples int) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Sampler{
		interval:   interval,
		maxSamples: maxSamples,
		history:    make(map[string]*ring),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "procwatch",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage for supervised programs.",
		}, []string{"name"}),
		stopCh: make(chan struct{}),
	}
}

// RegisterMetrics wires the sampler's Prometheus gauge with r. Safe to call once.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(s.gauge)
}

// Run samples every program returned by getPIDs() on each tick until ctx is
// canceled or Stop is called.
func (s *Sampler) Run(ctx context.Context, getPIDs func() map[string]int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sampleOnce(getPIDs())
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) sampleOnce(pids map[string]int) {
	now := time.Now()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		proc, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		pct, err := proc.CPUPercent()
		if err != nil {
			slog.Debug("cpusampler: CPUPercent failed", "name", name, "pid", pid, "error", err)
			continue
		}
		s.record(name, Sample{Timestamp: now, Percent: pct})
		s.gauge.WithLabelValues(name).Set(pct)
	}
	s.prune(pids)
}

func (s *Sampler) record(name string, sample Sample) {
	s.mu.Lock()
	r, ok := s.history[name]
	if !ok {
		r = newRing(s.maxSamples)
		s.history[name] = r
	}
	s.mu.Unlock()
	r.push(sample)
}

// prune drops history and gauge series for programs no longer present.
func (s *Sampler) prune(active map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.history {
		if _, ok := active[name]; !ok {
			delete(s.history, name)
			s.gauge.DeleteLabelValues(name)
		}
	}
}

// Samples returns the recent CPU history for name, oldest first.
func (s *Sampler) Samples(name string) []Sample {
	s.mu.RLock()
	r, ok := s.history[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Latest returns the most recent sample for name, if any.
func (s *Sampler) Latest(name string) (Sample, bool) {
	s.mu.RLock()
	r, ok := s.history[name]
	s.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}
	return r.latest()
}
