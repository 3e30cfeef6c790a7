package profiler

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// Stats summarises a window of samples.
type Stats struct {
	Mean    float64
	Min     float64
	Max     float64
	Samples int
	// Count is the total number of samples ever recorded, including evicted ones.
	Count int64
}

// TimeStats summarises a window of operation durations.
type TimeStats struct {
	Mean    time.Duration
	Min     time.Duration
	Max     time.Duration
	Samples int
	Count   int64
}

// Snapshot is a point-in-time copy of everything the profiler tracks.
type Snapshot struct {
	Uptime     time.Duration
	Goroutines int
	HeapAlloc  uint64
	NumGC      uint32
	Metrics    map[string]Stats
	Operations map[string]TimeStats
}

// window is a bounded FIFO of samples with running totals.
type window[T int64 | float64] struct {
	values []T
	sum    T
	count  int64
}

func (w *window[T]) add(v T, limit int) {
	w.values = append(w.values, v)
	w.sum += v
	w.count++
	if len(w.values) > limit {
		w.sum -= w.values[0]
		w.values = w.values[1:]
	}
}

func (w *window[T]) bounds() (T, T) {
	lo, hi := w.values[0], w.values[0]
	for _, v := range w.values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Profiler tracks training step timings and loss metrics and logs periodic reports.
//
// The profiler is safe for concurrent use. Reporting only runs between Start and Stop;
// recording works at any time.
type Profiler struct {
	reportInterval time.Duration
	maxSamples     int

	mu         sync.Mutex
	startTime  time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    map[string]*window[float64]
	operations map[string]*window[int64]
	collectors []MetricsCollector
}

// Options configures the profiler.
type Options struct {
	// ReportInterval specifies how often to log a report (default: 30s).
	ReportInterval time.Duration
	// MaxSamples is the window size of every metric and operation (default: 200).
	MaxSamples int
}

// New creates a profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured Profiler instance
func New(opts Options) *Profiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 200
	}

	return &Profiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		startTime:      time.Now(),
		metrics:        make(map[string]*window[float64]),
		operations:     make(map[string]*window[int64]),
	}
}

// Start begins logging periodic reports until ctx is done or Stop is called.
// Calling Start on a running profiler does nothing.
func (p *Profiler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Print(p.Report())
			}
		}
	}()
}

// Stop stops reporting and waits for the reporter to exit.
func (p *Profiler) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

// AddMetricsCollector registers a collector sampled on every Snapshot.
func (p *Profiler) AddMetricsCollector(collector MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, collector)
}

// RecordMetric records a custom metric value.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordMetric(name, value)
}

func (p *Profiler) recordMetric(name string, value float64) {
	w, ok := p.metrics[name]
	if !ok {
		w = &window[float64]{}
		p.metrics[name] = w
	}
	w.add(value, p.maxSamples)
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
//
// @example
// done := prof.StartOperation("infer")
// boxes, logits, err := detector.Infer(pixels)
// done()
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.recordDuration(name, time.Since(start))
	}
}

func (p *Profiler) recordDuration(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.operations[name]
	if !ok {
		w = &window[int64]{}
		p.operations[name] = w
	}
	w.add(int64(d), p.maxSamples)
}

// Snapshot samples the collectors and returns a copy of the current statistics.
func (p *Profiler) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.collectors {
		for name, v := range c.CollectMetrics() {
			p.recordMetric(name, v)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Snapshot{
		Uptime:     time.Since(p.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		NumGC:      mem.NumGC,
		Metrics:    make(map[string]Stats, len(p.metrics)),
		Operations: make(map[string]TimeStats, len(p.operations)),
	}
	for name, w := range p.metrics {
		lo, hi := w.bounds()
		s.Metrics[name] = Stats{
			Mean:    w.sum / float64(len(w.values)),
			Min:     lo,
			Max:     hi,
			Samples: len(w.values),
			Count:   w.count,
		}
	}
	for name, w := range p.operations {
		lo, hi := w.bounds()
		s.Operations[name] = TimeStats{
			Mean:    time.Duration(w.sum / int64(len(w.values))),
			Min:     time.Duration(lo),
			Max:     time.Duration(hi),
			Samples: len(w.values),
			Count:   w.count,
		}
	}
	return s
}

// Report formats a snapshot as a multi-line status report.
func (p *Profiler) Report() string {
	s := p.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "📊 profiler: uptime=%v goroutines=%d heap=%s gc=%d\n",
		s.Uptime.Truncate(time.Millisecond), s.Goroutines, formatBytes(s.HeapAlloc), s.NumGC)

	for _, name := range sortedKeys(s.Metrics) {
		m := s.Metrics[name]
		fmt.Fprintf(&b, "  %s: avg=%.4f, min=%.4f, max=%.4f, samples=%d\n",
			name, m.Mean, m.Min, m.Max, m.Samples)
	}
	for _, name := range sortedKeys(s.Operations) {
		o := s.Operations[name]
		fmt.Fprintf(&b, "  %s: avg=%v, min=%v, max=%v, count=%d\n",
			name, o.Mean.Truncate(time.Microsecond), o.Min.Truncate(time.Microsecond),
			o.Max.Truncate(time.Microsecond), o.Count)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
