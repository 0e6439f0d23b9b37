package fetchcache

import (
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

const (
	// latencyWindowLen bounds the cached-read and fresh-fetch latency
	// windows. Oldest samples are dropped first.
	latencyWindowLen = 1000

	// recentWindowLen bounds the overall recent-latency window, used for
	// trend analysis.
	recentWindowLen = 100
)

type (
	// sampleWindow is a bounded FIFO of samples: once full, appends
	// overwrite the oldest.
	sampleWindow[E constraints.Ordered] struct {
		s    []E
		r, w uint
	}

	// metrics aggregates the engine's monotone counters and latency
	// windows. Counters never decrease except via reset. All access is
	// under the facade mutex.
	metrics struct {
		cached  *sampleWindow[time.Duration] // cached-read latencies
		fetched *sampleWindow[time.Duration] // fresh-fetch latencies
		recent  *sampleWindow[time.Duration] // overall, for trend
		errors  *sampleWindow[int64]         // unix-nano error instants

		startedAt time.Time

		totalReads      int64
		hits            int64
		misses          int64
		fetchCount      int64
		rejectedCount   int64
		evictionCount   int64
		releasedBytes   int64
		errorCount      int64
		timeoutCount    int64
		peakConcurrency int
	}
)

func newSampleWindow[E constraints.Ordered](size int) *sampleWindow[E] {
	if size <= 0 {
		panic(`fetchcache: sample window: size must be positive`)
	}
	return &sampleWindow[E]{s: make([]E, size)}
}

func (x *sampleWindow[E]) index(val uint) uint {
	return val % uint(len(x.s))
}

func (x *sampleWindow[E]) Len() int {
	return int(x.w - x.r)
}

// Append records a sample, dropping the oldest if full.
func (x *sampleWindow[E]) Append(value E) {
	if x.Len() == len(x.s) {
		x.r++
	}
	x.s[x.index(x.w)] = value
	x.w++
}

// Slice returns the samples, oldest first.
func (x *sampleWindow[E]) Slice() (b []E) {
	if l := x.Len(); l != 0 {
		b = make([]E, 0, l)
		for i := 0; i < l; i++ {
			b = append(b, x.s[x.index(x.r+uint(i))])
		}
	}
	return b
}

func (x *sampleWindow[E]) Reset() {
	x.r = 0
	x.w = 0
}

func newMetrics(now time.Time) *metrics {
	return &metrics{
		cached:    newSampleWindow[time.Duration](latencyWindowLen),
		fetched:   newSampleWindow[time.Duration](latencyWindowLen),
		recent:    newSampleWindow[time.Duration](recentWindowLen),
		errors:    newSampleWindow[int64](recentWindowLen),
		startedAt: now,
	}
}

// reset zeroes every counter and window, and restarts uptime.
func (x *metrics) reset(now time.Time) {
	*x = metrics{
		cached:    x.cached,
		fetched:   x.fetched,
		recent:    x.recent,
		errors:    x.errors,
		startedAt: now,
	}
	x.cached.Reset()
	x.fetched.Reset()
	x.recent.Reset()
	x.errors.Reset()
}

// recordErrorAt records an error instant, for the recent-error count.
func (x *metrics) recordErrorAt(now time.Time) {
	x.errors.Append(now.UnixNano())
}

// recentErrors counts recorded errors within horizon of now.
func (x *metrics) recentErrors(now time.Time, horizon time.Duration) (n int64) {
	cutoff := now.Add(-horizon).UnixNano()
	for i, l := 0, x.errors.Len(); i < l; i++ {
		if x.errors.s[x.errors.index(x.errors.r+uint(i))] >= cutoff {
			n++
		}
	}
	return
}

// recordCached records a read served by an existing task.
func (x *metrics) recordCached(d time.Duration) {
	x.cached.Append(d)
	x.recent.Append(d)
}

// recordFetch records a read that created a task.
func (x *metrics) recordFetch(d time.Duration) {
	x.fetched.Append(d)
	x.recent.Append(d)
}

// observeConcurrency tracks the peak number of in-flight fetches.
func (x *metrics) observeConcurrency(running int) {
	if running > x.peakConcurrency {
		x.peakConcurrency = running
	}
}

// windowAvg is the mean of a window's samples, or 0 if empty.
func windowAvg(w *sampleWindow[time.Duration]) time.Duration {
	l := w.Len()
	if l == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < l; i++ {
		total += w.s[w.index(w.r+uint(i))]
	}
	return total / time.Duration(l)
}

// windowPercentile is the pth percentile (0..1) over the given samples, at
// rank p*n rounded to the nearest integer (clamped to 1..n), or 0 if empty.
func windowPercentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
