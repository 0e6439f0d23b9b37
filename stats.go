package fetchcache

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Trend labels for [TemporalStats].
const (
	TrendImproving = `improving`
	TrendStable    = `stable`
	TrendDeclining = `declining`
)

// Health status labels for [HealthStats].
const (
	HealthExcellent = `excellent`
	HealthGood      = `good`
	HealthWarning   = `warning`
	HealthCritical  = `critical`
)

// recentErrorHorizon bounds the window for HealthStats.RecentErrors.
const recentErrorHorizon = time.Minute * 5

// trendMinSamples is the minimum recent-window size before a trend other
// than stable is reported.
const trendMinSamples = 10

type (
	// Statistics is a point-in-time view of the cache's efficiency,
	// performance, operations, memory, inventory, health, and temporal
	// behavior. Durations are reported in (fractional) milliseconds.
	Statistics struct {
		Efficiency  EfficiencyStats  `json:"efficiency"`
		Performance PerformanceStats `json:"performance"`
		Operations  OperationsStats  `json:"operations"`
		Memory      MemoryStats      `json:"memory"`
		Inventory   InventoryStats   `json:"inventory"`
		Health      HealthStats      `json:"health"`
		Temporal    TemporalStats    `json:"temporal"`
	}

	// EfficiencyStats describes hit-rate behavior.
	EfficiencyStats struct {
		HitRate       float64 `json:"hitRate"`
		Hits          int64   `json:"hits"`
		Misses        int64   `json:"misses"`
		TotalRequests int64   `json:"totalRequests"`
		// TimeSavedMs is hits x (avg fetch latency - avg cached latency).
		TimeSavedMs float64 `json:"timeSavedMs"`
	}

	// PerformanceStats describes response-time behavior, in milliseconds.
	PerformanceStats struct {
		AvgCachedResponseTime float64 `json:"avgCachedResponseTime"`
		AvgFetchResponseTime  float64 `json:"avgFetchResponseTime"`
		// PerformanceGain is avg fetch over avg cached, or 0.
		PerformanceGain float64 `json:"performanceGain"`
		P95ResponseTime float64 `json:"p95ResponseTime"`
		FastestResponse float64 `json:"fastestResponse"`
		SlowestResponse float64 `json:"slowestResponse"`
	}

	// OperationsStats describes scheduler state.
	OperationsStats struct {
		ActiveRequests   int   `json:"activeRequests"`
		QueuedRequests   int   `json:"queuedRequests"`
		ConcurrencyLimit int   `json:"concurrencyLimit"`
		RejectedRequests int64 `json:"rejectedRequests"`
		PeakConcurrency  int   `json:"peakConcurrency"`
	}

	// MemoryStats describes resident bytes and eviction accounting.
	MemoryStats struct {
		CurrentUsage         string  `json:"currentUsage"`
		CurrentUsageBytes    int64   `json:"currentUsageBytes"`
		UsagePercentage      float64 `json:"usagePercentage"`
		Limit                string  `json:"limit"`
		LimitBytes           int64   `json:"limitBytes"`
		CleanupCount         int64   `json:"cleanupCount"`
		MemoryReclaimed      string  `json:"memoryReclaimed"`
		MemoryReclaimedBytes int64   `json:"memoryReclaimedBytes"`
	}

	// InventoryStats describes the resident entry population.
	InventoryStats struct {
		TotalItems     int     `json:"totalItems"`
		AvgItemUsage   float64 `json:"avgItemUsage"`
		MaxItemUsage   int64   `json:"maxItemUsage"`
		MinItemUsage   int64   `json:"minItemUsage"`
		SingleUseItems int     `json:"singleUseItems"`
		HighValueItems int     `json:"highValueItems"`
	}

	// HealthStats is a derived summary of cache health.
	HealthStats struct {
		Status       string   `json:"status"`
		Score        int      `json:"score"`
		Issues       []string `json:"issues"`
		ErrorRate    float64  `json:"errorRate"`
		RecentErrors int64    `json:"recentErrors"`
		Timeouts     int64    `json:"timeouts"`
	}

	// TemporalStats describes uptime and request-rate behavior.
	TemporalStats struct {
		UptimeMs          int64   `json:"uptimeMs"`
		Uptime            string  `json:"uptime"`
		RequestsPerMinute float64 `json:"requestsPerMinute"`
		Trend             string  `json:"trend"`
	}
)

// highValueUseCount is the use count at or above which an entry counts as
// high-value in [InventoryStats].
const highValueUseCount = 10

// Statistics derives the full statistics view from current state.
func (x *Cacher[K, V]) Statistics() *Statistics {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	m := x.metrics

	var stats Statistics

	// efficiency
	stats.Efficiency.Hits = m.hits
	stats.Efficiency.Misses = m.misses
	stats.Efficiency.TotalRequests = m.totalReads
	if m.totalReads > 0 {
		stats.Efficiency.HitRate = float64(m.hits) / float64(m.totalReads)
	}

	// performance
	avgCached := windowAvg(m.cached)
	avgFetched := windowAvg(m.fetched)
	stats.Performance.AvgCachedResponseTime = durationMs(avgCached)
	stats.Performance.AvgFetchResponseTime = durationMs(avgFetched)
	if avgCached > 0 && avgFetched > 0 {
		stats.Performance.PerformanceGain = float64(avgFetched) / float64(avgCached)
	}
	all := append(m.cached.Slice(), m.fetched.Slice()...)
	stats.Performance.P95ResponseTime = durationMs(windowPercentile(all, 0.95))
	if len(all) != 0 {
		fastest, slowest := all[0], all[0]
		for _, d := range all[1:] {
			if d < fastest {
				fastest = d
			}
			if d > slowest {
				slowest = d
			}
		}
		stats.Performance.FastestResponse = durationMs(fastest)
		stats.Performance.SlowestResponse = durationMs(slowest)
	}

	if saved := float64(m.hits) * (durationMs(avgFetched) - durationMs(avgCached)); saved > 0 {
		stats.Efficiency.TimeSavedMs = saved
	}

	// operations + inventory + memory usage, in one store walk
	var (
		usage       int64
		activeCount int
		queuedCount int
		useTotal    int64
		useMax      int64
		useMin      int64 = -1
		singleUse   int
		highValue   int
	)
	x.store.each(func(t *task[K, V]) {
		switch t.status(now, x.cfg.ttl, x.cfg.strategy) {
		case StatusActive:
			usage += t.bytes
		case StatusQueued:
			queuedCount++
		case StatusRunning:
			activeCount++
		}
		useTotal += t.useCount
		if t.useCount > useMax {
			useMax = t.useCount
		}
		if useMin < 0 || t.useCount < useMin {
			useMin = t.useCount
		}
		if t.useCount == 1 {
			singleUse++
		}
		if t.useCount >= highValueUseCount {
			highValue++
		}
	})
	if useMin < 0 {
		useMin = 0
	}

	stats.Operations.ActiveRequests = activeCount
	stats.Operations.QueuedRequests = queuedCount
	stats.Operations.ConcurrencyLimit = x.cfg.concurrency
	stats.Operations.RejectedRequests = m.rejectedCount
	stats.Operations.PeakConcurrency = m.peakConcurrency

	stats.Memory.CurrentUsage = formatBytes(usage)
	stats.Memory.CurrentUsageBytes = usage
	stats.Memory.Limit = formatBytes(x.cfg.maxMemoryBytes)
	stats.Memory.LimitBytes = x.cfg.maxMemoryBytes
	if x.cfg.maxMemoryBytes > 0 {
		stats.Memory.UsagePercentage = float64(usage) / float64(x.cfg.maxMemoryBytes) * 100
	}
	stats.Memory.CleanupCount = m.evictionCount
	stats.Memory.MemoryReclaimed = formatBytes(m.releasedBytes)
	stats.Memory.MemoryReclaimedBytes = m.releasedBytes

	stats.Inventory.TotalItems = x.store.len()
	if n := x.store.len(); n > 0 {
		stats.Inventory.AvgItemUsage = float64(useTotal) / float64(n)
	}
	stats.Inventory.MaxItemUsage = useMax
	stats.Inventory.MinItemUsage = useMin
	stats.Inventory.SingleUseItems = singleUse
	stats.Inventory.HighValueItems = highValue

	// health
	if m.totalReads > 0 {
		stats.Health.ErrorRate = float64(m.errorCount) / float64(m.totalReads)
	}
	stats.Health.RecentErrors = m.recentErrors(now, recentErrorHorizon)
	stats.Health.Timeouts = m.timeoutCount
	stats.Health.Score, stats.Health.Issues = healthScore(&stats, queuedCount)
	stats.Health.Status = healthStatus(stats.Health.Score)

	// temporal
	uptime := now.Sub(m.startedAt)
	stats.Temporal.UptimeMs = uptime.Milliseconds()
	stats.Temporal.Uptime = formatUptime(uptime)
	if minutes := uptime.Minutes(); minutes > 0 {
		stats.Temporal.RequestsPerMinute = float64(m.totalReads) / minutes
	}
	stats.Temporal.Trend = trend(m.recent)

	return &stats
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// formatUptime renders a duration as "Nd Nh Nm Ss".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (time.Hour * 24)
	d -= days * time.Hour * 24
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	return fmt.Sprintf(`%dd %dh %dm %ds`, days, hours, minutes, seconds)
}

// healthScore derives a 0-100 score, with the issues that reduced it.
func healthScore(stats *Statistics, queued int) (score int, issues []string) {
	score = 100

	if stats.Health.ErrorRate > 0.1 {
		score -= 30
		issues = append(issues, fmt.Sprintf(`high error rate: %.1f%%`, stats.Health.ErrorRate*100))
	}
	if stats.Health.Timeouts > 0 {
		score -= 10
		issues = append(issues, fmt.Sprintf(`%d fetch timeouts`, stats.Health.Timeouts))
	}
	if stats.Efficiency.TotalRequests >= 20 && stats.Efficiency.HitRate < 0.5 {
		score -= 20
		issues = append(issues, fmt.Sprintf(`low hit rate: %.1f%%`, stats.Efficiency.HitRate*100))
	}
	if stats.Memory.UsagePercentage > 90 {
		score -= 20
		issues = append(issues, fmt.Sprintf(`memory near limit: %.1f%%`, stats.Memory.UsagePercentage))
	}
	if queued > 10 {
		score -= 10
		issues = append(issues, fmt.Sprintf(`%d tasks queued`, queued))
	}

	if score < 0 {
		score = 0
	}
	return
}

func healthStatus(score int) string {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 40:
		return HealthWarning
	default:
		return HealthCritical
	}
}

// trend compares the first and second halves of the recent window.
func trend(recent *sampleWindow[time.Duration]) string {
	samples := recent.Slice()
	if len(samples) < trendMinSamples {
		return TrendStable
	}

	half := len(samples) / 2
	var first, second time.Duration
	for _, d := range samples[:half] {
		first += d
	}
	for _, d := range samples[half:] {
		second += d
	}
	firstAvg := float64(first) / float64(half)
	secondAvg := float64(second) / float64(len(samples)-half)

	switch {
	case secondAvg < firstAvg*0.9:
		return TrendImproving
	case secondAvg > firstAvg*1.1:
		return TrendDeclining
	default:
		return TrendStable
	}
}
