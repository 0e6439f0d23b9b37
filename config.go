package fetchcache

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultTTL is the entry lifetime applied when CachePolicy.TTL is zero.
	DefaultTTL = time.Minute * 5

	// DefaultFlushInterval is the sweeper period applied when
	// CachePolicy.FlushInterval is zero.
	DefaultFlushInterval = time.Minute

	// MinFlushInterval is the enforced floor for the sweeper period.
	MinFlushInterval = time.Second

	// DefaultMaxMemoryBytes is the eviction high-water mark applied when
	// FreeUpMemoryPolicy.MaxMemoryBytes is zero and not explicitly pinned
	// via ZeroMaxMemory.
	DefaultMaxMemoryBytes = 10 << 20
)

// ExpirationStrategy governs how an entry's expiry is measured.
type ExpirationStrategy int

const (
	// ExpirationStrategyExpire expires entries a fixed TTL after resolution.
	ExpirationStrategyExpire ExpirationStrategy = iota

	// ExpirationStrategyIdle expires entries a fixed TTL after the most
	// recent reader access, i.e. access resets the countdown.
	ExpirationStrategyIdle
)

// ErrorTaskPolicy governs how failed tasks are retained.
type ErrorTaskPolicy int

const (
	// ErrorTaskPolicyIgnore surfaces the error to current readers, then
	// drops the task, so the next read triggers a fresh fetch.
	ErrorTaskPolicyIgnore ErrorTaskPolicy = iota

	// ErrorTaskPolicyCache retains the failed task, returning the same
	// error to all readers until it is deleted, cleared, or expires.
	ErrorTaskPolicyCache
)

type (
	// CachePolicy configures entry lifetime and key derivation.
	CachePolicy[K any] struct {
		// Transform replaces the default fingerprinter entirely, if
		// non-nil. Colliding outputs for distinct keys share cache state;
		// that is permitted by contract.
		Transform func(key K) (string, error)

		// TTL is the entry lifetime.
		// **Defaults to [DefaultTTL], if 0, or if negative.**
		TTL time.Duration

		// FlushInterval is the sweeper period.
		// **Defaults to [DefaultFlushInterval] if 0 or negative, and is
		// clamped to no less than [MinFlushInterval].**
		FlushInterval time.Duration

		// ExpirationStrategy selects TTL-from-resolution (the default) or
		// idle expiration.
		ExpirationStrategy ExpirationStrategy

		// ErrorTaskPolicy selects whether failed tasks are retained.
		// Defaults to [ErrorTaskPolicyIgnore].
		ErrorTaskPolicy ErrorTaskPolicy
	}

	// FetchingPolicy configures how fetches are run.
	FetchingPolicy struct {
		// Timeout is the per-fetch wall-clock limit, if positive. It is
		// clamped to at most the (resolved) TTL.
		Timeout time.Duration

		// Concurrency bounds the number of concurrently admitted fetches,
		// if positive. Zero or negative means unlimited. Excess tasks
		// queue, FIFO by creation time.
		Concurrency int

		// UseClones causes reads to return a deep copy of the cached
		// value, rather than a shared reference. Errors are never cloned.
		UseClones bool
	}

	// FreeUpMemoryPolicy configures the memory cap and eviction.
	FreeUpMemoryPolicy struct {
		// Score overrides the default eviction score, if non-nil. Higher
		// scores are retained longer. See [TaskInfo].
		Score func(info *TaskInfo) float64

		// MaxMemoryBytes is the eviction high-water mark.
		// **Defaults to [DefaultMaxMemoryBytes], if 0**, unless
		// ZeroMaxMemory is set, in which case eviction triggers whenever
		// any bytes are resident.
		MaxMemoryBytes int64

		// MinMemoryBytes is the eviction low-water mark. It must satisfy
		// 0 < MinMemoryBytes < MaxMemoryBytes, and otherwise falls back to
		// MaxMemoryBytes/2.
		MinMemoryBytes int64

		// ZeroMaxMemory gives MaxMemoryBytes == 0 its literal meaning.
		ZeroMaxMemory bool
	}

	// Config models optional configuration, for New. The zero value is
	// usable; all fields have documented defaults.
	Config[K any, V any] struct {
		// Logger receives debug, warning, and error events, e.g.
		// admissions, evictions, clone failures, and fetch failures. May be
		// nil.
		Logger *logiface.Logger[logiface.Event]

		// Clock is used for all time reads, timers, and tickers.
		// **Defaults to the real clock.** Inject a fake for tests.
		Clock clockwork.Clock

		CachePolicy        CachePolicy[K]
		FetchingPolicy     FetchingPolicy
		FreeUpMemoryPolicy FreeUpMemoryPolicy
	}
)

// resolved configuration, normalized once in New
type resolvedConfig[K any, V any] struct {
	transform      func(key K) (string, error)
	score          func(info *TaskInfo) float64
	logger         *logiface.Logger[logiface.Event]
	clock          clockwork.Clock
	ttl            time.Duration
	flushInterval  time.Duration
	timeout        time.Duration
	concurrency    int
	maxMemoryBytes int64
	minMemoryBytes int64
	strategy       ExpirationStrategy
	errorPolicy    ErrorTaskPolicy
	useClones      bool
}

func resolveConfig[K any, V any](config *Config[K, V]) (cfg resolvedConfig[K, V]) {
	cfg.ttl = DefaultTTL
	cfg.flushInterval = DefaultFlushInterval
	cfg.maxMemoryBytes = DefaultMaxMemoryBytes
	cfg.clock = clockwork.NewRealClock()

	if config == nil {
		cfg.minMemoryBytes = cfg.maxMemoryBytes / 2
		return
	}

	if config.CachePolicy.TTL > 0 {
		cfg.ttl = config.CachePolicy.TTL
	}
	if config.CachePolicy.FlushInterval > 0 {
		cfg.flushInterval = config.CachePolicy.FlushInterval
	}
	if cfg.flushInterval < MinFlushInterval {
		cfg.flushInterval = MinFlushInterval
	}
	cfg.strategy = config.CachePolicy.ExpirationStrategy
	cfg.errorPolicy = config.CachePolicy.ErrorTaskPolicy
	cfg.transform = config.CachePolicy.Transform

	if config.FetchingPolicy.Timeout > 0 {
		cfg.timeout = min(config.FetchingPolicy.Timeout, cfg.ttl)
	}
	if config.FetchingPolicy.Concurrency > 0 {
		cfg.concurrency = config.FetchingPolicy.Concurrency
	}
	cfg.useClones = config.FetchingPolicy.UseClones

	switch {
	case config.FreeUpMemoryPolicy.MaxMemoryBytes > 0:
		cfg.maxMemoryBytes = config.FreeUpMemoryPolicy.MaxMemoryBytes
	case config.FreeUpMemoryPolicy.MaxMemoryBytes == 0 && config.FreeUpMemoryPolicy.ZeroMaxMemory:
		cfg.maxMemoryBytes = 0
	}
	cfg.minMemoryBytes = cfg.maxMemoryBytes / 2
	if v := config.FreeUpMemoryPolicy.MinMemoryBytes; v > 0 && v < cfg.maxMemoryBytes {
		cfg.minMemoryBytes = v
	}
	cfg.score = config.FreeUpMemoryPolicy.Score

	cfg.logger = config.Logger
	if config.Clock != nil {
		cfg.clock = config.Clock
	}

	return
}
