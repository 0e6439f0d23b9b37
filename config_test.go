package fetchcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveConfig_defaults(t *testing.T) {
	cfg := resolveConfig[string, string](nil)
	assert.Equal(t, DefaultTTL, cfg.ttl)
	assert.Equal(t, DefaultFlushInterval, cfg.flushInterval)
	assert.EqualValues(t, DefaultMaxMemoryBytes, cfg.maxMemoryBytes)
	assert.EqualValues(t, DefaultMaxMemoryBytes/2, cfg.minMemoryBytes)
	assert.Zero(t, cfg.timeout)
	assert.Zero(t, cfg.concurrency)
	assert.False(t, cfg.useClones)
	assert.NotNil(t, cfg.clock)
	assert.Nil(t, cfg.logger)
}

func TestResolveConfig_negativeConcurrencyUnlimited(t *testing.T) {
	cfg := resolveConfig(&Config[string, string]{
		FetchingPolicy: FetchingPolicy{Concurrency: -1},
	})
	assert.Zero(t, cfg.concurrency)
}

func TestResolveConfig_timeoutClampedToTTL(t *testing.T) {
	cfg := resolveConfig(&Config[string, string]{
		CachePolicy:    CachePolicy[string]{TTL: time.Second},
		FetchingPolicy: FetchingPolicy{Timeout: time.Minute},
	})
	assert.Equal(t, time.Second, cfg.timeout)

	cfg = resolveConfig(&Config[string, string]{
		CachePolicy:    CachePolicy[string]{TTL: time.Minute},
		FetchingPolicy: FetchingPolicy{Timeout: time.Second},
	})
	assert.Equal(t, time.Second, cfg.timeout)
}

func TestResolveConfig_memoryBounds(t *testing.T) {
	// invalid min falls back to max/2
	cfg := resolveConfig(&Config[string, string]{
		FreeUpMemoryPolicy: FreeUpMemoryPolicy{MaxMemoryBytes: 1000, MinMemoryBytes: 2000},
	})
	assert.EqualValues(t, 1000, cfg.maxMemoryBytes)
	assert.EqualValues(t, 500, cfg.minMemoryBytes)

	// valid min honored
	cfg = resolveConfig(&Config[string, string]{
		FreeUpMemoryPolicy: FreeUpMemoryPolicy{MaxMemoryBytes: 1000, MinMemoryBytes: 250},
	})
	assert.EqualValues(t, 250, cfg.minMemoryBytes)

	// zero means the default, unless pinned
	cfg = resolveConfig(&Config[string, string]{})
	assert.EqualValues(t, DefaultMaxMemoryBytes, cfg.maxMemoryBytes)

	cfg = resolveConfig(&Config[string, string]{
		FreeUpMemoryPolicy: FreeUpMemoryPolicy{ZeroMaxMemory: true},
	})
	assert.Zero(t, cfg.maxMemoryBytes)
	assert.Zero(t, cfg.minMemoryBytes)
}

func TestResolveConfig_flushIntervalFloor(t *testing.T) {
	cfg := resolveConfig(&Config[string, string]{
		CachePolicy: CachePolicy[string]{FlushInterval: time.Millisecond * 10},
	})
	assert.Equal(t, MinFlushInterval, cfg.flushInterval)
}
