package fetchcache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_statusDerivation(t *testing.T) {
	base := time.Unix(1000, 0)
	ttl := time.Minute

	tk := newTask[string, string](`k`, `fp`, 0, base)
	assert.Equal(t, StatusQueued, tk.status(base, ttl, ExpirationStrategyExpire))
	assert.True(t, tk.fetchStartedAt.IsZero())
	assert.True(t, tk.resolvedAt.IsZero())

	assert.True(t, tk.markStarted(base.Add(time.Second)))
	assert.Equal(t, StatusRunning, tk.status(base.Add(time.Second), ttl, ExpirationStrategyExpire))
	assert.False(t, tk.markStarted(base.Add(time.Second*2)))

	tk.resolvedAt = base.Add(time.Second * 2)
	tk.bytes = 100
	assert.Equal(t, StatusActive, tk.status(base.Add(time.Second*3), ttl, ExpirationStrategyExpire))

	// past TTL from resolution
	assert.Equal(t, StatusExpired, tk.status(base.Add(ttl+time.Second*3), ttl, ExpirationStrategyExpire))
}

func TestTask_statusFailed(t *testing.T) {
	base := time.Unix(1000, 0)
	ttl := time.Minute

	tk := newTask[string, string](`k`, `fp`, 0, base)
	tk.markStarted(base)
	tk.resolvedAt = base
	tk.err = errors.New(`boom`)

	assert.Equal(t, StatusFailed, tk.status(base.Add(time.Second), ttl, ExpirationStrategyExpire))

	// failed tasks expire too, so retained errors are swept eventually
	assert.Equal(t, StatusExpired, tk.status(base.Add(ttl*2), ttl, ExpirationStrategyExpire))
}

func TestTask_idleExpiration(t *testing.T) {
	base := time.Unix(1000, 0)
	ttl := time.Millisecond * 100

	tk := newTask[string, string](`k`, `fp`, 0, base)
	tk.markStarted(base)
	tk.resolvedAt = base

	// accesses reset the idle window
	now := base
	for i := 0; i < 5; i++ {
		now = now.Add(time.Millisecond * 50)
		assert.Equal(t, StatusActive, tk.status(now, ttl, ExpirationStrategyIdle))
		tk.touch(now)
	}

	// under EXPIRE strategy the same task would already be expired
	assert.Equal(t, StatusExpired, tk.status(now, ttl, ExpirationStrategyExpire))

	// idle past the window
	assert.Equal(t, StatusExpired, tk.status(now.Add(time.Millisecond*150), ttl, ExpirationStrategyIdle))
}

func TestTask_touch(t *testing.T) {
	base := time.Unix(1000, 0)
	tk := newTask[string, string](`k`, `fp`, 0, base)
	assert.EqualValues(t, 0, tk.useCount)

	tk.touch(base.Add(time.Second))
	tk.touch(base.Add(time.Second * 2))
	assert.EqualValues(t, 2, tk.useCount)
	assert.Equal(t, base.Add(time.Second*2), tk.lastAccessedAt)
}

func TestStatus_String(t *testing.T) {
	for status, want := range map[Status]string{
		StatusQueued:  `queued`,
		StatusRunning: `running`,
		StatusActive:  `active`,
		StatusFailed:  `failed`,
		StatusExpired: `expired`,
		Status(99):    `unknown`,
	} {
		assert.Equal(t, want, status.String())
	}
}

func TestDefaultScore(t *testing.T) {
	base := time.Unix(1000, 0)
	ttl := time.Minute

	info := func(useCount, bytes int64, age time.Duration) *TaskInfo {
		return &TaskInfo{
			CreatedAt:      base,
			LastAccessedAt: base,
			Now:            base.Add(age),
			TTL:            ttl,
			UseCount:       useCount,
			Bytes:          bytes,
		}
	}

	// more use -> higher score
	assert.Greater(t, DefaultScore(info(10, 100, time.Second)), DefaultScore(info(1, 100, time.Second)))

	// more bytes -> lower score
	assert.Greater(t, DefaultScore(info(1, 100, time.Second)), DefaultScore(info(1, 1000, time.Second)))

	// older -> lower score
	assert.Greater(t, DefaultScore(info(1, 100, time.Second)), DefaultScore(info(1, 100, time.Second*30)))

	// zero bytes treated as one, zero time score treated as one
	zero := &TaskInfo{CreatedAt: base, LastAccessedAt: base, Now: base, TTL: ttl, UseCount: 1}
	assert.Equal(t, float64(1024), DefaultScore(zero))
}
