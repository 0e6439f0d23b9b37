package fetchcache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_subscribeBeforeSettle(t *testing.T) {
	s := &slot[string]{}

	const readers = 10
	var wg sync.WaitGroup
	results := make([]outcome[string], readers)
	for i := 0; i < readers; i++ {
		i := i
		ch := s.subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = <-ch
		}()
	}

	now := time.Now()
	s.resolve(`value`, now)
	wg.Wait()

	for _, out := range results {
		assert.NoError(t, out.err)
		assert.Equal(t, `value`, out.value)
	}
	assert.Equal(t, now, s.completedAt)
}

func TestSlot_subscribeAfterSettle(t *testing.T) {
	s := &slot[int]{}
	s.resolve(42, time.Now())

	ch := s.subscribe()
	out, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 42, out.value)

	// channel is closed after delivery
	_, ok = <-ch
	assert.False(t, ok)
}

func TestSlot_reject(t *testing.T) {
	s := &slot[int]{}
	boom := errors.New(`boom`)
	s.reject(boom, time.Now())

	out := <-s.subscribe()
	assert.ErrorIs(t, out.err, boom)

	result, settled := s.settled()
	assert.True(t, settled)
	assert.ErrorIs(t, result.err, boom)
}

func TestSlot_doubleCompletionPanics(t *testing.T) {
	s := &slot[int]{}
	s.resolve(1, time.Now())
	assert.Panics(t, func() { s.resolve(2, time.Now()) })
	assert.Panics(t, func() { s.reject(errors.New(`nope`), time.Now()) })
}

func TestSlot_preSettledConstructors(t *testing.T) {
	now := time.Now()

	resolved := newResolvedSlot(`v`, now)
	out, settled := resolved.settled()
	require.True(t, settled)
	assert.Equal(t, `v`, out.value)
	assert.Equal(t, now, resolved.completedAt)

	boom := errors.New(`boom`)
	rejected := newRejectedSlot[string](boom, now)
	out, settled = rejected.settled()
	require.True(t, settled)
	assert.ErrorIs(t, out.err, boom)
}
