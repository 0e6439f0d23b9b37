package fetchcache

import (
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"
)

// ensureSweeperLocked arms the periodic sweeper, if not already armed. It
// is armed on first insertion, and disarmed by Clear.
func (x *Cacher[K, V]) ensureSweeperLocked() {
	if x.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	x.sweepStop = stop
	go x.sweepLoop(x.cfg.clock.NewTicker(x.cfg.flushInterval), stop)
}

func (x *Cacher[K, V]) stopSweeperLocked() {
	if x.sweepStop != nil {
		close(x.sweepStop)
		x.sweepStop = nil
	}
}

func (x *Cacher[K, V]) sweepLoop(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			x.Sweep()
		}
	}
}

// Sweep runs a single sweeper pass immediately: expired and dropped-failed
// entries are removed, then, if resident bytes exceed the high-water mark,
// active entries are evicted in ascending score order until usage falls
// below the low-water mark. Queued and running tasks are never touched;
// in-flight computations are not preempted.
func (x *Cacher[K, V]) Sweep() {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()

	// expiration pass
	var expired []*task[K, V]
	x.store.each(func(t *task[K, V]) {
		switch t.status(now, x.cfg.ttl, x.cfg.strategy) {
		case StatusExpired:
			expired = append(expired, t)
		case StatusFailed:
			if x.cfg.errorPolicy == ErrorTaskPolicyIgnore {
				expired = append(expired, t)
			}
		}
	})
	for _, t := range expired {
		x.dropLocked(t)
	}

	// memory pass
	usage := x.usageLocked(now)
	if usage <= x.cfg.maxMemoryBytes && !(x.cfg.maxMemoryBytes == 0 && usage > 0) {
		if len(expired) != 0 {
			x.cfg.logger.Debug().
				Int(`expired`, len(expired)).
				Int64(`usage`, usage).
				Log(`sweep complete`)
		}
		return
	}

	x.metrics.evictionCount++

	type victim struct {
		t     *task[K, V]
		score float64
	}
	var victims []victim
	x.store.each(func(t *task[K, V]) {
		switch t.status(now, x.cfg.ttl, x.cfg.strategy) {
		case StatusActive:
		case StatusFailed:
			// retained failures are evictable too
			if x.cfg.errorPolicy != ErrorTaskPolicyCache {
				return
			}
		default:
			return
		}
		victims = append(victims, victim{t: t, score: x.scoreLocked(t, now)})
	})
	slices.SortStableFunc(victims, func(a, b victim) int {
		if a.score < b.score {
			return -1
		}
		if a.score > b.score {
			return 1
		}
		if a.t.fingerprint < b.t.fingerprint {
			return -1
		}
		if a.t.fingerprint > b.t.fingerprint {
			return 1
		}
		return 0
	})

	var evicted int
	var reclaimed int64
	for _, v := range victims {
		if usage < x.cfg.minMemoryBytes || (x.cfg.minMemoryBytes == 0 && usage <= 0) {
			break
		}
		usage -= v.t.bytes
		reclaimed += v.t.bytes
		x.dropLocked(v.t)
		evicted++
	}

	x.cfg.logger.Debug().
		Int(`expired`, len(expired)).
		Int(`evicted`, evicted).
		Int64(`reclaimed`, reclaimed).
		Int64(`usage`, usage).
		Int64(`limit`, x.cfg.maxMemoryBytes).
		Log(`memory pass evicted entries`)
}
