package fetchcache

import (
	"context"
	"sync"
	"time"
)

type (
	// FetchFunc produces the value for a key. For any live fingerprint it
	// is invoked at most once. The context is canceled if the per-fetch
	// timeout fires first, in which case the eventual result is discarded.
	FetchFunc[K any, V any] func(ctx context.Context, key K) (V, error)

	// Cacher is an asynchronous memoization cache: key->value computations
	// are deduplicated per fingerprint, bounded in concurrency, expired by
	// TTL or idle window, and evicted by score when over the memory cap.
	// Instances must be initialized using the New factory.
	//
	// All methods are safe for concurrent use. Reads block until the
	// underlying computation completes (or ctx is done); canceling a read
	// never cancels the computation, whose result remains cached for
	// subsequent readers.
	Cacher[K any, V any] struct {
		fetch FetchFunc[K, V]
		cfg   resolvedConfig[K, V]

		mu      sync.Mutex
		store   *store[K, V]
		sched   *scheduler[K, V]
		metrics *metrics
		// external counts in-flight caller-supplied computations (SetFunc),
		// which never occupy an admission slot
		external int
		// generation invalidates in-flight accounting across Clear
		generation uint64
		// sweepStop is non-nil while the sweeper is armed
		sweepStop chan struct{}
	}
)

// New initializes a new Cacher, using the provided Config and FetchFunc.
// The provided config may be nil. A panic will occur if fetch is nil.
func New[K any, V any](config *Config[K, V], fetch FetchFunc[K, V]) *Cacher[K, V] {
	if fetch == nil {
		panic(`fetchcache: nil fetch`)
	}
	cfg := resolveConfig(config)
	return &Cacher[K, V]{
		fetch:   fetch,
		cfg:     cfg,
		store:   newStore[K, V](),
		sched:   newScheduler[K, V](cfg.concurrency),
		metrics: newMetrics(cfg.clock.Now()),
	}
}

// Get returns the cached value for key, fetching it if there is no valid
// entry. Concurrent calls for the same fingerprint share one fetch, and all
// observe the same outcome. Returns a [FingerprintError] without touching
// cache state if the key cannot be fingerprinted, or ctx.Err() if ctx is
// done first (the fetch continues regardless).
func (x *Cacher[K, V]) Get(ctx context.Context, key K) (V, error) {
	return x.get(ctx, key, false)
}

// GetForce behaves per [Cacher.Get], except any existing entry is evicted
// first, forcing a fresh fetch.
func (x *Cacher[K, V]) GetForce(ctx context.Context, key K) (V, error) {
	return x.get(ctx, key, true)
}

func (x *Cacher[K, V]) get(ctx context.Context, key K, force bool) (V, error) {
	var zero V

	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return zero, err
	}

	start := x.cfg.clock.Now()

	x.mu.Lock()
	x.metrics.totalReads++

	t, ok := x.store.get(fingerprint)
	if ok && force {
		x.dropLocked(t)
		t, ok = nil, false
	}
	if ok {
		switch t.status(start, x.cfg.ttl, x.cfg.strategy) {
		case StatusExpired:
			x.dropLocked(t)
			t, ok = nil, false
		case StatusFailed:
			if x.cfg.errorPolicy == ErrorTaskPolicyIgnore {
				// surface the captured error to this reader, but drop the
				// task, so the next read refetches
				x.dropLocked(t)
			}
		}
	}

	hit := ok
	if hit {
		x.metrics.hits++
	} else {
		x.metrics.misses++
		t = newTask[K, V](key, fingerprint, x.generation, start)
		x.store.insert(t)
		x.sched.enqueue(t)
		x.ensureSweeperLocked()
		x.consumeLocked()
	}
	t.touch(start)
	ch := t.slot.subscribe()
	x.mu.Unlock()

	var out outcome[V]
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out = <-ch:
	}

	elapsed := x.cfg.clock.Since(start)
	x.mu.Lock()
	if hit {
		x.metrics.recordCached(elapsed)
	} else {
		x.metrics.recordFetch(elapsed)
	}
	x.mu.Unlock()

	if out.err != nil {
		return zero, out.err
	}
	if x.cfg.useClones {
		return x.cloneValue(out.value), nil
	}
	return out.value, nil
}

// Set installs a pre-resolved entry for key, replacing any existing entry
// (its bytes are accounted as released). Infallible apart from fingerprint
// errors.
func (x *Cacher[K, V]) Set(key K, value V) error {
	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return err
	}

	bytes := EstimateSize(value)

	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	if prior, ok := x.store.get(fingerprint); ok {
		x.dropLocked(prior)
	}

	t := newTask[K, V](key, fingerprint, x.generation, now)
	t.fetchStartedAt = now
	t.resolvedAt = now
	t.bytes = bytes
	t.slot = newResolvedSlot(value, now)
	x.store.insert(t)
	x.ensureSweeperLocked()

	return nil
}

// SetError installs a pre-rejected entry for key, replacing any existing
// entry. Under [ErrorTaskPolicyIgnore] the error is surfaced to the next
// reader, which drops the entry (as does the next sweep, if it runs first).
func (x *Cacher[K, V]) SetError(key K, errValue error) error {
	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	if prior, ok := x.store.get(fingerprint); ok {
		x.dropLocked(prior)
	}

	t := newTask[K, V](key, fingerprint, x.generation, now)
	t.fetchStartedAt = now
	t.resolvedAt = now
	t.err = errValue
	t.slot = newRejectedSlot[V](errValue, now)
	x.store.insert(t)
	x.ensureSweeperLocked()

	return nil
}

// SetFunc installs an entry backed by a caller-supplied computation, which
// starts immediately, bypassing the admission queue (it is observed by peak
// concurrency, but does not occupy an admission slot). Replaces any
// existing entry. A panic will occur if fetch is nil.
func (x *Cacher[K, V]) SetFunc(key K, fetch FetchFunc[K, V]) error {
	if fetch == nil {
		panic(`fetchcache: nil fetch`)
	}

	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return err
	}

	x.mu.Lock()

	now := x.cfg.clock.Now()
	if prior, ok := x.store.get(fingerprint); ok {
		x.dropLocked(prior)
	}

	t := newTask[K, V](key, fingerprint, x.generation, now)
	t.external = true
	t.fetchStartedAt = now
	x.store.insert(t)
	x.external++
	x.metrics.observeConcurrency(x.sched.running + x.external)
	x.ensureSweeperLocked()

	x.mu.Unlock()

	go x.runFetch(t, fetch)

	return nil
}

// Refresh installs a queued entry for key, replacing any existing entry.
// The configured fetch runs once the scheduler admits it.
func (x *Cacher[K, V]) Refresh(key K) error {
	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	if prior, ok := x.store.get(fingerprint); ok {
		x.dropLocked(prior)
	}

	t := newTask[K, V](key, fingerprint, x.generation, now)
	x.store.insert(t)
	x.sched.enqueue(t)
	x.ensureSweeperLocked()
	x.consumeLocked()

	return nil
}

// Has reports whether an entry exists for key, in any status.
func (x *Cacher[K, V]) Has(key K) (bool, error) {
	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.store.has(fingerprint), nil
}

// Delete removes the entry for key, if any, accounting its bytes as
// released. Deleting an absent key is a no-op. An in-flight fetch for a
// deleted entry still completes in the background; readers already awaiting
// it receive its outcome, but the result is no longer cached.
func (x *Cacher[K, V]) Delete(key K) error {
	fingerprint, err := x.fingerprintKey(key)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if t, ok := x.store.get(fingerprint); ok {
		x.dropLocked(t)
	}
	return nil
}

// Clear removes all entries, resets metrics (including uptime), and stops
// the sweeper. The next insertion re-arms it.
func (x *Cacher[K, V]) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	x.store.each(func(t *task[K, V]) {
		// never-admitted tasks would otherwise leave readers hanging
		if t.fetchStartedAt.IsZero() {
			t.slot.reject(ErrEntryDeleted, now)
		}
	})
	x.store.clear()
	x.sched.reset()
	x.external = 0
	x.generation++
	x.metrics.reset(now)
	x.stopSweeperLocked()
}

// Keys returns a snapshot of the keys across current entries, in
// unspecified order.
func (x *Cacher[K, V]) Keys() []K {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys := make([]K, 0, x.store.len())
	x.store.each(func(t *task[K, V]) {
		keys = append(keys, t.key)
	})
	return keys
}

// Entries returns a snapshot of every entry's [TaskInfo], in unspecified
// order.
func (x *Cacher[K, V]) Entries() []*TaskInfo {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.cfg.clock.Now()
	infos := make([]*TaskInfo, 0, x.store.len())
	x.store.each(func(t *task[K, V]) {
		infos = append(infos, t.info(now, x.cfg.ttl, x.cfg.strategy))
	})
	return infos
}

func (x *Cacher[K, V]) fingerprintKey(key K) (string, error) {
	if x.cfg.transform != nil {
		return x.cfg.transform(key)
	}
	return Fingerprint(key)
}

// dropLocked removes t from the store (if still current), accounting its
// bytes as released. A task dropped before admission is dequeued and its
// slot rejected, so awaiting readers are not left hanging; a running task is
// left to settle its own slot in the background.
func (x *Cacher[K, V]) dropLocked(t *task[K, V]) {
	if !x.store.removeTask(t) {
		return
	}
	x.metrics.releasedBytes += t.bytes
	if t.fetchStartedAt.IsZero() {
		x.sched.dequeue(t)
		t.slot.reject(ErrEntryDeleted, x.cfg.clock.Now())
	}
}

// consumeLocked admits queued tasks while slots are free. Idempotent, and
// bounded: each admission moves one task out of queued.
func (x *Cacher[K, V]) consumeLocked() {
	for {
		t := x.sched.next()
		if t == nil {
			return
		}
		if !t.markStarted(x.cfg.clock.Now()) {
			continue
		}
		x.sched.admit()
		x.metrics.fetchCount++
		x.metrics.observeConcurrency(x.sched.running + x.external)

		x.cfg.logger.Debug().
			Str(`fingerprint`, t.fingerprint).
			Int(`running`, x.sched.running).
			Int(`queued`, x.sched.queuedLen()).
			Log(`fetch admitted`)

		go x.runFetch(t, x.fetch)
	}
}

// runFetch races the fetch against the per-task timeout, then settles the
// task. Runs on its own goroutine, without the facade mutex.
func (x *Cacher[K, V]) runFetch(t *task[K, V], fetch FetchFunc[K, V]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultCh := make(chan outcome[V], 1)
	go func() {
		value, err := fetch(ctx, t.key)
		resultCh <- outcome[V]{value: value, err: err}
	}()

	var timerCh <-chan time.Time
	if x.cfg.timeout > 0 {
		timer := x.cfg.clock.NewTimer(x.cfg.timeout)
		defer timer.Stop()
		timerCh = timer.Chan()
	}

	var (
		out      outcome[V]
		timedOut bool
	)
	select {
	case out = <-resultCh:
	case <-timerCh:
		// the fetch may continue in the background; its result is discarded
		timedOut = true
		out = outcome[V]{err: &TimeoutError{Timeout: x.cfg.timeout}}
		cancel()
	}

	x.settle(t, out, timedOut)
}

// settle records the task's completion, updates accounting, and admits
// further queued tasks, then fans the outcome out to readers.
func (x *Cacher[K, V]) settle(t *task[K, V], out outcome[V], timedOut bool) {
	var bytes int64
	if out.err == nil {
		// estimated outside the lock
		bytes = EstimateSize(out.value)
	}

	x.mu.Lock()

	now := x.cfg.clock.Now()
	t.resolvedAt = now
	t.err = out.err
	t.bytes = bytes

	if out.err != nil {
		if t.generation == x.generation {
			x.metrics.errorCount++
			if timedOut {
				x.metrics.timeoutCount++
			}
			x.metrics.recordErrorAt(now)
		}
		if x.cfg.errorPolicy == ErrorTaskPolicyIgnore {
			// readers already hold the slot; the next read refetches
			x.dropLocked(t)
		}

		x.cfg.logger.Err().
			Err(out.err).
			Str(`fingerprint`, t.fingerprint).
			Bool(`timeout`, timedOut).
			Log(`fetch failed`)
	}

	if t.generation == x.generation {
		if t.external {
			if x.external > 0 {
				x.external--
			}
		} else {
			x.sched.release()
		}
	}
	x.consumeLocked()

	x.mu.Unlock()

	if out.err != nil {
		t.slot.reject(out.err, now)
	} else {
		t.slot.resolve(out.value, now)
	}
}

// usageLocked is the sum of byte estimates over active entries.
func (x *Cacher[K, V]) usageLocked(now time.Time) int64 {
	var total int64
	x.store.each(func(t *task[K, V]) {
		if t.status(now, x.cfg.ttl, x.cfg.strategy) == StatusActive {
			total += t.bytes
		}
	})
	return total
}

func (x *Cacher[K, V]) scoreLocked(t *task[K, V], now time.Time) float64 {
	info := t.info(now, x.cfg.ttl, x.cfg.strategy)
	if x.cfg.score != nil {
		return x.cfg.score(info)
	}
	return DefaultScore(info)
}
