// Package fetchcache implements an in-process, asynchronous memoization
// cache, for key->value computations backed by a fallible, latency-bearing
// fetch function. For any given key fingerprint, at most one fetch is in
// flight at a time, and all concurrent readers observe the same outcome.
// Entries expire (TTL or idle), total resident bytes are capped, and a
// score-based sweeper evicts the least valuable entries when over the cap.
//
// It is intended for use cases like request-scoped backends, expensive
// derived views, or third-party API lookups, where deduplicating concurrent
// work and bounding memory matter more than cross-process coherence. There
// is no persistence, and no distributed invalidation.
package fetchcache
