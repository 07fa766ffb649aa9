package memcache

import "sync/atomic"

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
}

// ClientStats contains statistics about client operations.
// All fields are safe for concurrent access.
type ClientStats struct {
	Gets     uint64 // Total get operations, one per key
	GetHits  uint64 // Gets that found the key
	Stores   uint64 // Set, Add, Replace, Append, Prepend and CompareAndSwap
	Deletes  uint64
	Counters uint64 // Increment and Decrement
	Touches  uint64
	Errors   uint64 // Total errors across all operations
}

type clientStatsCollector struct {
	stats ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{}
}

func (c *clientStatsCollector) recordGet(found bool) {
	atomic.AddUint64(&c.stats.Gets, 1)
	if found {
		atomic.AddUint64(&c.stats.GetHits, 1)
	}
}

func (c *clientStatsCollector) recordStore() {
	atomic.AddUint64(&c.stats.Stores, 1)
}

func (c *clientStatsCollector) recordDelete() {
	atomic.AddUint64(&c.stats.Deletes, 1)
}

func (c *clientStatsCollector) recordCounter() {
	atomic.AddUint64(&c.stats.Counters, 1)
}

func (c *clientStatsCollector) recordTouch() {
	atomic.AddUint64(&c.stats.Touches, 1)
}

func (c *clientStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:     atomic.LoadUint64(&c.stats.Gets),
		GetHits:  atomic.LoadUint64(&c.stats.GetHits),
		Stores:   atomic.LoadUint64(&c.stats.Stores),
		Deletes:  atomic.LoadUint64(&c.stats.Deletes),
		Counters: atomic.LoadUint64(&c.stats.Counters),
		Touches:  atomic.LoadUint64(&c.stats.Touches),
		Errors:   atomic.LoadUint64(&c.stats.Errors),
	}
}
