package storage

import "sync/atomic"

// Stats contains store counters, named after the memcached STAT keys they
// are reported as.
type Stats struct {
	CurrItems  int64  // curr_items
	Bytes      int64  // bytes
	GetHits    uint64 // get_hits
	GetMisses  uint64 // get_misses
	CmdSet     uint64 // cmd_set
	CmdTouch   uint64 // cmd_touch
	CmdFlush   uint64 // cmd_flush
	Deletes    uint64 // delete_hits
	Counters   uint64 // incr_hits + decr_hits
	Reclaimed  uint64 // reclaimed
	TotalItems uint64 // total_items
}

type statsCollector struct {
	stats Stats
}

func (c *statsCollector) recordGet(hit bool) {
	if hit {
		atomic.AddUint64(&c.stats.GetHits, 1)
		return
	}
	atomic.AddUint64(&c.stats.GetMisses, 1)
}

func (c *statsCollector) recordSet() {
	atomic.AddUint64(&c.stats.CmdSet, 1)
	atomic.AddUint64(&c.stats.TotalItems, 1)
}

func (c *statsCollector) recordTouch() {
	atomic.AddUint64(&c.stats.CmdTouch, 1)
}

func (c *statsCollector) recordFlush() {
	atomic.AddUint64(&c.stats.CmdFlush, 1)
}

func (c *statsCollector) recordDelete() {
	atomic.AddUint64(&c.stats.Deletes, 1)
}

func (c *statsCollector) recordCounter() {
	atomic.AddUint64(&c.stats.Counters, 1)
	atomic.AddUint64(&c.stats.TotalItems, 1)
}

func (c *statsCollector) recordReap() {
	atomic.AddUint64(&c.stats.Reclaimed, 1)
}

func (c *statsCollector) recordAdd(size int) {
	atomic.AddInt64(&c.stats.CurrItems, 1)
	atomic.AddInt64(&c.stats.Bytes, int64(size))
}

func (c *statsCollector) recordRemove(size int) {
	atomic.AddInt64(&c.stats.CurrItems, -1)
	atomic.AddInt64(&c.stats.Bytes, -int64(size))
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		CurrItems:  atomic.LoadInt64(&c.stats.CurrItems),
		Bytes:      atomic.LoadInt64(&c.stats.Bytes),
		GetHits:    atomic.LoadUint64(&c.stats.GetHits),
		GetMisses:  atomic.LoadUint64(&c.stats.GetMisses),
		CmdSet:     atomic.LoadUint64(&c.stats.CmdSet),
		CmdTouch:   atomic.LoadUint64(&c.stats.CmdTouch),
		CmdFlush:   atomic.LoadUint64(&c.stats.CmdFlush),
		Deletes:    atomic.LoadUint64(&c.stats.Deletes),
		Counters:   atomic.LoadUint64(&c.stats.Counters),
		Reclaimed:  atomic.LoadUint64(&c.stats.Reclaimed),
		TotalItems: atomic.LoadUint64(&c.stats.TotalItems),
	}
}
