package protocol

import "sync/atomic"

// Stats counts the activity of all clients of a Protocol.
//
// For Prometheus integration, expose these as counters, and
// ClientsCreated-ClientsClosed as the connections gauge.
type Stats struct {
	ClientsCreated uint64 // Clients returned by NewClient
	ClientsClosed  uint64 // Clients destroyed with Close
	Frames         uint64 // Inbound frame headers parsed
	Dispatches     uint64 // Frames delivered to a handler
	Violations     uint64 // Frames rejected by pedantic validation
	Oversized      uint64 // Frames rejected for exceeding the body limit
	Unknown        uint64 // Frames without any handler
	BytesIn        uint64 // Bytes received
	BytesOut       uint64 // Bytes sent
	IOErrors       uint64 // Fatal receive or send failures
}

type statsCollector struct {
	stats Stats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (c *statsCollector) recordClientCreated() {
	atomic.AddUint64(&c.stats.ClientsCreated, 1)
}

func (c *statsCollector) recordClientClosed() {
	atomic.AddUint64(&c.stats.ClientsClosed, 1)
}

func (c *statsCollector) recordFrame() {
	atomic.AddUint64(&c.stats.Frames, 1)
}

func (c *statsCollector) recordDispatch() {
	atomic.AddUint64(&c.stats.Dispatches, 1)
}

func (c *statsCollector) recordViolation() {
	atomic.AddUint64(&c.stats.Violations, 1)
}

func (c *statsCollector) recordOversized() {
	atomic.AddUint64(&c.stats.Oversized, 1)
}

func (c *statsCollector) recordUnknown() {
	atomic.AddUint64(&c.stats.Unknown, 1)
}

func (c *statsCollector) recordIn(n int) {
	atomic.AddUint64(&c.stats.BytesIn, uint64(n))
}

func (c *statsCollector) recordOut(n int) {
	atomic.AddUint64(&c.stats.BytesOut, uint64(n))
}

func (c *statsCollector) recordIOError() {
	atomic.AddUint64(&c.stats.IOErrors, 1)
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		ClientsCreated: atomic.LoadUint64(&c.stats.ClientsCreated),
		ClientsClosed:  atomic.LoadUint64(&c.stats.ClientsClosed),
		Frames:         atomic.LoadUint64(&c.stats.Frames),
		Dispatches:     atomic.LoadUint64(&c.stats.Dispatches),
		Violations:     atomic.LoadUint64(&c.stats.Violations),
		Oversized:      atomic.LoadUint64(&c.stats.Oversized),
		Unknown:        atomic.LoadUint64(&c.stats.Unknown),
		BytesIn:        atomic.LoadUint64(&c.stats.BytesIn),
		BytesOut:       atomic.LoadUint64(&c.stats.BytesOut),
		IOErrors:       atomic.LoadUint64(&c.stats.IOErrors),
	}
}
