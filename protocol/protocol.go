package protocol

import (
	"log/slog"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal"
)

// RecvFunc reads into buf from the transport identified by handle.
//
// It must behave like a non-blocking socket read: a short read is normal,
// zero bytes with a nil error means the peer closed, and failures carry a
// syscall.Errno (EAGAIN when no data is available, EINTR when interrupted).
type RecvFunc func(cookie any, handle int, buf []byte) (int, error)

// SendFunc writes buf to the transport identified by handle, with the same
// non-blocking semantics as RecvFunc. A short write is normal.
type SendFunc func(cookie any, handle int, buf []byte) (int, error)

const (
	// readChunk is the minimum room offered to each receive.
	readChunk = 16 << 10

	// retainedBuffer caps the buffers kept by idle clients and by the pool.
	retainedBuffer = 256 << 10
)

var buffers = internal.NewBufferPool(readChunk, retainedBuffer)

// Protocol holds the configuration shared by the clients it creates: the
// callback table, pedantic mode and the I/O functions.
//
// Configuration is not synchronized. Set it up before the first NewClient
// and leave it alone afterwards.
type Protocol struct {
	callbacks *Callbacks
	pedantic  bool
	recv      RecvFunc
	send      SendFunc
	maxBody   uint32
	logger    *slog.Logger
	stats     *statsCollector
	closed    bool
}

// New returns a protocol with an empty callback table, pedantic mode off and
// the default socket I/O functions.
func New() *Protocol {
	recv, send := defaultIO()
	return &Protocol{
		callbacks: NewCallbacks(),
		recv:      recv,
		send:      send,
		maxBody:   binprot.DefaultMaxBodyLength,
		logger:    slog.Default(),
		stats:     newStatsCollector(),
	}
}

// Close releases the protocol. Clients already created keep working but no
// new client can be created.
func (p *Protocol) Close() {
	p.closed = true
}

// Callbacks returns the callback table.
func (p *Protocol) Callbacks() *Callbacks {
	return p.callbacks
}

// SetCallbacks replaces the callback table. nil installs an empty one.
func (p *Protocol) SetCallbacks(cb *Callbacks) {
	if cb == nil {
		cb = NewCallbacks()
	}
	p.callbacks = cb
}

// SetPedantic turns structural validation of inbound frames on or off.
func (p *Protocol) SetPedantic(enable bool) {
	p.pedantic = enable
}

// Pedantic reports whether inbound frames are validated.
func (p *Protocol) Pedantic() bool {
	return p.pedantic
}

// SetIOFuncs replaces the receive and send functions. A nil function keeps
// the current one.
func (p *Protocol) SetIOFuncs(recv RecvFunc, send SendFunc) {
	if recv != nil {
		p.recv = recv
	}
	if send != nil {
		p.send = send
	}
}

// SetMaxBodyLength bounds total_body_length of inbound frames. Larger frames
// are answered with StatusValueTooLarge and skipped without being buffered.
func (p *Protocol) SetMaxBodyLength(n uint32) {
	p.maxBody = n
}

// MaxBodyLength returns the inbound body limit.
func (p *Protocol) MaxBodyLength() uint32 {
	return p.maxBody
}

// SetLogger sets the logger used for violations and I/O failures.
func (p *Protocol) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	p.logger = logger
}

// Stats returns a snapshot of the counters of all clients of this protocol.
func (p *Protocol) Stats() Stats {
	return p.stats.snapshot()
}

// NewClient binds a client to a transport handle. The cookie is passed back
// to the I/O functions and exposed to handlers.
//
// NewClient panics when called after Close.
func (p *Protocol) NewClient(handle int, cookie any) *Client {
	if p.closed {
		panic("protocol: NewClient called on a closed protocol")
	}
	p.stats.recordClientCreated()
	return &Client{
		proto:        p,
		handle:       handle,
		cookie:       cookie,
		state:        StateAwaitingHeader,
		in:           buffers.Get(),
		lastActivity: now(),
	}
}
