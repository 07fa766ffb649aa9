package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal"
	"github.com/pior/memcache-binary/internal/coarsetime"
)

// ErrClosedByHandler is the Err of a client closed through CloseAfterFlush.
var ErrClosedByHandler = errors.New("protocol: connection closed by handler")

// maxInterrupts bounds the EINTR retries of a single I/O attempt.
const maxInterrupts = 8

var now = coarsetime.Now

// Client is the state machine of one connection. It reassembles request
// frames from the receive function, dispatches them to the callbacks and
// sends the queued responses.
//
// A Client is not safe for concurrent use: drive it from one goroutine at a
// time. Distinct clients are independent.
type Client struct {
	proto  *Protocol
	handle int
	cookie any
	state  State

	// in holds received bytes, in[rpos:] is unconsumed. While parsed is true
	// the header of the current frame is still at in[rpos:rpos+HeaderLen].
	in     *[]byte
	rpos   int
	header binprot.Header
	parsed bool

	// discard counts body bytes of a rejected frame still to be skipped.
	discard int64

	out  []byte
	wpos int

	closing      bool
	peerClosed   bool
	destroyed    bool
	errno        syscall.Errno
	err          error
	violations   uint64
	lastActivity time.Time
}

// Handle returns the transport handle the client was created with.
func (c *Client) Handle() int { return c.handle }

// Cookie returns the cookie the client was created with.
func (c *Client) Cookie() any { return c.cookie }

// State returns the current state.
func (c *Client) State() State { return c.state }

// Errno returns the error number of the fatal I/O failure that closed the
// client, zero if none.
func (c *Client) Errno() syscall.Errno { return c.errno }

// Err returns the reason the client closed: the fatal I/O error, io.EOF when
// the peer closed, ErrClosedByHandler, or nil while open.
func (c *Client) Err() error { return c.err }

// Violations returns the number of frames rejected by pedantic validation.
// The connection is kept open, closing it is up to the caller.
func (c *Client) Violations() uint64 { return c.violations }

// LastActivity returns the time of the last successful transfer.
func (c *Client) LastActivity() time.Time { return c.lastActivity }

// Buffered returns the number of received bytes not consumed yet.
func (c *Client) Buffered() int { return c.available() }

// PendingOutput returns the number of bytes queued for sending.
func (c *Client) PendingOutput() int { return len(c.out) - c.wpos }

// Close destroys the client: queued output is dropped and buffers are
// released. The transport is not closed. Work must not be called afterwards.
func (c *Client) Close() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.state = StateClosed
	buffers.Put(c.in)
	c.in = nil
	c.out = nil
	c.wpos = 0
	c.proto.stats.recordClientClosed()
}

// Work advances the connection without blocking and returns the event to
// wait for before calling it again.
//
// A step performs at most one receive attempt, one dispatch and one send
// attempt. EventError means the client is closed: Err and Errno tell why.
func (c *Client) Work() Event {
	if c.destroyed {
		panic("protocol: Work called on a destroyed client")
	}
	if c.state == StateClosed {
		return EventError
	}

	if c.state == StateFlushing {
		if !c.flush() {
			return EventError
		}
		if c.PendingOutput() > 0 {
			if !c.fill() {
				return EventError
			}
			return c.event()
		}
		if c.closing {
			c.shutdown(ErrClosedByHandler)
			return EventError
		}
		c.state = c.resume()
	}

	if !c.ready() {
		if !c.fill() {
			return EventError
		}
	}

	if c.advance() {
		c.dispatch()
		if c.destroyed {
			return EventError
		}
	}

	if c.PendingOutput() > 0 {
		c.state = StateFlushing
		if !c.flush() {
			return EventError
		}
		if c.PendingOutput() > 0 {
			return c.event()
		}
	}

	if c.closing {
		c.shutdown(ErrClosedByHandler)
		return EventError
	}
	if c.peerClosed && !c.ready() {
		c.shutdown(io.EOF)
		return EventError
	}
	c.state = c.resume()
	return c.event()
}

func (c *Client) available() int {
	if c.in == nil {
		return 0
	}
	return len(*c.in) - c.rpos
}

// ready reports whether buffered input allows progress without a receive.
func (c *Client) ready() bool {
	n := c.available()
	switch {
	case c.discard > 0:
		return n > 0
	case c.parsed:
		return n >= binprot.HeaderLen+int(c.header.TotalBodyLength)
	case n < binprot.HeaderLen:
		return false
	}

	total := binary.BigEndian.Uint32((*c.in)[c.rpos+8:])
	if total > c.proto.maxBody {
		return true
	}
	return n >= binprot.HeaderLen+int(total)
}

// need returns the number of bytes the current frame requires.
func (c *Client) need() int {
	switch {
	case c.discard > 0:
		return 0
	case c.parsed:
		return binprot.HeaderLen + int(c.header.TotalBodyLength)
	}
	return binprot.HeaderLen
}

func (c *Client) resume() State {
	if c.discard > 0 || c.parsed {
		return StateAwaitingBody
	}
	return StateAwaitingHeader
}

func (c *Client) event() Event {
	if c.state == StateClosed {
		return EventError
	}
	ready := c.ready()
	pending := c.PendingOutput() > 0
	switch {
	case pending && !ready && c.available() > 0 && !c.peerClosed:
		return EventReadWrite
	case pending || ready:
		return EventWrite
	}
	return EventRead
}

// advance consumes buffered input and reports whether a complete frame is
// ready for dispatch. At most one frame is parsed or rejected per call.
func (c *Client) advance() bool {
	if c.discard > 0 {
		n := min(c.discard, int64(c.available()))
		c.rpos += int(n)
		c.discard -= n
		if c.discard > 0 {
			c.state = StateAwaitingBody
			return false
		}
	}

	if !c.parsed {
		if c.available() < binprot.HeaderLen {
			c.state = StateAwaitingHeader
			return false
		}
		h, err := binprot.DecodeHeader((*c.in)[c.rpos : c.rpos+binprot.HeaderLen])
		if err != nil {
			// unreachable: exactly HeaderLen bytes are passed
			c.shutdown(err)
			return false
		}
		c.header = h
		c.parsed = true
		c.state = StateAwaitingBody
		c.proto.stats.recordFrame()

		if !c.accept(h) {
			return false
		}
	}

	if c.available() < binprot.HeaderLen+int(c.header.TotalBodyLength) {
		return false
	}
	c.state = StateDispatching
	return true
}

// accept checks an inbound header. A rejected frame gets its response queued
// and its body scheduled for discarding.
func (c *Client) accept(h binprot.Header) bool {
	p := c.proto
	if h.TotalBodyLength > p.maxBody {
		p.stats.recordOversized()
		p.logger.Debug("protocol: frame too large",
			"handle", c.handle, "opcode", h.Opcode, "body", h.TotalBodyLength, "max", p.maxBody)
		c.reject(h, binprot.StatusValueTooLarge)
		return false
	}
	if !p.pedantic {
		return true
	}

	err := binprot.Validate(h, binprot.MagicRequest, p.callbacks.Known)
	if err == nil {
		err = binprot.ValidateCommand(h)
	}
	if err != nil {
		c.violations++
		p.stats.recordViolation()
		p.logger.Debug("protocol: invalid frame", "handle", c.handle, "error", err)
		c.reject(h, binprot.StatusInvalidArguments)
		return false
	}
	return true
}

func (c *Client) reject(h binprot.Header, status binprot.Status) {
	resp := binprot.Response{Opcode: h.Opcode, Status: status, Opaque: h.Opaque}
	c.out = resp.AppendTo(c.out)

	c.rpos += binprot.HeaderLen
	c.parsed = false
	c.discard = int64(h.TotalBodyLength)
	n := min(c.discard, int64(c.available()))
	c.rpos += int(n)
	c.discard -= n
}

// dispatch hands the parsed frame to its handler and consumes it.
func (c *Client) dispatch() {
	h := c.header
	end := c.rpos + binprot.HeaderLen + int(h.TotalBodyLength)
	frame := (*c.in)[c.rpos:end:end]
	c.rpos = end
	c.parsed = false

	rw := &ResponseWriter{c: c}
	defer rw.release()

	switch handler := c.proto.callbacks.HandlerFor(h.Opcode).(type) {
	case CommandHandler:
		c.proto.stats.recordDispatch()
		handler(rw, binprot.DecodeRequest(h, frame[binprot.HeaderLen:]))
	case RawHandler:
		c.proto.stats.recordDispatch()
		handler(rw, frame)
	default:
		c.proto.stats.recordUnknown()
		resp := binprot.Response{Opcode: h.Opcode, Status: binprot.StatusUnknownCommand, Opaque: h.Opaque}
		c.out = resp.AppendTo(c.out)
	}
}

// fill performs one receive attempt. It returns false if the client closed.
// A peer close with output pending is recorded and the output still drained.
func (c *Client) fill() bool {
	if c.peerClosed {
		return true
	}
	limit := max(readChunk, c.need())
	if c.available() >= limit {
		return true
	}
	c.reserve(limit - c.available())

	buf := *c.in
	room := buf[len(buf):cap(buf)]
	for range maxInterrupts {
		n, err := c.proto.recv(c.cookie, c.handle, room)
		if n < 0 || n > len(room) {
			c.fail("recv", fmt.Errorf("protocol: receive reported %d bytes for a %d bytes buffer", n, len(room)))
			return false
		}
		if n > 0 {
			*c.in = buf[:len(buf)+n]
			c.lastActivity = now()
			c.proto.stats.recordIn(n)
		}
		switch {
		case err == nil && n == 0:
			if c.PendingOutput() > 0 {
				c.peerClosed = true
				return true
			}
			c.shutdown(io.EOF)
			return false
		case err == nil:
			return true
		case n > 0 && (errors.Is(err, syscall.EINTR) || wouldBlock(err)):
			return true
		case errors.Is(err, syscall.EINTR):
			continue
		case wouldBlock(err):
			return true
		default:
			c.fail("recv", err)
			return false
		}
	}
	return true
}

// reserve makes room for n more bytes, compacting consumed input first.
func (c *Client) reserve(n int) {
	buf := *c.in
	if cap(buf)-len(buf) >= n {
		return
	}
	if c.rpos > 0 {
		m := copy(buf, buf[c.rpos:])
		*c.in = buf[:m]
		c.rpos = 0
	}
	internal.Grow(c.in, n)
}

// flush performs one send attempt. It returns false if the client closed.
func (c *Client) flush() bool {
	if c.PendingOutput() == 0 {
		return true
	}
	for range maxInterrupts {
		n, err := c.proto.send(c.cookie, c.handle, c.out[c.wpos:])
		switch {
		case err == nil:
			if n < 0 || n > c.PendingOutput() {
				c.fail("send", fmt.Errorf("protocol: send reported %d bytes for %d pending", n, c.PendingOutput()))
				return false
			}
			if n > 0 {
				c.lastActivity = now()
				c.proto.stats.recordOut(n)
			}
			c.wpos += n
			if c.wpos == len(c.out) {
				c.resetOutput()
			}
			return true
		case errors.Is(err, syscall.EINTR):
			continue
		case wouldBlock(err):
			return true
		default:
			c.fail("send", err)
			return false
		}
	}
	return true
}

func (c *Client) resetOutput() {
	c.wpos = 0
	if cap(c.out) > retainedBuffer {
		c.out = nil
		return
	}
	c.out = c.out[:0]
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

func (c *Client) fail(op string, err error) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		c.errno = errno
	}
	c.proto.stats.recordIOError()
	c.proto.logger.Debug("protocol: connection failed", "handle", c.handle, "op", op, "error", err)
	c.shutdown(err)
}

func (c *Client) shutdown(err error) {
	c.err = err
	c.state = StateClosed
}
