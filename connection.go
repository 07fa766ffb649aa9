package memcache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pior/memcache-binary/binprot"
)

var ErrConnectionClosed = errors.New("memcache: connection closed")

// Connection is a single blocking connection to a server.
// It is not safe for concurrent use, the pool hands it to one caller at a time.
type Connection struct {
	net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer

	opaque   uint32
	lastUsed time.Time
	closed   bool
}

// NewConnection wraps an established connection.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		Conn:     conn,
		Reader:   bufio.NewReader(conn),
		Writer:   bufio.NewWriter(conn),
		lastUsed: time.Now(),
	}
}

// Dial connects to addr, over TLS when tlsConfig is not nil.
func Dial(ctx context.Context, dialer *net.Dialer, addr string, tlsConfig *tls.Config) (*Connection, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	if tlsConfig == nil {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewConnection(conn), nil
	}

	td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

func (c *Connection) nextOpaque() uint32 {
	c.opaque++
	if c.opaque == 0 {
		c.opaque = 1
	}
	return c.opaque
}

// setDeadline applies the context deadline to the connection.
func (c *Connection) setDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		c.Conn.SetDeadline(deadline)
	} else {
		c.Conn.SetDeadline(time.Time{})
	}
}

// Send writes req and reads its response.
// The request opaque is overwritten and checked against the response.
func (c *Connection) Send(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setDeadline(ctx)

	req.Header.Opaque = c.nextOpaque()
	if err := binprot.WriteRequest(c.Writer, req); err != nil {
		return nil, &binprot.ConnectionError{Op: "write", Err: err}
	}

	resp, err := c.readFor(req)
	if err != nil {
		return nil, err
	}
	c.lastUsed = time.Now()
	return resp, nil
}

func (c *Connection) readFor(req *binprot.Request) (*binprot.Response, error) {
	resp, err := binprot.ReadResponse(c.Reader)
	if err != nil {
		var pe *binprot.ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &binprot.ConnectionError{Op: "read", Err: err}
	}
	if resp.Opaque != req.Header.Opaque {
		return nil, &binprot.ParseError{
			Message: fmt.Sprintf("response opaque %d does not match request %d", resp.Opaque, req.Header.Opaque),
		}
	}
	return resp, nil
}

// SendBatch pipelines reqs followed by a NOOP and collects the responses until
// the NOOP answer. Quiet requests only produce a response on miss or error, so
// the result is keyed by request index and may be sparse.
func (c *Connection) SendBatch(ctx context.Context, reqs []*binprot.Request) (map[int]*binprot.Response, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setDeadline(ctx)

	index := make(map[uint32]int, len(reqs))
	for i, req := range reqs {
		req.Header.Opaque = c.nextOpaque()
		index[req.Header.Opaque] = i
		if _, err := c.Writer.Write(req.AppendTo(nil)); err != nil {
			return nil, &binprot.ConnectionError{Op: "write", Err: err}
		}
	}

	noop := binprot.NewRequest(binprot.OpNoop, nil, nil, nil)
	noop.Header.Opaque = c.nextOpaque()
	if err := binprot.WriteRequest(c.Writer, noop); err != nil {
		return nil, &binprot.ConnectionError{Op: "write", Err: err}
	}

	out := make(map[int]*binprot.Response, len(reqs))
	for {
		resp, err := binprot.ReadResponse(c.Reader)
		if err != nil {
			var pe *binprot.ParseError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, &binprot.ConnectionError{Op: "read", Err: err}
		}
		if resp.Opaque == noop.Header.Opaque {
			break
		}
		i, ok := index[resp.Opaque]
		if !ok {
			return nil, &binprot.ParseError{Message: fmt.Sprintf("unexpected response opaque %d", resp.Opaque)}
		}
		out[i] = resp
	}

	c.lastUsed = time.Now()
	return out, nil
}

// Stream writes req and calls fn for every response carrying its opaque until
// fn returns false. It serves multi-frame answers like STAT.
func (c *Connection) Stream(ctx context.Context, req *binprot.Request, fn func(*binprot.Response) bool) error {
	if c.closed {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setDeadline(ctx)

	req.Header.Opaque = c.nextOpaque()
	if err := binprot.WriteRequest(c.Writer, req); err != nil {
		return &binprot.ConnectionError{Op: "write", Err: err}
	}

	for {
		resp, err := c.readFor(req)
		if err != nil {
			return err
		}
		if !fn(resp) {
			break
		}
	}
	c.lastUsed = time.Now()
	return nil
}

// LastUsed returns when the connection last completed an exchange.
func (c *Connection) LastUsed() time.Time {
	return c.lastUsed
}

// Close closes the connection.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Conn.Close()
}
