package testutils

import (
	"bytes"
	"net"
	"sync/atomic"
	"time"
)

// ConnectionMock is a net.Conn replaying canned response frames and
// recording what is written to it.
type ConnectionMock struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   atomic.Bool
}

// NewConnectionMock creates a mock connection reading back the concatenated
// frames.
func NewConnectionMock(frames ...[]byte) *ConnectionMock {
	return &ConnectionMock{
		readBuf:  bytes.NewBuffer(bytes.Join(frames, nil)),
		writeBuf: &bytes.Buffer{},
	}
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	if m.closed.Load() {
		return 0, net.ErrClosed
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *ConnectionMock) Closed() bool {
	return m.closed.Load()
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Written returns the raw request bytes written to the mock connection.
func (m *ConnectionMock) Written() []byte {
	return m.writeBuf.Bytes()
}
