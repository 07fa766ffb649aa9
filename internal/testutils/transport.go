package testutils

import (
	"bytes"
	"syscall"
)

// ScriptedTransport stands in for a non-blocking socket when driving a
// protocol.Client. Its Recv and Send methods match protocol.RecvFunc and
// protocol.SendFunc.
//
// Recv replays queued steps in order and reports EAGAIN once the script is
// exhausted. Send accepts everything unless limited or blocked.
type ScriptedTransport struct {
	reads   []step
	written bytes.Buffer

	sendErrs  []error
	sendLimit int
	sendBlock bool

	RecvCalls int
	SendCalls int
}

type step struct {
	data []byte
	err  error
}

// NewScriptedTransport returns a transport with an empty script.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{}
}

// Feed queues one receive result per chunk.
func (t *ScriptedTransport) Feed(chunks ...[]byte) {
	for _, c := range chunks {
		t.reads = append(t.reads, step{data: c})
	}
}

// FeedChunks queues data split into chunks of at most size bytes.
func (t *ScriptedTransport) FeedChunks(data []byte, size int) {
	for len(data) > 0 {
		n := min(size, len(data))
		t.Feed(data[:n])
		data = data[n:]
	}
}

// FeedErr queues a receive error, typically a syscall.Errno.
func (t *ScriptedTransport) FeedErr(err error) {
	t.reads = append(t.reads, step{err: err})
}

// FeedEOF queues a zero byte receive, the peer closing its side.
func (t *ScriptedTransport) FeedEOF() {
	t.reads = append(t.reads, step{data: []byte{}})
}

// Pending returns the number of queued receive steps.
func (t *ScriptedTransport) Pending() int {
	return len(t.reads)
}

// LimitSend makes each Send accept at most n bytes. Zero removes the limit.
func (t *ScriptedTransport) LimitSend(n int) {
	t.sendLimit = n
}

// BlockSend makes Send report EAGAIN until unblocked.
func (t *ScriptedTransport) BlockSend(block bool) {
	t.sendBlock = block
}

// SendErr queues an error returned by the next Send calls, in order.
func (t *ScriptedTransport) SendErr(err error) {
	t.sendErrs = append(t.sendErrs, err)
}

// Written returns everything sent so far.
func (t *ScriptedTransport) Written() []byte {
	return t.written.Bytes()
}

// ResetWritten forgets the bytes sent so far.
func (t *ScriptedTransport) ResetWritten() {
	t.written.Reset()
}

func (t *ScriptedTransport) Recv(cookie any, handle int, buf []byte) (int, error) {
	t.RecvCalls++
	if len(t.reads) == 0 {
		return 0, syscall.EAGAIN
	}

	s := &t.reads[0]
	if s.err != nil {
		t.reads = t.reads[1:]
		return 0, s.err
	}

	n := copy(buf, s.data)
	s.data = s.data[n:]
	if len(s.data) == 0 {
		t.reads = t.reads[1:]
	}
	return n, nil
}

func (t *ScriptedTransport) Send(cookie any, handle int, buf []byte) (int, error) {
	t.SendCalls++
	if len(t.sendErrs) > 0 {
		err := t.sendErrs[0]
		t.sendErrs = t.sendErrs[1:]
		return 0, err
	}
	if t.sendBlock {
		return 0, syscall.EAGAIN
	}

	n := len(buf)
	if t.sendLimit > 0 {
		n = min(n, t.sendLimit)
	}
	t.written.Write(buf[:n])
	return n, nil
}
