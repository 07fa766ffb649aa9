package binprot

import (
	"bufio"
	"io"
	"sync"
)

// Buffer pool for building frames
var bufferPool = sync.Pool{
	New: func() any {
		// Typical request is a header plus a short key, allocate 256 bytes
		b := make([]byte, 0, 256)
		return &b
	},
}

// maxPooledBuffer keeps large value buffers out of the pool
const maxPooledBuffer = 64 << 10

// ValidateKey checks if a key is valid for the binary protocol.
// Keys are binary safe but must be 1-250 bytes.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return &InvalidKeyError{Message: "key is empty"}
	}
	if len(key) > MaxKeyLength {
		return &InvalidKeyError{Message: "key exceeds maximum length of 250 bytes"}
	}
	return nil
}

// InvalidKeyError is returned when a key fails validation before sending.
//
// Connection handling: Connection is still valid, operation was rejected client-side
type InvalidKeyError struct {
	Message string
}

func (e *InvalidKeyError) Error() string {
	return "invalid key: " + e.Message
}

// ShouldCloseConnection returns false - nothing was written
func (e *InvalidKeyError) ShouldCloseConnection() bool {
	return false
}

// WriteRequest serializes a Request to wire format and writes it to w.
//
// With a bufio.Writer the frame is flushed before returning.
func WriteRequest(w io.Writer, req *Request) error {
	if bw, ok := w.(*bufio.Writer); ok {
		return writeRequestBuffered(bw, req)
	}
	return writeRequestUnbuffered(w, req)
}

func writeRequestBuffered(bw *bufio.Writer, req *Request) error {
	h := EncodeHeader(req.wireHeader())
	bw.Write(h[:])
	bw.Write(req.Extras)
	bw.Write(req.Key)
	if _, err := bw.Write(req.Value); err != nil {
		return err
	}
	return bw.Flush()
}

func writeRequestUnbuffered(w io.Writer, req *Request) error {
	bp := bufferPool.Get().(*[]byte)
	buf := req.AppendTo((*bp)[:0])

	_, err := w.Write(buf)

	if cap(buf) <= maxPooledBuffer {
		*bp = buf[:0]
		bufferPool.Put(bp)
	}
	return err
}

func (r *Request) wireHeader() Header {
	h := r.Header
	if h.Magic == 0 {
		h.Magic = MagicRequest
	}
	h.KeyLength = uint16(len(r.Key))
	h.ExtraLength = uint8(len(r.Extras))
	h.TotalBodyLength = uint32(len(r.Extras) + len(r.Key) + len(r.Value))
	return h
}
