package binprot

import "encoding/binary"

// Request represents a binary protocol request frame.
// This is a low-level container for request data without serialization logic.
//
// Extras, Key and Value are slices of the frame body. On the server side they
// alias the connection input buffer and are only valid for the duration of
// the handler call; copy them to retain them.
type Request struct {
	Header Header

	Extras []byte
	Key    []byte
	Value  []byte

	// Decoded extras, set according to the opcode:
	//   - Set, Add, Replace (and quiet variants): Flags, Expiration
	//   - Increment, Decrement (and quiet variants): Delta, Initial, Expiration
	//   - Flush, Touch, GAT, GATQ: Expiration
	//   - Verbosity: Verbosity
	Flags      uint32
	Expiration uint32
	Delta      uint64
	Initial    uint64
	Verbosity  uint32
}

// Opcode returns the request opcode.
func (r *Request) Opcode() Opcode { return r.Header.Opcode }

// Opaque returns the opaque value the response must echo.
func (r *Request) Opaque() uint32 { return r.Header.Opaque }

// CAS returns the compare-and-swap value of the request, zero meaning none.
func (r *Request) CAS() uint64 { return r.Header.CAS }

// DecodeRequest splits a frame body into extras, key and value according to
// the header lengths and decodes the opcode-specific extras.
//
// It never panics: lengths larger than the body are clamped, which only
// happens when structural validation was skipped.
func DecodeRequest(h Header, body []byte) *Request {
	req := &Request{Header: h}
	req.Extras, body = cut(body, int(h.ExtraLength))
	req.Key, body = cut(body, int(h.KeyLength))
	req.Value = body
	req.decodeExtras()
	return req
}

func cut(b []byte, n int) (head, tail []byte) {
	if n > len(b) {
		n = len(b)
	}
	return b[:n:n], b[n:]
}

func (r *Request) decodeExtras() {
	e := r.Extras
	switch r.Header.Opcode {
	case OpSet, OpSetQ, OpAdd, OpAddQ, OpReplace, OpReplaceQ:
		r.Flags = uint32At(e, 0)
		r.Expiration = uint32At(e, 4)
	case OpIncrement, OpIncrementQ, OpDecrement, OpDecrementQ:
		r.Delta = uint64At(e, 0)
		r.Initial = uint64At(e, 8)
		r.Expiration = uint32At(e, 16)
	case OpFlush, OpFlushQ, OpTouch, OpGAT, OpGATQ:
		r.Expiration = uint32At(e, 0)
	case OpVerbosity:
		r.Verbosity = uint32At(e, 0)
	}
}

func uint32At(b []byte, off int) uint32 {
	if len(b) < off+4 {
		return 0
	}
	return binary.BigEndian.Uint32(b[off:])
}

func uint64At(b []byte, off int) uint64 {
	if len(b) < off+8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[off:])
}

// NewRequest creates a request frame with the given opcode, extras, key and value.
// Header lengths are derived when the request is encoded.
func NewRequest(op Opcode, extras, key, value []byte) *Request {
	return &Request{
		Header: Header{Magic: MagicRequest, Opcode: op},
		Extras: extras,
		Key:    key,
		Value:  value,
	}
}

// AppendTo appends the wire encoding of the request to dst.
// KeyLength, ExtraLength and TotalBodyLength are computed from the slices.
func (r *Request) AppendTo(dst []byte) []byte {
	dst = r.wireHeader().AppendTo(dst)
	dst = append(dst, r.Extras...)
	dst = append(dst, r.Key...)
	return append(dst, r.Value...)
}

// StorageExtras encodes the extras of Set, Add and Replace.
func StorageExtras(flags, expiration uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiration)
	return b
}

// ArithmeticExtras encodes the extras of Increment and Decrement.
// An expiration of 0xffffffff makes the command fail on a missing key
// instead of creating it with the initial value.
func ArithmeticExtras(delta, initial uint64, expiration uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiration)
	return b
}

// ExpirationExtras encodes the single 4-byte extras of Flush, Touch and GAT.
func ExpirationExtras(expiration uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiration)
	return b
}

// NoAutoCreate is the arithmetic expiration that disables creation on miss.
const NoAutoCreate uint32 = 0xffffffff
