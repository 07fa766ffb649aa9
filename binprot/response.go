package binprot

import (
	"encoding/binary"
	"fmt"
)

// Response represents a binary protocol response frame.
// This is a low-level container for response data without serialization logic.
type Response struct {
	Opcode   Opcode
	Status   Status
	DataType DataType
	Opaque   uint32
	CAS      uint64

	Extras []byte
	Key    []byte
	Value  []byte
}

// NewResponse creates a response to req with the given status.
// The opcode and opaque are echoed from the request.
func NewResponse(req *Request, status Status) *Response {
	return &Response{
		Opcode: req.Header.Opcode,
		Status: status,
		Opaque: req.Header.Opaque,
	}
}

// Header returns the response header with lengths derived from the body slices.
func (r *Response) Header() Header {
	return Header{
		Magic:           MagicResponse,
		Opcode:          r.Opcode,
		KeyLength:       uint16(len(r.Key)),
		ExtraLength:     uint8(len(r.Extras)),
		DataType:        r.DataType,
		Status:          uint16(r.Status),
		TotalBodyLength: uint32(len(r.Extras) + len(r.Key) + len(r.Value)),
		Opaque:          r.Opaque,
		CAS:             r.CAS,
	}
}

// Len returns the encoded size of the response.
func (r *Response) Len() int {
	return HeaderLen + len(r.Extras) + len(r.Key) + len(r.Value)
}

// AppendTo appends the wire encoding of the response to dst.
func (r *Response) AppendTo(dst []byte) []byte {
	dst = r.Header().AppendTo(dst)
	dst = append(dst, r.Extras...)
	dst = append(dst, r.Key...)
	return append(dst, r.Value...)
}

// Err returns the status as an error, nil on success.
// The textual value memcached attaches to error responses is kept as the message.
func (r *Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return &StatusError{Opcode: r.Opcode, Status: r.Status, Message: string(r.Value)}
}

// IsSuccess returns true if the response indicates a successful operation.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsMiss returns true if the response indicates a cache miss.
func (r *Response) IsMiss() bool {
	return r.Status == StatusKeyNotFound
}

// Flags returns the client flags carried in the extras of a get response.
func (r *Response) Flags() uint32 {
	return uint32At(r.Extras, 0)
}

// Counter returns the new value carried by an increment or decrement response.
func (r *Response) Counter() (uint64, error) {
	if len(r.Value) != 8 {
		return 0, &ParseError{Message: fmt.Sprintf("counter value has %d bytes, want 8", len(r.Value))}
	}
	return binary.BigEndian.Uint64(r.Value), nil
}

// GetExtras encodes the 4-byte flags extras of a get response.
func GetExtras(flags uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, flags)
	return b
}

// CounterValue encodes the 8-byte value of an increment or decrement response.
func CounterValue(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
