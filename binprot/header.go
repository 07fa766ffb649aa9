package binprot

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 24-byte frame header.
//
// Status holds the status_or_vbucket field: the response status on response
// frames and the vbucket id on request frames.
type Header struct {
	Magic           Magic
	Opcode          Opcode
	KeyLength       uint16
	ExtraLength     uint8
	DataType        DataType
	Status          uint16
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// ValueLength returns the number of value bytes following extras and key.
// It is negative when the header lengths are inconsistent.
func (h Header) ValueLength() int64 {
	return int64(h.TotalBodyLength) - int64(h.KeyLength) - int64(h.ExtraLength)
}

// FrameLength returns the size of the complete frame on the wire.
func (h Header) FrameLength() int64 {
	return HeaderLen + int64(h.TotalBodyLength)
}

// VBucket returns the status_or_vbucket field of a request header.
func (h Header) VBucket() uint16 { return h.Status }

// ResponseStatus returns the status_or_vbucket field of a response header.
func (h Header) ResponseStatus() Status { return Status(h.Status) }

func (h Header) String() string {
	return fmt.Sprintf("%s %s key=%d extras=%d body=%d opaque=%d cas=%d",
		h.Magic, h.Opcode, h.KeyLength, h.ExtraLength, h.TotalBodyLength, h.Opaque, h.CAS)
}

// DecodeHeader decodes a header from exactly HeaderLen bytes.
// It performs no structural validation, see Validate.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(b))
	}
	return Header{
		Magic:           Magic(b[0]),
		Opcode:          Opcode(b[1]),
		KeyLength:       binary.BigEndian.Uint16(b[2:4]),
		ExtraLength:     b[4],
		DataType:        DataType(b[5]),
		Status:          binary.BigEndian.Uint16(b[6:8]),
		TotalBodyLength: binary.BigEndian.Uint32(b[8:12]),
		Opaque:          binary.BigEndian.Uint32(b[12:16]),
		CAS:             binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// EncodeHeader returns the wire encoding of h.
func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	h.put(b[:])
	return b
}

// AppendTo appends the wire encoding of h to dst.
func (h Header) AppendTo(dst []byte) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	h.put(dst[n:])
	return dst
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Magic)
	b[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.KeyLength)
	b[4] = h.ExtraLength
	b[5] = byte(h.DataType)
	binary.BigEndian.PutUint16(b[6:8], h.Status)
	binary.BigEndian.PutUint32(b[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.CAS)
}

// Validate checks the structural invariants of a header.
//
// expect is the magic the receiver expects (MagicRequest on the server side).
// known reports whether an opcode can be handled; nil accepts every opcode
// defined by the protocol.
//
// The returned error is a *ValidationError wrapping one of ErrInvalidMagic,
// ErrInvalidOpcode or ErrInvalidLengths.
func Validate(h Header, expect Magic, known func(Opcode) bool) error {
	if h.Magic != expect {
		return &ValidationError{Header: h, Err: ErrInvalidMagic}
	}

	if known == nil {
		known = Opcode.Known
	}
	if !known(h.Opcode) {
		return &ValidationError{Header: h, Err: ErrInvalidOpcode}
	}

	if h.ValueLength() < 0 {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "key and extras exceed body length"}
	}

	if h.KeyLength > MaxKeyLength {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "key exceeds maximum length"}
	}

	return nil
}

// commandShape describes the body layout a request opcode allows.
type commandShape struct {
	extras       []uint8 // allowed extras lengths
	keyRequired  bool
	keyAllowed   bool
	valueAllowed bool
}

var (
	shapeKeyOnly = commandShape{extras: []uint8{0}, keyRequired: true, keyAllowed: true}
	shapeEmpty   = commandShape{extras: []uint8{0}}
	shapeStorage = commandShape{extras: []uint8{8}, keyRequired: true, keyAllowed: true, valueAllowed: true}
	shapeConcat  = commandShape{extras: []uint8{0}, keyRequired: true, keyAllowed: true, valueAllowed: true}
	shapeArith   = commandShape{extras: []uint8{20}, keyRequired: true, keyAllowed: true}
	shapeFlush   = commandShape{extras: []uint8{0, 4}}
	shapeTouch   = commandShape{extras: []uint8{4}, keyRequired: true, keyAllowed: true}
	shapeStat    = commandShape{extras: []uint8{0}, keyAllowed: true}
	shapeVerbose = commandShape{extras: []uint8{4}}
)

var commandShapes = map[Opcode]commandShape{
	OpGet:        shapeKeyOnly,
	OpGetQ:       shapeKeyOnly,
	OpGetK:       shapeKeyOnly,
	OpGetKQ:      shapeKeyOnly,
	OpDelete:     shapeKeyOnly,
	OpDeleteQ:    shapeKeyOnly,
	OpSet:        shapeStorage,
	OpSetQ:       shapeStorage,
	OpAdd:        shapeStorage,
	OpAddQ:       shapeStorage,
	OpReplace:    shapeStorage,
	OpReplaceQ:   shapeStorage,
	OpAppend:     shapeConcat,
	OpAppendQ:    shapeConcat,
	OpPrepend:    shapeConcat,
	OpPrependQ:   shapeConcat,
	OpIncrement:  shapeArith,
	OpIncrementQ: shapeArith,
	OpDecrement:  shapeArith,
	OpDecrementQ: shapeArith,
	OpQuit:       shapeEmpty,
	OpQuitQ:      shapeEmpty,
	OpNoop:       shapeEmpty,
	OpVersion:    shapeEmpty,
	OpFlush:      shapeFlush,
	OpFlushQ:     shapeFlush,
	OpStat:       shapeStat,
	OpVerbosity:  shapeVerbose,
	OpTouch:      shapeTouch,
	OpGAT:        shapeTouch,
	OpGATQ:       shapeTouch,
}

// ValidateCommand checks the per-opcode body layout of a request header,
// e.g. a GET carries a key and nothing else, a SET carries 8 bytes of extras.
//
// Opcodes the protocol does not define are accepted: their layout is owned
// by whoever handles them.
func ValidateCommand(h Header) error {
	shape, ok := commandShapes[h.Opcode]
	if !ok {
		return nil
	}

	extrasOK := false
	for _, n := range shape.extras {
		if h.ExtraLength == n {
			extrasOK = true
			break
		}
	}
	if !extrasOK {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "unexpected extras length"}
	}

	if shape.keyRequired && h.KeyLength == 0 {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "missing key"}
	}
	if !shape.keyAllowed && h.KeyLength != 0 {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "unexpected key"}
	}
	if !shape.valueAllowed && h.ValueLength() > 0 {
		return &ValidationError{Header: h, Err: ErrInvalidLengths, Detail: "unexpected value"}
	}

	return nil
}
