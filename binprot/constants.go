package binprot

import "fmt"

// Magic identifies the direction of a frame.
type Magic uint8

// Opcode identifies the command carried by a frame.
// The opcode space is shared by requests and responses.
type Opcode uint8

// Status is the response status carried in the status_or_vbucket field of a response header.
type Status uint16

// DataType is the data_type header field. Only DataTypeRaw is defined by the protocol.
type DataType uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

const DataTypeRaw DataType = 0x00

// Protocol limits
const (
	// HeaderLen is the size of the fixed frame header.
	HeaderLen = 24

	// MaxKeyLength is the largest key a frame may carry.
	MaxKeyLength = 250

	// DefaultMaxBodyLength bounds total_body_length for inbound frames.
	// memcached caps items at 1MB by default, this leaves room for extras and key.
	DefaultMaxBodyLength = 2 << 20
)

// Command opcodes
//
// Quiet variants (the Q suffix) suppress the success response. GetQ and
// GetKQ suppress the miss response instead.
const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
	OpVerbosity  Opcode = 0x1b
	OpTouch      Opcode = 0x1c
	OpGAT        Opcode = 0x1d
	OpGATQ       Opcode = 0x1e
)

// Response statuses
const (
	StatusSuccess          Status = 0x00
	StatusKeyNotFound      Status = 0x01
	StatusKeyExists        Status = 0x02
	StatusValueTooLarge    Status = 0x03
	StatusInvalidArguments Status = 0x04
	StatusItemNotStored    Status = 0x05
	StatusDeltaBadValue    Status = 0x06
	StatusAuthError        Status = 0x20
	StatusAuthContinue     Status = 0x21
	StatusUnknownCommand   Status = 0x81
	StatusOutOfMemory      Status = 0x82
	StatusNotSupported     Status = 0x83
	StatusInternalError    Status = 0x84
	StatusBusy             Status = 0x85
	StatusTemporaryFailure Status = 0x86
)

var opcodeNames = map[Opcode]string{
	OpGet:        "GET",
	OpSet:        "SET",
	OpAdd:        "ADD",
	OpReplace:    "REPLACE",
	OpDelete:     "DELETE",
	OpIncrement:  "INCREMENT",
	OpDecrement:  "DECREMENT",
	OpQuit:       "QUIT",
	OpFlush:      "FLUSH",
	OpGetQ:       "GETQ",
	OpNoop:       "NOOP",
	OpVersion:    "VERSION",
	OpGetK:       "GETK",
	OpGetKQ:      "GETKQ",
	OpAppend:     "APPEND",
	OpPrepend:    "PREPEND",
	OpStat:       "STAT",
	OpSetQ:       "SETQ",
	OpAddQ:       "ADDQ",
	OpReplaceQ:   "REPLACEQ",
	OpDeleteQ:    "DELETEQ",
	OpIncrementQ: "INCREMENTQ",
	OpDecrementQ: "DECREMENTQ",
	OpQuitQ:      "QUITQ",
	OpFlushQ:     "FLUSHQ",
	OpAppendQ:    "APPENDQ",
	OpPrependQ:   "PREPENDQ",
	OpVerbosity:  "VERBOSITY",
	OpTouch:      "TOUCH",
	OpGAT:        "GAT",
	OpGATQ:       "GATQ",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(o))
}

// Known reports whether the opcode is defined by the memcached binary protocol.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsQuiet reports whether the opcode is a quiet variant.
func (o Opcode) IsQuiet() bool {
	switch o {
	case OpGetQ, OpGetKQ, OpSetQ, OpAddQ, OpReplaceQ, OpDeleteQ, OpIncrementQ,
		OpDecrementQ, OpQuitQ, OpFlushQ, OpAppendQ, OpPrependQ, OpGATQ:
		return true
	}
	return false
}

// Loud returns the non-quiet variant of a quiet opcode, or the opcode itself.
func (o Opcode) Loud() Opcode {
	switch o {
	case OpGetQ:
		return OpGet
	case OpGetKQ:
		return OpGetK
	case OpSetQ:
		return OpSet
	case OpAddQ:
		return OpAdd
	case OpReplaceQ:
		return OpReplace
	case OpDeleteQ:
		return OpDelete
	case OpIncrementQ:
		return OpIncrement
	case OpDecrementQ:
		return OpDecrement
	case OpQuitQ:
		return OpQuit
	case OpFlushQ:
		return OpFlush
	case OpAppendQ:
		return OpAppend
	case OpPrependQ:
		return OpPrepend
	case OpGATQ:
		return OpGAT
	}
	return o
}

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusKeyNotFound:      "key not found",
	StatusKeyExists:        "key exists",
	StatusValueTooLarge:    "value too large",
	StatusInvalidArguments: "invalid arguments",
	StatusItemNotStored:    "item not stored",
	StatusDeltaBadValue:    "incr/decr on non-numeric value",
	StatusAuthError:        "authentication error",
	StatusAuthContinue:     "authentication continue",
	StatusUnknownCommand:   "unknown command",
	StatusOutOfMemory:      "out of memory",
	StatusNotSupported:     "not supported",
	StatusInternalError:    "internal error",
	StatusBusy:             "busy",
	StatusTemporaryFailure: "temporary failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status 0x%04x", uint16(s))
}

func (m Magic) String() string {
	switch m {
	case MagicRequest:
		return "request"
	case MagicResponse:
		return "response"
	}
	return fmt.Sprintf("magic(0x%02x)", uint8(m))
}
