// Package binprot provides a low-level wire codec for the memcached binary
// protocol.
//
// It serves as the foundation for both sides of a connection: the protocol
// package uses it to reassemble and validate request frames on a server, the
// memcache package uses it to encode requests and parse responses on a
// client. It performs no I/O scheduling of its own.
//
// # Frames
//
// Every frame starts with a fixed 24-byte big-endian header:
//
//	magic(1) opcode(1) key_length(2) extra_length(1) data_type(1)
//	status_or_vbucket(2) total_body_length(4) opaque(4) cas(8)
//
// followed by total_body_length bytes laid out as extras || key || value.
// Requests use MagicRequest (0x80), responses MagicResponse (0x81).
//
// # Core Types
//
//   - Header: the decoded fixed header, see DecodeHeader and EncodeHeader
//   - Request: a request frame with decoded extras (flags, expiration, delta...)
//   - Response: a response frame
//
// # Validation
//
// Validate checks the invariants every frame must satisfy (magic, opcode,
// lengths, key size). ValidateCommand adds the per-opcode layout rules of the
// memcached protocol. Both return a *ValidationError wrapping one of
// ErrInvalidMagic, ErrInvalidOpcode or ErrInvalidLengths:
//
//	h, _ := binprot.DecodeHeader(buf[:binprot.HeaderLen])
//	if err := binprot.Validate(h, binprot.MagicRequest, nil); err != nil {
//	    if errors.Is(err, binprot.ErrInvalidLengths) {
//	        // answer with StatusInvalidArguments
//	    }
//	}
//
// # Error Handling
//
// As in the rest of the module, errors tell whether the connection can be
// kept. Use ShouldCloseConnection:
//
//	resp, err := binprot.ReadResponse(r)
//	if err != nil {
//	    if binprot.ShouldCloseConnection(err) {
//	        conn.Close()
//	    }
//	    return err
//	}
//	if err := resp.Err(); errors.Is(err, binprot.ErrKeyNotFound) {
//	    // miss
//	}
package binprot
