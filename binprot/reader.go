package binprot

import (
	"bufio"
	"errors"
	"io"
)

// ReadResponse reads and parses a single response frame from r.
//
// Go errors returned indicate I/O or parsing failures:
//   - io.EOF: Connection closed before a header started
//   - ParseError: Malformed frame, connection should be closed
//   - Other I/O errors: Connection issues, connection should be closed
//
// A non-success status is not a Go error, check Response.Err.
//
// The header is peeked from the bufio buffer (no allocation) and the body is
// read in a single io.ReadFull.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	return readResponse(r, DefaultMaxBodyLength)
}

func readResponse(r *bufio.Reader, maxBody uint32) (*Response, error) {
	hb, err := r.Peek(HeaderLen)
	if err != nil {
		if len(hb) > 0 && errors.Is(err, io.EOF) {
			return nil, &ParseError{Message: "truncated header", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}

	h, err := DecodeHeader(hb)
	if err != nil {
		return nil, &ParseError{Message: "decode header", Err: err}
	}
	if _, err := r.Discard(HeaderLen); err != nil {
		return nil, err
	}

	if err := Validate(h, MagicResponse, func(Opcode) bool { return true }); err != nil {
		return nil, &ParseError{Message: "invalid response header", Err: err}
	}
	if h.TotalBodyLength > maxBody {
		return nil, &ParseError{Message: "response body too large", Err: ErrFrameTooLarge}
	}

	resp := &Response{
		Opcode:   h.Opcode,
		Status:   Status(h.Status),
		DataType: h.DataType,
		Opaque:   h.Opaque,
		CAS:      h.CAS,
	}

	if h.TotalBodyLength == 0 {
		return resp, nil
	}

	body := make([]byte, h.TotalBodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &ParseError{Message: "failed to read body", Err: err}
	}

	extras, body := cut(body, int(h.ExtraLength))
	key, value := cut(body, int(h.KeyLength))
	if len(extras) > 0 {
		resp.Extras = extras
	}
	if len(key) > 0 {
		resp.Key = key
	}
	if len(value) > 0 {
		resp.Value = value
	}

	return resp, nil
}
