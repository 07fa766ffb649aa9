package protocol

import (
	"errors"

	"github.com/pior/memcache-binary/binprot"
)

// ErrWriterReleased is returned by a ResponseWriter used after its handler returned.
var ErrWriterReleased = errors.New("protocol: response writer used after dispatch")

// ResponseWriter appends responses to the output buffer of the Client that
// dispatched the current request. It is only valid during the handler call.
//
// Responses are queued in call order and flushed by the following work steps.
type ResponseWriter struct {
	c *Client
}

// Write appends raw bytes to the output buffer.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.c == nil {
		return 0, ErrWriterReleased
	}
	w.c.out = append(w.c.out, p...)
	return len(p), nil
}

// WriteResponse appends one encoded response frame.
func (w *ResponseWriter) WriteResponse(resp *binprot.Response) error {
	if w.c == nil {
		return ErrWriterReleased
	}
	w.c.out = resp.AppendTo(w.c.out)
	return nil
}

// Status answers req with an empty response carrying status.
func (w *ResponseWriter) Status(req *binprot.Request, status binprot.Status) error {
	return w.WriteResponse(binprot.NewResponse(req, status))
}

// CloseAfterFlush closes the client once the queued output is sent.
func (w *ResponseWriter) CloseAfterFlush() error {
	if w.c == nil {
		return ErrWriterReleased
	}
	w.c.closing = true
	return nil
}

// Client returns the client being served, nil once released.
func (w *ResponseWriter) Client() *Client {
	return w.c
}

// Cookie returns the cookie the client was created with.
func (w *ResponseWriter) Cookie() any {
	if w.c == nil {
		return nil
	}
	return w.c.cookie
}

func (w *ResponseWriter) release() {
	w.c = nil
}
