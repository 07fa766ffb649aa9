package protocol

import "github.com/pior/memcache-binary/binprot"

// Handler is implemented by CommandHandler and RawHandler only.
type Handler interface {
	handler()
}

// CommandHandler handles a decoded request.
//
// The request slices alias the connection buffer and are only valid until
// the handler returns.
type CommandHandler func(rw *ResponseWriter, req *binprot.Request)

// RawHandler handles an undecoded frame: the 24-byte header followed by the
// body. It is meant for opcodes the engine does not know how to decode.
type RawHandler func(rw *ResponseWriter, frame []byte)

func (CommandHandler) handler() {}
func (RawHandler) handler()     {}

// Callbacks maps opcodes to handlers, with an optional raw fallback for
// opcodes without a handler of their own.
//
// Callbacks is not safe for concurrent mutation. Populate it before the
// first Client is created.
type Callbacks struct {
	handlers [256]Handler
	raw      RawHandler
}

// NewCallbacks returns an empty table.
func NewCallbacks() *Callbacks {
	return &Callbacks{}
}

// Register binds h to op, replacing any previous handler. A nil h unregisters.
func (c *Callbacks) Register(op binprot.Opcode, h Handler) {
	switch h := h.(type) {
	case CommandHandler:
		if h == nil {
			c.handlers[op] = nil
			return
		}
	case RawHandler:
		if h == nil {
			c.handlers[op] = nil
			return
		}
	}
	c.handlers[op] = h
}

// RegisterFunc is Register for a plain function.
func (c *Callbacks) RegisterFunc(op binprot.Opcode, fn func(rw *ResponseWriter, req *binprot.Request)) {
	c.Register(op, CommandHandler(fn))
}

// Unregister removes the handler bound to op.
func (c *Callbacks) Unregister(op binprot.Opcode) {
	c.handlers[op] = nil
}

// SetRaw sets the fallback used for opcodes without a handler. nil removes it.
func (c *Callbacks) SetRaw(h RawHandler) {
	c.raw = h
}

// HandlerFor returns the handler bound to op, the raw fallback when none is
// bound, or nil.
func (c *Callbacks) HandlerFor(op binprot.Opcode) Handler {
	if h := c.handlers[op]; h != nil {
		return h
	}
	if c.raw != nil {
		return c.raw
	}
	return nil
}

// Known reports whether a frame with op would reach a handler.
func (c *Callbacks) Known(op binprot.Opcode) bool {
	return c.handlers[op] != nil || c.raw != nil
}

// Clone returns an independent copy of the table.
func (c *Callbacks) Clone() *Callbacks {
	clone := *c
	return &clone
}
