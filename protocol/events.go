package protocol

// Event is the readiness a Client wants next from the event loop.
type Event uint8

const (
	// EventError means the client is closed: close the transport and the client.
	EventError Event = iota
	EventRead
	EventWrite
	EventReadWrite
)

func (e Event) String() string {
	switch e {
	case EventError:
		return "error"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventReadWrite:
		return "read-write"
	}
	return "unknown"
}

// Readable reports whether the event includes read readiness.
func (e Event) Readable() bool { return e == EventRead || e == EventReadWrite }

// Writable reports whether the event includes write readiness.
func (e Event) Writable() bool { return e == EventWrite || e == EventReadWrite }

// State is the position of a Client in its frame lifecycle.
type State uint8

const (
	StateAwaitingHeader State = iota
	StateAwaitingBody
	StateDispatching
	StateFlushing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateDispatching:
		return "dispatching"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
