// Package protocol implements the server side of the memcached binary
// protocol as a non-blocking state machine.
//
// The package performs no polling of its own. An event loop owns the
// sockets, calls Client.Work when a connection is ready and waits for the
// returned Event before calling it again:
//
//	p := protocol.New()
//	p.Callbacks().RegisterFunc(binprot.OpNoop, func(rw *protocol.ResponseWriter, req *binprot.Request) {
//	    rw.Status(req, binprot.StatusSuccess)
//	})
//
//	c := p.NewClient(fd, nil)
//	defer c.Close()
//	for {
//	    switch c.Work() {
//	    case protocol.EventError:
//	        return c.Err()
//	    case protocol.EventRead:
//	        // wait until fd is readable
//	    case protocol.EventWrite:
//	        // wait until fd is writable
//	    case protocol.EventReadWrite:
//	        // wait until fd is readable or writable
//	    }
//	}
//
// Frames are reassembled across arbitrary partial reads, dispatched one per
// step to the registered handler, and the responses the handler writes are
// flushed across as many partial writes as needed.
//
// # Pedantic mode
//
// With SetPedantic(true) every inbound header is checked with binprot.Validate
// and binprot.ValidateCommand. A frame failing the checks is answered with
// StatusInvalidArguments and skipped. The connection stays open:
// Client.Violations lets the caller decide when to drop it.
package protocol
