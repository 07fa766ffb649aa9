//go:build linux

package server

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pior/memcache-binary/protocol"
	"github.com/pior/memcache-binary/storage"
)

const (
	// maxSteps bounds the Work calls made for one connection per readiness
	// notification, so that a pipelining client cannot starve the others.
	maxSteps = 64

	pollTimeoutMs = 100
)

// Server serves the memcached binary protocol from a set of epoll event
// loops. Each connection is owned by a single loop.
type Server struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr     string
	numLoops int
	opts     Options

	listeners []net.Listener
	loops     []*loop
	next      atomic.Uint64

	proto    *protocol.Protocol
	handlers *Handlers
	store    *storage.Store

	currConns     atomic.Int64
	totalConns    atomic.Uint64
	rejectedConns atomic.Uint64

	closeOnce sync.Once
	log       *zap.Logger
}

func New(options Options) *Server {
	numLoops := options.NumLoops
	if numLoops < 1 {
		numLoops = runtime.NumCPU()
	}
	if options.Store == nil {
		options.Store = storage.New(storage.Options{})
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	s := &Server{
		addr:     net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numLoops: numLoops,
		opts:     options,
		store:    options.Store,
		proto:    protocol.New(),
		log:      options.Log,
	}

	s.handlers = NewHandlers(s.store, HandlerOptions{
		Version: options.Version,
		Stats:   s.connStats,
		Log:     options.Log.Named("handlers"),
	})
	s.handlers.Register(s.proto.Callbacks())

	s.proto.SetPedantic(options.Pedantic)
	if options.MaxBodyLength > 0 {
		s.proto.SetMaxBodyLength(options.MaxBodyLength)
	}
	return s
}

// Handlers returns the command handlers, whose Stats feed the admin API.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Store returns the item store.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Addr returns the address of the first listener, nil before Start.
func (s *Server) Addr() net.Addr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Start opens the listeners and runs the event loops until ctx is done or
// Close is called.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	if err := s.listen(); err != nil {
		cancel()
		return err
	}

	for i := 0; i < s.numLoops; i++ {
		l, err := newLoop(s, s.log.Named("loop").With(zap.Int("loop", i)))
		if err != nil {
			cancel()
			err = multierr.Append(err, s.closeAll())
			s.loops, s.listeners = nil, nil
			return err
		}
		s.loops = append(s.loops, l)
	}

	s.log.Info("Starting event loops",
		zap.Int("loops", s.numLoops),
		zap.Int("listeners", len(s.listeners)),
		zap.Stringer("addr", s.Addr()))

	for _, l := range s.loops {
		s.stopWaiter.Add(1)
		go func(l *loop) {
			defer s.stopWaiter.Done()
			l.run(ctx)
		}(l)
	}

	for _, ln := range s.listeners {
		s.stopWaiter.Add(1)
		go func(ln net.Listener) {
			defer s.stopWaiter.Done()
			if err := s.accept(ln); err != nil {
				s.log.Error("Failed to accept", zap.Error(err))
			}
		}(ln)
	}

	if s.opts.ReapInterval > 0 {
		s.stopWaiter.Add(1)
		go func() {
			defer s.stopWaiter.Done()
			s.reap(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	return nil
}

func (s *Server) listen() error {
	if !s.opts.Reuseport {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		return nil
	}

	for i := 0; i < s.numLoops; i++ {
		ln, err := reuseport.Listen("tcp", s.addr)
		if err != nil {
			return multierr.Append(err, s.closeListeners())
		}
		s.listeners = append(s.listeners, ln)
	}
	return nil
}

func (s *Server) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new connections
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if limit := s.opts.MaxConns; limit > 0 && s.currConns.Load() >= int64(limit) {
			s.rejectedConns.Add(1)
			s.log.Warn("Rejecting connection, too many open", zap.Int("max", limit))
			conn.Close()
			continue
		}

		fd, err := detach(conn)
		if err != nil {
			s.log.Warn("Failed to detach connection", zap.Error(err))
			continue
		}

		s.currConns.Add(1)
		s.totalConns.Add(1)

		l := s.loops[s.next.Add(1)%uint64(len(s.loops))]
		if err := l.adopt(fd); err != nil {
			s.log.Warn("Failed to hand over connection", zap.Error(err))
			unix.Close(fd)
			s.currConns.Add(-1)
		}
	}
}

// detach duplicates the descriptor of conn in non-blocking mode and closes
// conn, leaving the event loop as the only owner of the socket.
func detach(conn net.Conn) (int, error) {
	defer conn.Close()

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return -1, errors.New("server: not a TCP connection")
	}
	f, err := tcp.File()
	if err != nil {
		return -1, err
	}
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *Server) reap(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Reap(); n > 0 {
				s.log.Debug("Reaped expired items", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) connStats() []Stat {
	ps := s.proto.Stats()
	return []Stat{
		{"curr_connections", strconv.FormatInt(s.currConns.Load(), 10)},
		{"total_connections", strconv.FormatUint(s.totalConns.Load(), 10)},
		{"rejected_connections", strconv.FormatUint(s.rejectedConns.Load(), 10)},
		{"bytes_read", strconv.FormatUint(ps.BytesIn, 10)},
		{"bytes_written", strconv.FormatUint(ps.BytesOut, 10)},
		{"protocol_violations", strconv.FormatUint(ps.Violations, 10)},
		{"oversized_frames", strconv.FormatUint(ps.Oversized, 10)},
		{"unknown_commands", strconv.FormatUint(ps.Unknown, 10)},
	}
}

func (s *Server) closeListeners() (err error) {
	for _, ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Server) closeAll() (err error) {
	err = s.closeListeners()
	for _, l := range s.loops {
		err = multierr.Append(err, l.close())
	}
	return err
}

// Close stops accepting, closes every connection and waits for the event
// loops to exit.
func (s *Server) Close() (err error) {
	s.closeOnce.Do(func() {
		s.log.Info("Stopping server")
		if s.cancel != nil {
			s.cancel()
		}
		err = s.closeListeners()
		for _, l := range s.loops {
			err = multierr.Append(err, l.poller.Wake())
		}

		s.stopWaiter.Wait()

		for _, l := range s.loops {
			err = multierr.Append(err, l.close())
		}
		s.proto.Close()
		s.log.Info("Server stopped")
	})
	return err
}

type conn struct {
	client *protocol.Client
	event  protocol.Event
}

type loop struct {
	srv    *Server
	poller *Poller

	mu       sync.Mutex
	incoming []int

	conns map[int]*conn
	log   *zap.Logger
}

func newLoop(srv *Server, log *zap.Logger) (*loop, error) {
	p, err := MakePoller()
	if err != nil {
		return nil, err
	}
	return &loop{srv: srv, poller: p, conns: make(map[int]*conn), log: log}, nil
}

// adopt queues fd for registration by the loop goroutine.
func (l *loop) adopt(fd int) error {
	l.mu.Lock()
	l.incoming = append(l.incoming, fd)
	l.mu.Unlock()
	return l.poller.Wake()
}

func (l *loop) run(ctx context.Context) {
	l.log.Debug("Event loop started")
	defer l.log.Debug("Event loop exited")

	lastSweep := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		woken, err := l.poller.Wait(pollTimeoutMs, l.ready)
		if err != nil {
			l.log.Error("Failed to wait for events", zap.Error(err))
			return
		}
		if woken {
			l.register()
		}

		if timeout := l.srv.opts.IdleTimeout; timeout > 0 && time.Since(lastSweep) >= time.Second {
			l.sweep(timeout)
			lastSweep = time.Now()
		}
	}
}

func (l *loop) register() {
	l.mu.Lock()
	fds := l.incoming
	l.incoming = nil
	l.mu.Unlock()

	for _, fd := range fds {
		c := &conn{client: l.srv.proto.NewClient(fd, l), event: protocol.EventRead}
		if err := l.poller.Add(fd, c.event); err != nil {
			l.log.Warn("Failed to register connection", zap.Int("fd", fd), zap.Error(err))
			c.client.Close()
			unix.Close(fd)
			l.srv.currConns.Add(-1)
			continue
		}
		l.conns[fd] = c
	}
}

func (l *loop) ready(fd int, _ uint32) {
	c, ok := l.conns[fd]
	if !ok {
		return
	}

	ev := c.client.Work()
	for i := 1; i < maxSteps && ev == protocol.EventWrite && c.client.PendingOutput() == 0; i++ {
		ev = c.client.Work()
	}

	if ev == protocol.EventError {
		l.drop(fd, c)
		return
	}
	if ev != c.event {
		if err := l.poller.Modify(fd, ev); err != nil {
			l.log.Warn("Failed to update interest", zap.Int("fd", fd), zap.Error(err))
			l.drop(fd, c)
			return
		}
		c.event = ev
	}
}

func (l *loop) drop(fd int, c *conn) {
	if err := c.client.Err(); err != nil && !errors.Is(err, protocol.ErrClosedByHandler) {
		l.log.Debug("Connection closed",
			zap.Int("fd", fd),
			zap.Error(err),
			zap.Uint64("violations", c.client.Violations()))
	}

	l.poller.Remove(fd)
	c.client.Close()
	unix.Close(fd)
	delete(l.conns, fd)
	l.srv.currConns.Add(-1)
}

func (l *loop) sweep(timeout time.Duration) {
	deadline := time.Now().Add(-timeout)
	for fd, c := range l.conns {
		if c.client.LastActivity().Before(deadline) {
			l.log.Debug("Closing idle connection", zap.Int("fd", fd))
			l.drop(fd, c)
		}
	}
}

// close releases the connections and the poller. The loop must have exited.
func (l *loop) close() error {
	l.register()
	for fd, c := range l.conns {
		l.drop(fd, c)
	}
	return l.poller.Close()
}
