package memcache

import (
	"context"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/memcache-binary/binprot"
)

// ServerPool wraps a pool and a circuit breaker with its server address.
type ServerPool struct {
	addr           string
	pool           Pool
	circuitBreaker *CircuitBreaker
}

func (sp *ServerPool) Address() string {
	return sp.addr
}

// ServerPoolStats contains stats for a single server pool
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      sp.addr,
		PoolStats: sp.pool.Stats(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// Execute runs one request-response exchange on a pooled connection, through
// the circuit breaker when one is configured.
//
// The connection is destroyed when the error leaves it out of sync, and
// released otherwise. A non-success status is not an error here.
func (sp *ServerPool) Execute(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	if sp.circuitBreaker == nil {
		return sp.execDirect(ctx, req)
	}
	return sp.circuitBreaker.Execute(func() (*binprot.Response, error) {
		return sp.execDirect(ctx, req)
	})
}

func (sp *ServerPool) execDirect(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	return withConnection(ctx, sp.pool, func(conn *Connection) (*binprot.Response, error) {
		return conn.Send(ctx, req)
	})
}

// ExecuteBatch pipelines reqs terminated by a NOOP on one connection.
// The result maps request index to response, quiet hits being absent.
//
// The circuit breaker state is checked but the batch is not recorded in it.
func (sp *ServerPool) ExecuteBatch(ctx context.Context, reqs []*binprot.Request) (map[int]*binprot.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if sp.circuitBreaker != nil && sp.circuitBreaker.State() == gobreaker.StateOpen {
		return nil, gobreaker.ErrOpenState
	}
	return withConnection(ctx, sp.pool, func(conn *Connection) (map[int]*binprot.Response, error) {
		return conn.SendBatch(ctx, reqs)
	})
}

// Stream sends req and hands each response to fn, see Connection.Stream.
func (sp *ServerPool) Stream(ctx context.Context, req *binprot.Request, fn func(*binprot.Response) bool) error {
	_, err := withConnection(ctx, sp.pool, func(conn *Connection) (struct{}, error) {
		return struct{}{}, conn.Stream(ctx, req, fn)
	})
	return err
}

func withConnection[T any](ctx context.Context, pool Pool, fn func(*Connection) (T, error)) (T, error) {
	var zero T

	resource, err := pool.Acquire(ctx)
	if err != nil {
		return zero, err
	}

	v, err := fn(resource.Value())
	if err != nil {
		if binprot.ShouldCloseConnection(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return zero, err
	}

	resource.Release()
	return v, nil
}
