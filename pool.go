package memcache

import (
	"context"
	"errors"
	"time"
)

var ErrPoolClosed = errors.New("memcache: pool closed")

// Resource is a pooled connection checked out by one caller.
type Resource interface {
	Value() *Connection

	// Release returns the connection to the pool.
	Release()

	// ReleaseUnused returns the connection without marking it as used.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool manages the connections to one server.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)
	AcquireAllIdle() []Resource
	Close()
	Stats() PoolStats
}

// PoolFactory creates a pool of at most maxSize connections built by constructor.
type PoolFactory func(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)
