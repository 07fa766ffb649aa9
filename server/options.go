package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/pior/memcache-binary/storage"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port
	Port int

	// Reuseport opens one SO_REUSEPORT listener per event loop
	Reuseport bool

	// NumLoops is the number of event loops, runtime.NumCPU() when zero
	NumLoops int

	// Pedantic validates the layout of every inbound frame
	Pedantic bool

	// MaxBodyLength bounds inbound frames, binprot.DefaultMaxBodyLength when zero
	MaxBodyLength uint32

	// MaxConns rejects connections above this count, unlimited when zero
	MaxConns int

	// IdleTimeout closes connections without traffic for that long, disabled when zero
	IdleTimeout time.Duration

	// ReapInterval is the period of the expired items sweep, disabled when zero
	ReapInterval time.Duration

	// Version is reported by the VERSION command
	Version string

	Store *storage.Store

	Log *zap.Logger
}
