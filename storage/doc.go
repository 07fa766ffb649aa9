// Package storage is the in-memory item store served by the server package.
//
// It implements the memcached item semantics the binary protocol exposes:
// compare-and-swap versions, opaque client flags, relative and absolute
// expirations, delayed flush, decimal counters. Errors map to protocol
// statuses with Status.
package storage
