package memcache

import (
	"time"

	"github.com/pior/memcache-binary/binprot"
)

// Result holds an item as returned by a server.
// A Result can be reused across calls after Reset.
type Result struct {
	Key   string
	Value []byte
	Flags uint32
	CAS   uint64

	// Found is false on a cache miss, every other field is then zero.
	Found bool
}

// Reset clears the result, keeping the value buffer for reuse.
func (r *Result) Reset() {
	r.Key = ""
	r.Value = r.Value[:0]
	r.Flags = 0
	r.CAS = 0
	r.Found = false
}

// Len returns the length of the value.
func (r *Result) Len() int {
	return len(r.Value)
}

// fill copies a successful get response into r.
func (r *Result) fill(key string, resp *binprot.Response) {
	r.Key = key
	r.Value = append(r.Value[:0], resp.Value...)
	r.Flags = resp.Flags()
	r.CAS = resp.CAS
	r.Found = true
}

// Item is an item to store.
type Item struct {
	Key   string
	Value []byte
	Flags uint32

	// TTL is the time to live, NoTTL for none. Durations beyond 30 days are
	// sent as an absolute Unix time.
	TTL time.Duration

	// CAS makes the write conditional on the current version of the item
	// when non-zero.
	CAS uint64
}

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

const relativeTTLLimit = 30 * 24 * time.Hour

// expiration converts a TTL to the wire expiration.
func expiration(ttl time.Duration) uint32 {
	switch {
	case ttl <= 0:
		return 0
	case ttl > relativeTTLLimit:
		return uint32(time.Now().Add(ttl).Unix())
	}
	secs := uint32(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
