package memcache

import (
	"github.com/zeebo/xxh3"

	"github.com/pior/memcache-binary/internal"
)

// ServerSelector picks the index of the server owning key among serverCount.
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector uses Jump Hash over xxh3 for consistent server selection.
// Jump Hash moves few keys when servers are added or removed.
func DefaultServerSelector(key string, serverCount int) int {
	return internal.JumpHash(xxh3.HashString(key), serverCount)
}

// staticSelector is used in tests to always select a specific server.
func staticSelector(index int) ServerSelector {
	return func(key string, serverCount int) int {
		return index % serverCount
	}
}
