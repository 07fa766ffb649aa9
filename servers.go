package memcache

import "errors"

var ErrNoServers = errors.New("memcache: no servers available")

// Servers provides the current list of server addresses.
type Servers interface {
	List() []string
}

type staticServers struct {
	addrs []string
}

// NewStaticServers returns a fixed server list.
func NewStaticServers(addrs ...string) Servers {
	return &staticServers{addrs: addrs}
}

func (s *staticServers) List() []string {
	return s.addrs
}
