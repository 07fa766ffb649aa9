package storage

// relativeLimit is the largest expiration read as a number of seconds from
// now, larger values are absolute unix times.
const relativeLimit = 60 * 60 * 24 * 30

// Item is a stored value and its metadata.
type Item struct {
	Key   []byte
	Value []byte
	Flags uint32
	CAS   uint64

	// ExpiresAt is the unix time the item expires at, zero for never.
	ExpiresAt int64

	storedAt int64
}

// ExpiresAt converts a protocol expiration to an absolute unix time.
// Zero means never, up to 30 days is relative to now, anything larger is an
// absolute unix time.
func ExpiresAt(exp uint32, now int64) int64 {
	switch {
	case exp == 0:
		return 0
	case exp <= relativeLimit:
		return now + int64(exp)
	}
	return int64(exp)
}

func (it *Item) expired(now int64) bool {
	return it.ExpiresAt != 0 && it.ExpiresAt <= now
}

func (it *Item) size() int {
	return len(it.Key) + len(it.Value)
}
