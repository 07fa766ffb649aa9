package storage

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal"
	"github.com/pior/memcache-binary/internal/coarsetime"
	"github.com/zeebo/xxh3"
)

const (
	DefaultShards      = 64
	DefaultMaxItemSize = 1 << 20
)

// Options configures a Store.
type Options struct {
	// Shards is the number of independently locked partitions.
	Shards int

	// MaxItemSize bounds the size of a stored value.
	MaxItemSize int

	// Clock returns the current time, coarsetime.Now by default.
	Clock func() time.Time
}

// Store is a sharded in-memory item store with memcached semantics: CAS
// versions, client flags, expiration and delayed flush.
//
// Keys are assigned to shards by jump hashing their xxh3 hash.
// Expired items are dropped lazily on access and by Reap.
type Store struct {
	shards      []*shard
	maxItemSize int
	clock       func() time.Time

	cas     atomic.Uint64
	flushAt atomic.Int64

	stats statsCollector
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.MaxItemSize <= 0 {
		opts.MaxItemSize = DefaultMaxItemSize
	}
	if opts.Clock == nil {
		opts.Clock = coarsetime.Now
	}

	s := &Store{
		shards:      make([]*shard, opts.Shards),
		maxItemSize: opts.MaxItemSize,
		clock:       opts.Clock,
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*Item)}
	}
	return s
}

func (s *Store) shardFor(key []byte) *shard {
	return s.shards[internal.JumpHash(xxh3.Hash(key), len(s.shards))]
}

func (s *Store) now() int64 {
	return s.clock().Unix()
}

func (s *Store) nextCAS() uint64 {
	return s.cas.Add(1)
}

// live returns the item for key if present and neither expired nor flushed.
// The shard lock must be held.
func (s *Store) live(sh *shard, key []byte, now int64) *Item {
	it, ok := sh.items[string(key)]
	if !ok {
		return nil
	}
	if it.expired(now) || s.flushed(it, now) {
		return nil
	}
	return it
}

func (s *Store) flushed(it *Item, now int64) bool {
	at := s.flushAt.Load()
	return at != 0 && at <= now && it.storedAt <= at
}

// put replaces the entry for it.Key. The shard lock must be held.
func (s *Store) put(sh *shard, it *Item) {
	k := string(it.Key)
	if prev, ok := sh.items[k]; ok {
		s.stats.recordRemove(prev.size())
	}
	sh.items[k] = it
	s.stats.recordAdd(it.size())
}

// remove deletes the entry for key. The shard lock must be held.
func (s *Store) remove(sh *shard, key string) {
	if prev, ok := sh.items[key]; ok {
		s.stats.recordRemove(prev.size())
		delete(sh.items, key)
	}
}

func (s *Store) checkKey(key []byte) error {
	if len(key) == 0 || len(key) > binprot.MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

// Get returns the item stored under key.
// The returned item must not be modified.
func (s *Store) Get(key []byte) (*Item, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	it := s.live(sh, key, s.now())
	sh.mu.RUnlock()

	if it == nil {
		s.stats.recordGet(false)
		return nil, ErrNotFound
	}
	s.stats.recordGet(true)
	return it, nil
}

// GetAndTouch returns the item stored under key and updates its expiration.
func (s *Store) GetAndTouch(key []byte, exp uint32) (*Item, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	it := s.live(sh, key, now)
	if it == nil {
		s.stats.recordGet(false)
		return nil, ErrNotFound
	}
	s.stats.recordGet(true)
	s.stats.recordTouch()

	touched := *it
	touched.ExpiresAt = ExpiresAt(exp, now)
	s.put(sh, &touched)
	return &touched, nil
}

// Touch updates the expiration of the item stored under key.
func (s *Store) Touch(key []byte, exp uint32) (*Item, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	it := s.live(sh, key, now)
	if it == nil {
		return nil, ErrNotFound
	}
	s.stats.recordTouch()

	touched := *it
	touched.ExpiresAt = ExpiresAt(exp, now)
	s.put(sh, &touched)
	return &touched, nil
}

// Mode selects the precondition of a storage command.
type Mode uint8

const (
	ModeSet Mode = iota
	ModeAdd
	ModeReplace
	ModeAppend
	ModePrepend
)

// Put writes value under key according to mode and returns the new CAS.
//
// A non-zero cas makes the write conditional on the current CAS of the item.
// Set and Replace with a cas report ErrNotFound for a missing item, Add
// reports ErrExists for a present one. Append and Prepend keep the flags and
// expiration of the existing item and report ErrNotStored when it is missing.
func (s *Store) Put(mode Mode, key, value []byte, flags, exp uint32, cas uint64) (uint64, error) {
	if err := s.checkKey(key); err != nil {
		return 0, err
	}
	if len(value) > s.maxItemSize {
		return 0, ErrTooLarge
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	cur := s.live(sh, key, now)

	switch mode {
	case ModeAdd:
		if cur != nil {
			return 0, ErrExists
		}
	case ModeReplace:
		if cur == nil {
			return 0, ErrNotFound
		}
	case ModeAppend, ModePrepend:
		if cur == nil {
			return 0, ErrNotStored
		}
	}

	if cas != 0 {
		if cur == nil {
			return 0, ErrNotFound
		}
		if cur.CAS != cas {
			return 0, ErrExists
		}
	}

	it := &Item{
		Key:       append([]byte(nil), key...),
		Flags:     flags,
		ExpiresAt: ExpiresAt(exp, now),
		CAS:       s.nextCAS(),
		storedAt:  now,
	}

	switch mode {
	case ModeAppend, ModePrepend:
		if len(cur.Value)+len(value) > s.maxItemSize {
			return 0, ErrTooLarge
		}
		joined := make([]byte, 0, len(cur.Value)+len(value))
		if mode == ModeAppend {
			joined = append(append(joined, cur.Value...), value...)
		} else {
			joined = append(append(joined, value...), cur.Value...)
		}
		it.Value = joined
		it.Flags = cur.Flags
		it.ExpiresAt = cur.ExpiresAt
	default:
		it.Value = append([]byte(nil), value...)
	}

	s.stats.recordSet()
	s.put(sh, it)
	return it.CAS, nil
}

// Set stores value unconditionally, or conditionally on cas when non-zero.
func (s *Store) Set(key, value []byte, flags, exp uint32, cas uint64) (uint64, error) {
	return s.Put(ModeSet, key, value, flags, exp, cas)
}

// Delete removes the item stored under key, conditionally on cas when non-zero.
func (s *Store) Delete(key []byte, cas uint64) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := s.live(sh, key, s.now())
	if cur == nil {
		return ErrNotFound
	}
	if cas != 0 && cur.CAS != cas {
		return ErrExists
	}

	s.stats.recordDelete()
	s.remove(sh, string(key))
	return nil
}

// Counter applies delta to the decimal value stored under key and returns the
// new value and CAS. Increments wrap around at 2^64, decrements stop at zero.
//
// A missing item is created with initial unless exp is binprot.NoAutoCreate,
// in which case ErrNotFound is returned.
func (s *Store) Counter(key []byte, incr bool, delta, initial uint64, exp uint32, cas uint64) (uint64, uint64, error) {
	if err := s.checkKey(key); err != nil {
		return 0, 0, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	cur := s.live(sh, key, now)

	var (
		value uint64
		it    *Item
	)

	if cur == nil {
		if exp == binprot.NoAutoCreate {
			return 0, 0, ErrNotFound
		}
		if cas != 0 {
			return 0, 0, ErrNotFound
		}
		value = initial
		it = &Item{
			Key:       append([]byte(nil), key...),
			ExpiresAt: ExpiresAt(exp, now),
		}
	} else {
		if cas != 0 && cur.CAS != cas {
			return 0, 0, ErrExists
		}
		n, err := strconv.ParseUint(string(cur.Value), 10, 64)
		if err != nil {
			return 0, 0, ErrNonNumeric
		}
		switch {
		case incr:
			value = n + delta
		case delta > n:
			value = 0
		default:
			value = n - delta
		}
		copied := *cur
		it = &copied
	}

	it.Value = strconv.AppendUint(nil, value, 10)
	it.CAS = s.nextCAS()
	it.storedAt = now

	s.stats.recordCounter()
	s.put(sh, it)
	return value, it.CAS, nil
}

// Flush invalidates every item stored so far, after delay seconds when
// non-zero.
func (s *Store) Flush(delay uint32) {
	now := s.now()
	s.stats.recordFlush()

	if delay == 0 {
		for _, sh := range s.shards {
			sh.mu.Lock()
			for _, it := range sh.items {
				s.stats.recordRemove(it.size())
			}
			sh.items = make(map[string]*Item)
			sh.mu.Unlock()
		}
		s.flushAt.Store(0)
		return
	}
	s.flushAt.Store(ExpiresAt(delay, now))
}

// Reap drops expired and flushed items and returns how many were removed.
func (s *Store) Reap() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, it := range sh.items {
			if it.expired(now) || s.flushed(it, now) {
				s.stats.recordReap()
				s.remove(sh, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored items, including expired ones not reaped yet.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for each live item until fn returns false.
// Items must not be modified and the store must not be written from fn.
func (s *Store) Range(fn func(it *Item) bool) {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, it := range sh.items {
			if it.expired(now) || s.flushed(it, now) {
				continue
			}
			if !fn(it) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return s.stats.snapshot()
}
