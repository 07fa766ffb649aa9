package memcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/pior/memcache-binary/binprot"
)

// Config holds configuration for the memcache client connection pools.
type Config struct {
	// MaxSize is the maximum number of connections per server.
	// Required: must be > 0.
	MaxSize int32

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked with a NOOP.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// TLSConfig enables TLS on every connection when not nil.
	TLSConfig *tls.Config

	// NewPool is the connection pool factory, NewPuddlePool when nil.
	NewPool PoolFactory

	// SelectServer picks which server owns a key, DefaultServerSelector when nil.
	SelectServer ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a server.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *CircuitBreaker

	// for testing purposes only
	constructor func(addr string) func(ctx context.Context) (*Connection, error)
}

// Client is a memcache binary protocol client with a connection pool per server.
type Client struct {
	servers Servers
	config  Config

	mu    sync.RWMutex
	pools map[string]*ServerPool

	stopHealthCheck chan struct{}
	closeOnce       sync.Once

	stats *clientStatsCollector
}

// NewClient creates a client for servers.
// For a single server, use: NewClient(NewStaticServers("host:port"), config)
func NewClient(servers Servers, config Config) (*Client, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}
	if config.MaxSize <= 0 {
		return nil, fmt.Errorf("memcache: MaxSize must be positive, got %d", config.MaxSize)
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	if config.NewPool == nil {
		config.NewPool = NewPuddlePool
	}
	if config.SelectServer == nil {
		config.SelectServer = DefaultServerSelector
	}

	client := &Client{
		servers:         servers,
		config:          config,
		pools:           make(map[string]*ServerPool),
		stopHealthCheck: make(chan struct{}),
		stats:           newClientStatsCollector(),
	}

	if config.HealthCheckInterval > 0 {
		go client.healthCheckLoop()
	}

	return client, nil
}

// Close closes the client and destroys all connections in all pools.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, sp := range c.pools {
			sp.pool.Close()
		}
	})
}

func (c *Client) poolForKey(key string) (*ServerPool, error) {
	if err := binprot.ValidateKey([]byte(key)); err != nil {
		return nil, err
	}
	addrs := c.servers.List()
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}
	return c.poolFor(addrs[c.config.SelectServer(key, len(addrs))])
}

// poolFor gets or lazily creates the pool of a server.
func (c *Client) poolFor(addr string) (*ServerPool, error) {
	c.mu.RLock()
	sp, exists := c.pools[addr]
	c.mu.RUnlock()
	if exists {
		return sp, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sp, exists := c.pools[addr]; exists {
		return sp, nil
	}

	constructor := func(ctx context.Context) (*Connection, error) {
		return Dial(ctx, c.config.Dialer, addr, c.config.TLSConfig)
	}
	if c.config.constructor != nil {
		constructor = c.config.constructor(addr)
	}

	pool, err := c.config.NewPool(constructor, c.config.MaxSize)
	if err != nil {
		return nil, err
	}

	sp = &ServerPool{addr: addr, pool: pool}
	if c.config.NewCircuitBreaker != nil {
		sp.circuitBreaker = c.config.NewCircuitBreaker(addr)
	}
	c.pools[addr] = sp
	return sp, nil
}

func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

func (c *Client) checkAllPools() {
	c.mu.RLock()
	pools := make([]*ServerPool, 0, len(c.pools))
	for _, sp := range c.pools {
		pools = append(pools, sp)
	}
	c.mu.RUnlock()

	for _, sp := range pools {
		c.checkPoolConnections(sp.pool)
	}
}

// checkPoolConnections destroys the idle connections that are stale or fail a NOOP.
func (c *Client) checkPoolConnections(pool Pool) {
	now := time.Now()

	for _, res := range pool.AcquireAllIdle() {
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := healthCheck(res.Value()); err != nil {
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

func healthCheck(conn *Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := conn.Send(ctx, binprot.NewRequest(binprot.OpNoop, nil, nil, nil))
	if err != nil {
		return err
	}
	return resp.Err()
}

// do executes req on the server owning key and turns a non-success status
// into an error.
func (c *Client) do(ctx context.Context, key string, req *binprot.Request) (*binprot.Response, error) {
	sp, err := c.poolForKey(key)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}

	resp, err := sp.Execute(ctx, req)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		if !resp.IsMiss() {
			c.stats.recordError()
		}
		return resp, err
	}
	return resp, nil
}

// Get retrieves a single item. A miss is not an error: Found is false.
func (c *Client) Get(ctx context.Context, key string) (Result, error) {
	var r Result
	err := c.GetInto(ctx, key, &r)
	return r, err
}

// GetInto retrieves a single item into r, reusing its value buffer.
func (c *Client) GetInto(ctx context.Context, key string, r *Result) error {
	r.Reset()

	resp, err := c.do(ctx, key, binprot.NewRequest(binprot.OpGet, nil, []byte(key), nil))
	if errors.Is(err, binprot.ErrKeyNotFound) {
		c.stats.recordGet(false)
		r.Key = key
		return nil
	}
	if err != nil {
		return err
	}

	c.stats.recordGet(true)
	r.fill(key, resp)
	return nil
}

// GetAndTouch retrieves a single item and updates its TTL.
func (c *Client) GetAndTouch(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	extras := binprot.ExpirationExtras(expiration(ttl))
	resp, err := c.do(ctx, key, binprot.NewRequest(binprot.OpGAT, extras, []byte(key), nil))
	if errors.Is(err, binprot.ErrKeyNotFound) {
		c.stats.recordGet(false)
		return Result{Key: key}, nil
	}
	if err != nil {
		return Result{}, err
	}

	c.stats.recordGet(true)
	c.stats.recordTouch()
	var r Result
	r.fill(key, resp)
	return r, nil
}

// GetMulti retrieves several items with one pipelined GETKQ batch per server.
// Missing keys are absent from the result.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]Result, error) {
	byServer := map[*ServerPool][]string{}
	for _, key := range keys {
		sp, err := c.poolForKey(key)
		if err != nil {
			c.stats.recordError()
			return nil, err
		}
		byServer[sp] = append(byServer[sp], key)
	}

	out := make(map[string]Result, len(keys))
	for sp, keys := range byServer {
		reqs := make([]*binprot.Request, len(keys))
		for i, key := range keys {
			reqs[i] = binprot.NewRequest(binprot.OpGetKQ, nil, []byte(key), nil)
		}

		resps, err := sp.ExecuteBatch(ctx, reqs)
		if err != nil {
			c.stats.recordError()
			return nil, err
		}

		for i, key := range keys {
			resp, ok := resps[i]
			if !ok || resp.IsMiss() {
				c.stats.recordGet(false)
				continue
			}
			if err := resp.Err(); err != nil {
				c.stats.recordError()
				return nil, err
			}
			c.stats.recordGet(true)
			var r Result
			r.fill(key, resp)
			out[key] = r
		}
	}
	return out, nil
}

func (c *Client) store(ctx context.Context, op binprot.Opcode, item Item) (uint64, error) {
	var extras []byte
	if op != binprot.OpAppend && op != binprot.OpPrepend {
		extras = binprot.StorageExtras(item.Flags, expiration(item.TTL))
	}
	req := binprot.NewRequest(op, extras, []byte(item.Key), item.Value)
	req.Header.CAS = item.CAS

	resp, err := c.do(ctx, item.Key, req)
	if err != nil {
		return 0, err
	}
	c.stats.recordStore()
	return resp.CAS, nil
}

// Set stores an item and returns its new CAS.
func (c *Client) Set(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, binprot.OpSet, item)
}

// Add stores an item only if the key doesn't already exist.
// It fails with binprot.ErrKeyExists otherwise.
func (c *Client) Add(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, binprot.OpAdd, item)
}

// Replace stores an item only if the key already exists.
// It fails with binprot.ErrKeyNotFound otherwise.
func (c *Client) Replace(ctx context.Context, item Item) (uint64, error) {
	return c.store(ctx, binprot.OpReplace, item)
}

// Append adds value after the existing value of key.
func (c *Client) Append(ctx context.Context, key string, value []byte) (uint64, error) {
	return c.store(ctx, binprot.OpAppend, Item{Key: key, Value: value})
}

// Prepend adds value before the existing value of key.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) (uint64, error) {
	return c.store(ctx, binprot.OpPrepend, Item{Key: key, Value: value})
}

// CompareAndSwap stores item only if its CAS matches the stored version.
// It fails with binprot.ErrKeyExists when the item changed.
func (c *Client) CompareAndSwap(ctx context.Context, item Item) (uint64, error) {
	if item.CAS == 0 {
		return 0, errors.New("memcache: CompareAndSwap requires a CAS")
	}
	return c.store(ctx, binprot.OpSet, item)
}

// Delete removes an item. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, key, binprot.NewRequest(binprot.OpDelete, nil, []byte(key), nil))
	if err != nil && !errors.Is(err, binprot.ErrKeyNotFound) {
		return err
	}
	c.stats.recordDelete()
	return nil
}

// Touch updates the TTL of an item.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	extras := binprot.ExpirationExtras(expiration(ttl))
	if _, err := c.do(ctx, key, binprot.NewRequest(binprot.OpTouch, extras, []byte(key), nil)); err != nil {
		return err
	}
	c.stats.recordTouch()
	return nil
}

func (c *Client) counter(ctx context.Context, op binprot.Opcode, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	extras := binprot.ArithmeticExtras(delta, initial, expiration(ttl))
	resp, err := c.do(ctx, key, binprot.NewRequest(op, extras, []byte(key), nil))
	if err != nil {
		return 0, err
	}

	value, err := resp.Counter()
	if err != nil {
		c.stats.recordError()
		return 0, err
	}
	c.stats.recordCounter()
	return value, nil
}

// Increment adds delta to a counter, creating it with delta when missing.
// TTL of 0 means infinite TTL.
func (c *Client) Increment(ctx context.Context, key string, delta uint64, ttl time.Duration) (uint64, error) {
	return c.counter(ctx, binprot.OpIncrement, key, delta, delta, ttl)
}

// Decrement subtracts delta from a counter, stopping at zero, creating it
// with 0 when missing.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64, ttl time.Duration) (uint64, error) {
	return c.counter(ctx, binprot.OpDecrement, key, delta, 0, ttl)
}

// eachServer runs fn against every server and aggregates the errors.
func (c *Client) eachServer(fn func(sp *ServerPool) error) (err error) {
	for _, addr := range c.servers.List() {
		sp, perr := c.poolFor(addr)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		if ferr := fn(sp); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", addr, ferr))
		}
	}
	if err != nil {
		c.stats.recordError()
	}
	return err
}

// Flush invalidates all items on every server, after delay when non-zero.
func (c *Client) Flush(ctx context.Context, delay time.Duration) error {
	var extras []byte
	if delay > 0 {
		extras = binprot.ExpirationExtras(expiration(delay))
	}
	return c.eachServer(func(sp *ServerPool) error {
		resp, err := sp.Execute(ctx, binprot.NewRequest(binprot.OpFlush, extras, nil, nil))
		if err != nil {
			return err
		}
		return resp.Err()
	})
}

// Ping sends a NOOP to every server.
func (c *Client) Ping(ctx context.Context) error {
	return c.eachServer(func(sp *ServerPool) error {
		resp, err := sp.Execute(ctx, binprot.NewRequest(binprot.OpNoop, nil, nil, nil))
		if err != nil {
			return err
		}
		return resp.Err()
	})
}

// Versions returns the version of every server, keyed by address.
func (c *Client) Versions(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := c.eachServer(func(sp *ServerPool) error {
		resp, err := sp.Execute(ctx, binprot.NewRequest(binprot.OpVersion, nil, nil, nil))
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		out[sp.addr] = string(resp.Value)
		return nil
	})
	return out, err
}

// ServerStats returns the STAT output of every server, keyed by address.
// A non-empty group selects a statistics group like "settings".
func (c *Client) ServerStats(ctx context.Context, group string) (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	err := c.eachServer(func(sp *ServerPool) error {
		stats := map[string]string{}
		var statusErr error
		err := sp.Stream(ctx, binprot.NewRequest(binprot.OpStat, nil, []byte(group), nil), func(resp *binprot.Response) bool {
			if statusErr = resp.Err(); statusErr != nil {
				return false
			}
			if len(resp.Key) == 0 {
				return false
			}
			stats[string(resp.Key)] = string(resp.Value)
			return true
		})
		if err != nil {
			return err
		}
		if statusErr != nil {
			return statusErr
		}
		out[sp.addr] = stats
		return nil
	})
	return out, err
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// AllPoolStats returns stats for all server pools
func (c *Client) AllPoolStats() []ServerPoolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ServerPoolStats, 0, len(c.pools))
	for _, sp := range c.pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}
