package memcache

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal/testutils"
)

// frame encodes a response as the n-th answer of a fresh connection.
func frame(op binprot.Opcode, status binprot.Status, opaque uint32, extras, key, value []byte) []byte {
	resp := &binprot.Response{Opcode: op, Status: status, Opaque: opaque, Extras: extras, Key: key, Value: value}
	return resp.AppendTo(nil)
}

type mockServers struct {
	mu    sync.Mutex
	conns map[string][]*testutils.ConnectionMock
	dials map[string]int
}

// newMockClient returns a client whose connections to addr replay frames[addr].
// Each dial consumes the next mock.
func newMockClient(t *testing.T, addrs []string, mocks map[string][]*testutils.ConnectionMock, config Config) *Client {
	t.Helper()

	ms := &mockServers{conns: mocks, dials: map[string]int{}}
	if config.MaxSize == 0 {
		config.MaxSize = 1
	}
	config.constructor = func(addr string) func(ctx context.Context) (*Connection, error) {
		return func(ctx context.Context) (*Connection, error) {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			i := ms.dials[addr]
			if i >= len(ms.conns[addr]) {
				return nil, errors.New("no more mock connections")
			}
			ms.dials[addr]++
			return NewConnection(ms.conns[addr][i]), nil
		}
	}

	client, err := NewClient(NewStaticServers(addrs...), config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func singleMock(t *testing.T, frames ...[]byte) (*Client, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock(frames...)
	client := newMockClient(t, []string{"s1"}, map[string][]*testutils.ConnectionMock{"s1": {mock}}, Config{})
	return client, mock
}

func written(t *testing.T, mock *testutils.ConnectionMock) []*binprot.Request {
	t.Helper()
	var reqs []*binprot.Request
	b := mock.Written()
	for len(b) > 0 {
		h, err := binprot.DecodeHeader(b[:binprot.HeaderLen])
		require.NoError(t, err)
		n := binprot.HeaderLen + int(h.TotalBodyLength)
		reqs = append(reqs, binprot.DecodeRequest(h, b[binprot.HeaderLen:n]))
		b = b[n:]
	}
	return reqs
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(NewStaticServers(), Config{MaxSize: 1})
	require.ErrorIs(t, err, ErrNoServers)

	_, err = NewClient(NewStaticServers("localhost:11211"), Config{})
	require.Error(t, err)

	client, err := NewClient(NewStaticServers("localhost:11211"), Config{MaxSize: 2})
	require.NoError(t, err)
	client.Close()
	client.Close()
}

func TestClient_GetHit(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpGet, binprot.StatusSuccess, 1, binprot.GetExtras(9), nil, []byte("bar")),
	)

	r, err := client.Get(context.Background(), "foo")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "foo", r.Key)
	assert.Equal(t, "bar", string(r.Value))
	assert.Equal(t, uint32(9), r.Flags)

	reqs := written(t, mock)
	require.Len(t, reqs, 1)
	assert.Equal(t, binprot.OpGet, reqs[0].Opcode())
	assert.Equal(t, "foo", string(reqs[0].Key))

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Gets)
	assert.Equal(t, uint64(1), stats.GetHits)
}

func TestClient_GetMiss(t *testing.T) {
	client, _ := singleMock(t,
		frame(binprot.OpGet, binprot.StatusKeyNotFound, 1, nil, nil, []byte("Not found")),
	)

	r, err := client.Get(context.Background(), "foo")
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Empty(t, r.Value)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Gets)
	assert.Zero(t, stats.GetHits)
	assert.Zero(t, stats.Errors)
}

func TestClient_GetInvalidKey(t *testing.T) {
	client, mock := singleMock(t)

	_, err := client.Get(context.Background(), "has space")
	require.Error(t, err)
	assert.Empty(t, mock.Written())
	assert.Equal(t, uint64(1), client.Stats().Errors)
}

func TestClient_Set(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpSet, binprot.StatusSuccess, 1, nil, nil, nil),
	)

	_, err := client.Set(context.Background(), Item{Key: "k", Value: []byte("v"), Flags: 3, TTL: time.Minute})
	require.NoError(t, err)

	reqs := written(t, mock)
	require.Len(t, reqs, 1)
	assert.Equal(t, binprot.OpSet, reqs[0].Opcode())
	assert.Equal(t, uint32(3), reqs[0].Flags)
	assert.Equal(t, uint32(60), reqs[0].Expiration)
	assert.Equal(t, "v", string(reqs[0].Value))
	assert.Equal(t, uint64(1), client.Stats().Stores)
}

func TestClient_AddExists(t *testing.T) {
	client, _ := singleMock(t,
		frame(binprot.OpAdd, binprot.StatusKeyExists, 1, nil, nil, []byte("Data exists for key.")),
	)

	_, err := client.Add(context.Background(), Item{Key: "k", Value: []byte("v")})
	require.ErrorIs(t, err, binprot.ErrKeyExists)
	assert.Equal(t, uint64(1), client.Stats().Errors)
}

func TestClient_CompareAndSwap(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpSet, binprot.StatusSuccess, 1, nil, nil, nil),
	)

	_, err := client.CompareAndSwap(context.Background(), Item{Key: "k"})
	require.Error(t, err)

	_, err = client.CompareAndSwap(context.Background(), Item{Key: "k", Value: []byte("v"), CAS: 77})
	require.NoError(t, err)

	reqs := written(t, mock)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(77), reqs[0].CAS())
}

func TestClient_AppendPrepend(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpAppend, binprot.StatusSuccess, 1, nil, nil, nil),
		frame(binprot.OpPrepend, binprot.StatusSuccess, 2, nil, nil, nil),
	)

	_, err := client.Append(context.Background(), "k", []byte("z"))
	require.NoError(t, err)
	_, err = client.Prepend(context.Background(), "k", []byte("a"))
	require.NoError(t, err)

	reqs := written(t, mock)
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Extras)
	assert.Equal(t, binprot.OpPrepend, reqs[1].Opcode())
}

func TestClient_Delete(t *testing.T) {
	client, _ := singleMock(t,
		frame(binprot.OpDelete, binprot.StatusSuccess, 1, nil, nil, nil),
		frame(binprot.OpDelete, binprot.StatusKeyNotFound, 2, nil, nil, nil),
	)

	require.NoError(t, client.Delete(context.Background(), "k"))
	require.NoError(t, client.Delete(context.Background(), "k"))
	assert.Equal(t, uint64(2), client.Stats().Deletes)
}

func TestClient_Counters(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpIncrement, binprot.StatusSuccess, 1, nil, nil, binprot.CounterValue(5)),
		frame(binprot.OpDecrement, binprot.StatusSuccess, 2, nil, nil, binprot.CounterValue(3)),
		frame(binprot.OpIncrement, binprot.StatusDeltaBadValue, 3, nil, nil, nil),
	)

	v, err := client.Increment(context.Background(), "n", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	v, err = client.Decrement(context.Background(), "n", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	_, err = client.Increment(context.Background(), "n", 1, 0)
	require.ErrorIs(t, err, binprot.ErrDeltaBadValue)

	reqs := written(t, mock)
	require.Len(t, reqs, 3)
	assert.Equal(t, uint64(5), reqs[0].Delta)
	assert.Equal(t, uint64(5), reqs[0].Initial)
	assert.Equal(t, uint64(2), reqs[1].Delta)
	assert.Zero(t, reqs[1].Initial)
}

func TestClient_TouchAndGAT(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpTouch, binprot.StatusSuccess, 1, nil, nil, nil),
		frame(binprot.OpGAT, binprot.StatusSuccess, 2, binprot.GetExtras(1), nil, []byte("v")),
		frame(binprot.OpGAT, binprot.StatusKeyNotFound, 3, nil, nil, nil),
	)

	require.NoError(t, client.Touch(context.Background(), "k", 10*time.Second))

	r, err := client.GetAndTouch(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "v", string(r.Value))

	r, err = client.GetAndTouch(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.False(t, r.Found)

	reqs := written(t, mock)
	require.Len(t, reqs, 3)
	assert.Equal(t, uint32(10), reqs[0].Expiration)
	assert.Equal(t, uint32(1), reqs[1].Expiration)
}

func TestClient_GetMulti(t *testing.T) {
	// keys a, b, c are sent as GETKQ 1..3 and NOOP 4; b misses silently
	client, mock := singleMock(t,
		frame(binprot.OpGetKQ, binprot.StatusSuccess, 1, binprot.GetExtras(0), []byte("a"), []byte("A")),
		frame(binprot.OpGetKQ, binprot.StatusSuccess, 3, binprot.GetExtras(0), []byte("c"), []byte("C")),
		frame(binprot.OpNoop, binprot.StatusSuccess, 4, nil, nil, nil),
	)

	results, err := client.GetMulti(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", string(results["a"].Value))
	assert.Equal(t, "C", string(results["c"].Value))

	reqs := written(t, mock)
	require.Len(t, reqs, 4)
	assert.Equal(t, binprot.OpNoop, reqs[3].Opcode())

	stats := client.Stats()
	assert.Equal(t, uint64(3), stats.Gets)
	assert.Equal(t, uint64(2), stats.GetHits)
}

func TestClient_ServerStats(t *testing.T) {
	client, _ := singleMock(t,
		frame(binprot.OpStat, binprot.StatusSuccess, 1, nil, []byte("pid"), []byte("42")),
		frame(binprot.OpStat, binprot.StatusSuccess, 1, nil, []byte("uptime"), []byte("7")),
		frame(binprot.OpStat, binprot.StatusSuccess, 1, nil, nil, nil),
	)

	stats, err := client.ServerStats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{"s1": {"pid": "42", "uptime": "7"}}, stats)
}

func TestClient_VersionsFlushPing(t *testing.T) {
	client, mock := singleMock(t,
		frame(binprot.OpVersion, binprot.StatusSuccess, 1, nil, nil, []byte("1.6.0")),
		frame(binprot.OpFlush, binprot.StatusSuccess, 2, nil, nil, nil),
		frame(binprot.OpNoop, binprot.StatusSuccess, 3, nil, nil, nil),
	)

	versions, err := client.Versions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "1.6.0"}, versions)

	require.NoError(t, client.Flush(context.Background(), 0))
	require.NoError(t, client.Ping(context.Background()))

	reqs := written(t, mock)
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[1].Extras)
}

func TestClient_BrokenConnectionIsDestroyed(t *testing.T) {
	broken := testutils.NewConnectionMock([]byte{0x81, 0x00})
	healthy := testutils.NewConnectionMock(
		frame(binprot.OpGet, binprot.StatusSuccess, 1, binprot.GetExtras(0), nil, []byte("ok")),
	)
	client := newMockClient(t, []string{"s1"}, map[string][]*testutils.ConnectionMock{"s1": {broken, healthy}}, Config{})

	_, err := client.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, broken.Closed())

	r, err := client.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(r.Value))
}

func TestClient_StatusErrorKeepsConnection(t *testing.T) {
	mock := testutils.NewConnectionMock(
		frame(binprot.OpAdd, binprot.StatusKeyExists, 1, nil, nil, nil),
		frame(binprot.OpAdd, binprot.StatusSuccess, 2, nil, nil, nil),
	)
	client := newMockClient(t, []string{"s1"}, map[string][]*testutils.ConnectionMock{"s1": {mock}}, Config{})

	_, err := client.Add(context.Background(), Item{Key: "k"})
	require.ErrorIs(t, err, binprot.ErrKeyExists)

	_, err = client.Add(context.Background(), Item{Key: "k"})
	require.NoError(t, err)
	assert.False(t, mock.Closed())
}

func TestClient_MultipleServers(t *testing.T) {
	s1 := testutils.NewConnectionMock(frame(binprot.OpSet, binprot.StatusSuccess, 1, nil, nil, nil))
	s2 := testutils.NewConnectionMock(frame(binprot.OpSet, binprot.StatusSuccess, 1, nil, nil, nil))
	client := newMockClient(t, []string{"s1", "s2"},
		map[string][]*testutils.ConnectionMock{"s1": {s1}, "s2": {s2}},
		Config{SelectServer: staticSelector(1)})

	_, err := client.Set(context.Background(), Item{Key: "k"})
	require.NoError(t, err)

	assert.Empty(t, s1.Written())
	assert.NotEmpty(t, s2.Written())

	stats := client.AllPoolStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "s2", stats[0].Addr)
	assert.Equal(t, int32(1), stats[0].PoolStats.TotalConns)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var mocks []*testutils.ConnectionMock
	for range 5 {
		mocks = append(mocks, testutils.NewConnectionMock())
	}
	client := newMockClient(t, []string{"s1"}, map[string][]*testutils.ConnectionMock{"s1": mocks}, Config{
		NewCircuitBreaker: NewCircuitBreakerConfig(1, time.Minute, time.Minute),
	})

	for range 3 {
		_, err := client.Get(context.Background(), "k")
		require.Error(t, err)
	}

	_, err := client.Get(context.Background(), "k")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)

	stats := client.AllPoolStats()
	require.Len(t, stats, 1)
	assert.Equal(t, gobreaker.StateOpen, stats[0].CircuitBreakerState)
}

func TestClient_HealthCheck(t *testing.T) {
	mock := testutils.NewConnectionMock(
		frame(binprot.OpNoop, binprot.StatusSuccess, 1, nil, nil, nil),
		frame(binprot.OpNoop, binprot.StatusSuccess, 2, nil, nil, nil),
	)
	client := newMockClient(t, []string{"s1"}, map[string][]*testutils.ConnectionMock{"s1": {mock}}, Config{})

	require.NoError(t, client.Ping(context.Background()))

	sp, err := client.poolFor("s1")
	require.NoError(t, err)
	client.checkPoolConnections(sp.pool)
	assert.False(t, mock.Closed())

	// the next check reads past the script and destroys the connection
	client.checkPoolConnections(sp.pool)
	assert.True(t, mock.Closed())
}

func TestClient_RealDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, binprot.HeaderLen)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(frame(binprot.OpNoop, binprot.StatusSuccess, 1, nil, nil, nil))
	}()

	client, err := NewClient(NewStaticServers(ln.Addr().String()), Config{MaxSize: 1})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))
}
