package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal/testutils"
	"github.com/pior/memcache-binary/protocol"
	"github.com/pior/memcache-binary/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type session struct {
	handlers  *Handlers
	store     *storage.Store
	transport *testutils.ScriptedTransport
	client    *protocol.Client
}

func newSession(t *testing.T) *session {
	t.Helper()

	s := &session{
		store:     storage.New(storage.Options{Shards: 4}),
		transport: testutils.NewScriptedTransport(),
	}
	s.handlers = NewHandlers(s.store, HandlerOptions{
		Version: "1.2.3",
		Stats:   func() []Stat { return []Stat{{"curr_connections", "1"}} },
	})

	p := protocol.New()
	p.SetPedantic(true)
	p.SetIOFuncs(s.transport.Recv, s.transport.Send)
	s.handlers.Register(p.Callbacks())

	s.client = p.NewClient(3, nil)
	t.Cleanup(s.client.Close)
	return s
}

// do sends reqs in one batch and returns every response written.
func (s *session) do(t *testing.T, reqs ...*binprot.Request) []*binprot.Response {
	t.Helper()

	var wire []byte
	for i, req := range reqs {
		req.Header.Opaque = uint32(i + 1)
		wire = req.AppendTo(wire)
	}
	s.transport.ResetWritten()
	s.transport.Feed(wire)

	for range 10000 {
		ev := s.client.Work()
		if ev == protocol.EventError || (ev == protocol.EventRead && s.transport.Pending() == 0) {
			break
		}
	}

	r := bufio.NewReader(bytes.NewReader(s.transport.Written()))
	var out []*binprot.Response
	for {
		resp, err := binprot.ReadResponse(r)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, resp)
	}
}

func (s *session) one(t *testing.T, req *binprot.Request) *binprot.Response {
	t.Helper()
	resps := s.do(t, req)
	require.Len(t, resps, 1)
	return resps[0]
}

func set(key, value string, flags uint32) *binprot.Request {
	return binprot.NewRequest(binprot.OpSet, binprot.StorageExtras(flags, 0), []byte(key), []byte(value))
}

func get(op binprot.Opcode, key string) *binprot.Request {
	return binprot.NewRequest(op, nil, []byte(key), nil)
}

func TestHandlers_GetMiss(t *testing.T) {
	s := newSession(t)

	resp := s.one(t, get(binprot.OpGet, "missing"))
	assert.Equal(t, binprot.StatusKeyNotFound, resp.Status)
	assert.Equal(t, "Not found", string(resp.Value))
	assert.Empty(t, resp.Key)

	resp = s.one(t, get(binprot.OpGetK, "missing"))
	assert.Equal(t, binprot.StatusKeyNotFound, resp.Status)
	assert.Equal(t, "missing", string(resp.Key))
}

func TestHandlers_SetGet(t *testing.T) {
	s := newSession(t)

	resp := s.one(t, set("k", "hello", 42))
	require.Equal(t, binprot.StatusSuccess, resp.Status)
	require.NotZero(t, resp.CAS)
	cas := resp.CAS

	resp = s.one(t, get(binprot.OpGet, "k"))
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	assert.Equal(t, "hello", string(resp.Value))
	assert.Equal(t, uint32(42), resp.Flags())
	assert.Equal(t, cas, resp.CAS)
	assert.Empty(t, resp.Key)

	resp = s.one(t, get(binprot.OpGetK, "k"))
	assert.Equal(t, "k", string(resp.Key))
	assert.Equal(t, "hello", string(resp.Value))
}

func TestHandlers_QuietGets(t *testing.T) {
	s := newSession(t)
	s.one(t, set("a", "1", 0))
	s.one(t, set("c", "3", 0))

	resps := s.do(t,
		get(binprot.OpGetKQ, "a"),
		get(binprot.OpGetKQ, "b"),
		get(binprot.OpGetQ, "c"),
		binprot.NewRequest(binprot.OpNoop, nil, nil, nil),
	)
	require.Len(t, resps, 3)

	assert.Equal(t, binprot.OpGetKQ, resps[0].Opcode)
	assert.Equal(t, "a", string(resps[0].Key))
	assert.Equal(t, uint32(1), resps[0].Opaque)

	assert.Equal(t, binprot.OpGetQ, resps[1].Opcode)
	assert.Equal(t, "3", string(resps[1].Value))
	assert.Equal(t, uint32(3), resps[1].Opaque)

	assert.Equal(t, binprot.OpNoop, resps[2].Opcode)
	assert.Equal(t, uint32(4), resps[2].Opaque)
}

func TestHandlers_StorageModes(t *testing.T) {
	s := newSession(t)

	add := func(key, value string) *binprot.Request {
		return binprot.NewRequest(binprot.OpAdd, binprot.StorageExtras(0, 0), []byte(key), []byte(value))
	}
	replace := func(key, value string) *binprot.Request {
		return binprot.NewRequest(binprot.OpReplace, binprot.StorageExtras(0, 0), []byte(key), []byte(value))
	}

	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, replace("k", "x")).Status)
	assert.Equal(t, binprot.StatusSuccess, s.one(t, add("k", "b")).Status)
	assert.Equal(t, binprot.StatusKeyExists, s.one(t, add("k", "x")).Status)
	assert.Equal(t, binprot.StatusSuccess, s.one(t, replace("k", "c")).Status)

	resp := s.one(t, binprot.NewRequest(binprot.OpAppend, nil, []byte("k"), []byte("d")))
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	resp = s.one(t, binprot.NewRequest(binprot.OpPrepend, nil, []byte("k"), []byte("a")))
	assert.Equal(t, binprot.StatusSuccess, resp.Status)

	assert.Equal(t, "acd", string(s.one(t, get(binprot.OpGet, "k")).Value))

	resp = s.one(t, binprot.NewRequest(binprot.OpAppend, nil, []byte("nope"), []byte("d")))
	assert.Equal(t, binprot.StatusItemNotStored, resp.Status)
	assert.Equal(t, "Not stored.", string(resp.Value))
}

func TestHandlers_QuietSet(t *testing.T) {
	s := newSession(t)

	quiet := binprot.NewRequest(binprot.OpSetQ, binprot.StorageExtras(0, 0), []byte("k"), []byte("v"))
	addq := binprot.NewRequest(binprot.OpAddQ, binprot.StorageExtras(0, 0), []byte("k"), []byte("v"))
	resps := s.do(t, quiet, addq, binprot.NewRequest(binprot.OpNoop, nil, nil, nil))

	// errors are reported for quiet commands
	require.Len(t, resps, 2)
	assert.Equal(t, binprot.OpAddQ, resps[0].Opcode)
	assert.Equal(t, binprot.StatusKeyExists, resps[0].Status)
	assert.Equal(t, binprot.OpNoop, resps[1].Opcode)
}

func TestHandlers_CompareAndSwap(t *testing.T) {
	s := newSession(t)
	cas := s.one(t, set("k", "v1", 0)).CAS

	stale := set("k", "v2", 0)
	stale.Header.CAS = cas + 100
	assert.Equal(t, binprot.StatusKeyExists, s.one(t, stale).Status)

	fresh := set("k", "v2", 0)
	fresh.Header.CAS = cas
	resp := s.one(t, fresh)
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	assert.NotEqual(t, cas, resp.CAS)

	missing := set("other", "v", 0)
	missing.Header.CAS = 1
	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, missing).Status)
}

func TestHandlers_Delete(t *testing.T) {
	s := newSession(t)
	s.one(t, set("k", "v", 0))

	del := binprot.NewRequest(binprot.OpDelete, nil, []byte("k"), nil)
	assert.Equal(t, binprot.StatusSuccess, s.one(t, del).Status)

	del = binprot.NewRequest(binprot.OpDelete, nil, []byte("k"), nil)
	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, del).Status)
	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, get(binprot.OpGet, "k")).Status)
}

func TestHandlers_Counters(t *testing.T) {
	s := newSession(t)

	incr := func(delta, initial uint64, exp uint32) *binprot.Request {
		return binprot.NewRequest(binprot.OpIncrement, binprot.ArithmeticExtras(delta, initial, exp), []byte("n"), nil)
	}
	decr := func(delta uint64) *binprot.Request {
		return binprot.NewRequest(binprot.OpDecrement, binprot.ArithmeticExtras(delta, 0, 0), []byte("n"), nil)
	}

	resp := s.one(t, incr(1, 0, binprot.NoAutoCreate))
	assert.Equal(t, binprot.StatusKeyNotFound, resp.Status)

	resp = s.one(t, incr(5, 10, 0))
	require.Equal(t, binprot.StatusSuccess, resp.Status)
	v, err := resp.Counter()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	v, err = s.one(t, incr(5, 0, 0)).Counter()
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)

	v, err = s.one(t, decr(100)).Counter()
	require.NoError(t, err)
	assert.Zero(t, v)

	assert.Equal(t, "0", string(s.one(t, get(binprot.OpGet, "n")).Value))

	s.one(t, set("text", "abc", 0))
	resp = s.one(t, binprot.NewRequest(binprot.OpIncrement, binprot.ArithmeticExtras(1, 0, 0), []byte("text"), nil))
	assert.Equal(t, binprot.StatusDeltaBadValue, resp.Status)
}

func TestHandlers_TouchAndGAT(t *testing.T) {
	s := newSession(t)

	touch := binprot.NewRequest(binprot.OpTouch, binprot.ExpirationExtras(60), []byte("k"), nil)
	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, touch).Status)

	s.one(t, set("k", "v", 7))

	touch = binprot.NewRequest(binprot.OpTouch, binprot.ExpirationExtras(60), []byte("k"), nil)
	assert.Equal(t, binprot.StatusSuccess, s.one(t, touch).Status)

	gat := binprot.NewRequest(binprot.OpGAT, binprot.ExpirationExtras(60), []byte("k"), nil)
	resp := s.one(t, gat)
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	assert.Equal(t, "v", string(resp.Value))
	assert.Equal(t, uint32(7), resp.Flags())

	it, err := s.store.Get([]byte("k"))
	require.NoError(t, err)
	assert.NotZero(t, it.ExpiresAt)
}

func TestHandlers_Flush(t *testing.T) {
	s := newSession(t)
	s.one(t, set("a", "1", 0))
	s.one(t, set("b", "2", 0))

	flush := binprot.NewRequest(binprot.OpFlush, nil, nil, nil)
	assert.Equal(t, binprot.StatusSuccess, s.one(t, flush).Status)

	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, get(binprot.OpGet, "a")).Status)
	assert.Zero(t, s.store.Len())
}

func TestHandlers_VersionAndVerbosity(t *testing.T) {
	s := newSession(t)

	resp := s.one(t, binprot.NewRequest(binprot.OpVersion, nil, nil, nil))
	assert.Equal(t, "1.2.3", string(resp.Value))

	extras := []byte{0, 0, 0, 2}
	resp = s.one(t, binprot.NewRequest(binprot.OpVerbosity, extras, nil, nil))
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	assert.Equal(t, uint32(2), s.handlers.Verbosity())
}

func TestHandlers_Stat(t *testing.T) {
	s := newSession(t)
	s.one(t, set("k", "value", 0))

	resps := s.do(t, binprot.NewRequest(binprot.OpStat, nil, nil, nil))
	require.Greater(t, len(resps), 1)

	last := resps[len(resps)-1]
	assert.Empty(t, last.Key)
	assert.Empty(t, last.Value)

	stats := map[string]string{}
	for _, r := range resps[:len(resps)-1] {
		assert.Equal(t, binprot.OpStat, r.Opcode)
		assert.Equal(t, uint32(1), r.Opaque)
		stats[string(r.Key)] = string(r.Value)
	}
	assert.Equal(t, "1", stats["curr_items"])
	assert.Equal(t, "1", stats["cmd_set"])
	assert.Equal(t, "1.2.3", stats["version"])
	assert.Equal(t, "1", stats["curr_connections"])

	uptime, err := strconv.Atoi(stats["uptime"])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uptime, 0)

	resp := s.one(t, binprot.NewRequest(binprot.OpStat, nil, []byte("slabs"), nil))
	assert.Equal(t, binprot.StatusKeyNotFound, resp.Status)
}

func TestHandlers_Quit(t *testing.T) {
	s := newSession(t)

	resp := s.one(t, binprot.NewRequest(binprot.OpQuit, nil, nil, nil))
	assert.Equal(t, binprot.StatusSuccess, resp.Status)
	assert.Equal(t, protocol.StateClosed, s.client.State())
	assert.ErrorIs(t, s.client.Err(), protocol.ErrClosedByHandler)
}

func TestHandlers_QuietQuit(t *testing.T) {
	s := newSession(t)

	resps := s.do(t, binprot.NewRequest(binprot.OpQuitQ, nil, nil, nil))
	assert.Empty(t, resps)
	assert.Equal(t, protocol.StateClosed, s.client.State())
}

func TestHandlers_ValueTooLarge(t *testing.T) {
	s := newSession(t)
	s.store = storage.New(storage.Options{MaxItemSize: 4})
	s.handlers.store = s.store

	resp := s.one(t, set("k", "too large", 0))
	assert.Equal(t, binprot.StatusValueTooLarge, resp.Status)
	assert.Equal(t, "Too large.", string(resp.Value))
}

func TestHandlers_Expiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := storage.New(storage.Options{Clock: func() time.Time { return now }})
	h := NewHandlers(store, HandlerOptions{})

	transport := testutils.NewScriptedTransport()
	p := protocol.New()
	p.SetIOFuncs(transport.Recv, transport.Send)
	h.Register(p.Callbacks())
	s := &session{handlers: h, store: store, transport: transport, client: p.NewClient(1, nil)}
	t.Cleanup(s.client.Close)

	s.one(t, binprot.NewRequest(binprot.OpSet, binprot.StorageExtras(0, 10), []byte("k"), []byte("v")))
	assert.Equal(t, binprot.StatusSuccess, s.one(t, get(binprot.OpGet, "k")).Status)

	now = now.Add(11 * time.Second)
	assert.Equal(t, binprot.StatusKeyNotFound, s.one(t, get(binprot.OpGet, "k")).Status)
}

func TestHandlers_LogsDroppedResponses(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := NewHandlers(storage.New(storage.Options{}), HandlerOptions{Log: zap.New(core)})

	released := &protocol.ResponseWriter{}
	h.versionCmd(released, binprot.NewRequest(binprot.OpVersion, nil, nil, nil))
	h.quit(released, binprot.NewRequest(binprot.OpQuit, nil, nil, nil))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "Dropped response", entries[0].Message)
	assert.Equal(t, "Dropped response", entries[1].Message)
	assert.Equal(t, "Close after flush failed", entries[2].Message)
	for _, e := range entries {
		assert.Equal(t, protocol.ErrWriterReleased.Error(), e.ContextMap()["error"])
	}
}
