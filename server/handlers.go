package server

import (
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/protocol"
	"github.com/pior/memcache-binary/storage"
)

// Stat is one key/value pair of a STAT response.
type Stat struct {
	Key   string
	Value string
}

// HandlerOptions configures Handlers.
type HandlerOptions struct {
	// Version is reported by the VERSION command.
	Version string

	// Stats appends server level statistics to the STAT response.
	Stats func() []Stat

	Log *zap.Logger
}

// Handlers answers the memcached binary commands from a storage.Store.
type Handlers struct {
	store     *storage.Store
	version   string
	started   time.Time
	stats     func() []Stat
	verbosity atomic.Uint32
	log       *zap.Logger
}

// NewHandlers returns handlers serving store.
func NewHandlers(store *storage.Store, opts HandlerOptions) *Handlers {
	if opts.Version == "" {
		opts.Version = "1.6.0"
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Handlers{
		store:   store,
		version: opts.Version,
		started: time.Now(),
		stats:   opts.Stats,
		log:     opts.Log,
	}
}

// Register binds every supported opcode in cb.
func (h *Handlers) Register(cb *protocol.Callbacks) {
	for _, op := range []binprot.Opcode{binprot.OpGet, binprot.OpGetQ, binprot.OpGetK, binprot.OpGetKQ} {
		cb.RegisterFunc(op, h.get)
	}
	for _, op := range []binprot.Opcode{binprot.OpGAT, binprot.OpGATQ} {
		cb.RegisterFunc(op, h.getAndTouch)
	}
	for _, op := range []binprot.Opcode{
		binprot.OpSet, binprot.OpSetQ, binprot.OpAdd, binprot.OpAddQ, binprot.OpReplace, binprot.OpReplaceQ,
		binprot.OpAppend, binprot.OpAppendQ, binprot.OpPrepend, binprot.OpPrependQ,
	} {
		cb.RegisterFunc(op, h.update)
	}
	for _, op := range []binprot.Opcode{binprot.OpDelete, binprot.OpDeleteQ} {
		cb.RegisterFunc(op, h.delete)
	}
	for _, op := range []binprot.Opcode{binprot.OpIncrement, binprot.OpIncrementQ, binprot.OpDecrement, binprot.OpDecrementQ} {
		cb.RegisterFunc(op, h.counter)
	}
	for _, op := range []binprot.Opcode{binprot.OpQuit, binprot.OpQuitQ} {
		cb.RegisterFunc(op, h.quit)
	}
	for _, op := range []binprot.Opcode{binprot.OpFlush, binprot.OpFlushQ} {
		cb.RegisterFunc(op, h.flush)
	}
	cb.RegisterFunc(binprot.OpNoop, h.noop)
	cb.RegisterFunc(binprot.OpVersion, h.versionCmd)
	cb.RegisterFunc(binprot.OpStat, h.stat)
	cb.RegisterFunc(binprot.OpVerbosity, h.verbosityCmd)
	cb.RegisterFunc(binprot.OpTouch, h.touch)
}

// Verbosity returns the level last set by the VERBOSITY command.
func (h *Handlers) Verbosity() uint32 {
	return h.verbosity.Load()
}

var statusMessages = map[binprot.Status]string{
	binprot.StatusKeyNotFound:      "Not found",
	binprot.StatusKeyExists:        "Data exists for key.",
	binprot.StatusItemNotStored:    "Not stored.",
	binprot.StatusDeltaBadValue:    "Non-numeric server-side value for incr or decr",
	binprot.StatusValueTooLarge:    "Too large.",
	binprot.StatusInvalidArguments: "Invalid arguments",
	binprot.StatusInternalError:    "Internal error",
}

// write queues resp. It only fails when rw outlived its dispatch.
func (h *Handlers) write(rw *protocol.ResponseWriter, resp *binprot.Response) {
	if err := rw.WriteResponse(resp); err != nil {
		h.log.Warn("Dropped response", zap.Stringer("opcode", resp.Opcode), zap.Error(err))
	}
}

// fail answers req with status and its conventional message. Errors are sent
// for quiet commands too.
func (h *Handlers) fail(rw *protocol.ResponseWriter, req *binprot.Request, status binprot.Status) {
	resp := binprot.NewResponse(req, status)
	if msg, ok := statusMessages[status]; ok {
		resp.Value = []byte(msg)
	}
	if status == binprot.StatusInternalError {
		h.log.Warn("Command failed", zap.Stringer("opcode", req.Opcode()))
	}
	h.write(rw, resp)
}

func (h *Handlers) success(rw *protocol.ResponseWriter, req *binprot.Request, cas uint64) {
	if req.Opcode().IsQuiet() {
		return
	}
	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = cas
	h.write(rw, resp)
}

func (h *Handlers) writeItem(rw *protocol.ResponseWriter, req *binprot.Request, it *storage.Item) {
	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.Extras = binprot.GetExtras(it.Flags)
	resp.CAS = it.CAS
	resp.Value = it.Value
	if op := req.Opcode(); op == binprot.OpGetK || op == binprot.OpGetKQ {
		resp.Key = req.Key
	}
	h.write(rw, resp)
}

func (h *Handlers) miss(rw *protocol.ResponseWriter, req *binprot.Request) {
	if req.Opcode().IsQuiet() {
		return
	}
	resp := binprot.NewResponse(req, binprot.StatusKeyNotFound)
	resp.Value = []byte(statusMessages[binprot.StatusKeyNotFound])
	if req.Opcode() == binprot.OpGetK {
		resp.Key = req.Key
	}
	h.write(rw, resp)
}

func (h *Handlers) get(rw *protocol.ResponseWriter, req *binprot.Request) {
	it, err := h.store.Get(req.Key)
	if err != nil {
		h.miss(rw, req)
		return
	}
	h.writeItem(rw, req, it)
}

func (h *Handlers) getAndTouch(rw *protocol.ResponseWriter, req *binprot.Request) {
	it, err := h.store.GetAndTouch(req.Key, req.Expiration)
	if err != nil {
		h.miss(rw, req)
		return
	}
	h.writeItem(rw, req, it)
}

func (h *Handlers) touch(rw *protocol.ResponseWriter, req *binprot.Request) {
	it, err := h.store.Touch(req.Key, req.Expiration)
	if err != nil {
		h.fail(rw, req, storage.Status(err))
		return
	}
	h.success(rw, req, it.CAS)
}

var storeModes = map[binprot.Opcode]storage.Mode{
	binprot.OpSet:     storage.ModeSet,
	binprot.OpAdd:     storage.ModeAdd,
	binprot.OpReplace: storage.ModeReplace,
	binprot.OpAppend:  storage.ModeAppend,
	binprot.OpPrepend: storage.ModePrepend,
}

func (h *Handlers) update(rw *protocol.ResponseWriter, req *binprot.Request) {
	mode := storeModes[req.Opcode().Loud()]
	cas, err := h.store.Put(mode, req.Key, req.Value, req.Flags, req.Expiration, req.CAS())
	if err != nil {
		h.fail(rw, req, storage.Status(err))
		return
	}
	h.success(rw, req, cas)
}

func (h *Handlers) delete(rw *protocol.ResponseWriter, req *binprot.Request) {
	if err := h.store.Delete(req.Key, req.CAS()); err != nil {
		h.fail(rw, req, storage.Status(err))
		return
	}
	h.success(rw, req, 0)
}

func (h *Handlers) counter(rw *protocol.ResponseWriter, req *binprot.Request) {
	incr := req.Opcode().Loud() == binprot.OpIncrement
	value, cas, err := h.store.Counter(req.Key, incr, req.Delta, req.Initial, req.Expiration, req.CAS())
	if err != nil {
		h.fail(rw, req, storage.Status(err))
		return
	}
	if req.Opcode().IsQuiet() {
		return
	}
	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.CAS = cas
	resp.Value = binprot.CounterValue(value)
	h.write(rw, resp)
}

func (h *Handlers) quit(rw *protocol.ResponseWriter, req *binprot.Request) {
	h.success(rw, req, 0)
	if err := rw.CloseAfterFlush(); err != nil {
		h.log.Warn("Close after flush failed", zap.Stringer("opcode", req.Opcode()), zap.Error(err))
	}
}

func (h *Handlers) flush(rw *protocol.ResponseWriter, req *binprot.Request) {
	h.store.Flush(req.Expiration)
	h.success(rw, req, 0)
}

func (h *Handlers) noop(rw *protocol.ResponseWriter, req *binprot.Request) {
	h.success(rw, req, 0)
}

func (h *Handlers) versionCmd(rw *protocol.ResponseWriter, req *binprot.Request) {
	resp := binprot.NewResponse(req, binprot.StatusSuccess)
	resp.Value = []byte(h.version)
	h.write(rw, resp)
}

func (h *Handlers) verbosityCmd(rw *protocol.ResponseWriter, req *binprot.Request) {
	h.verbosity.Store(req.Verbosity)
	h.success(rw, req, 0)
}

// stat streams one response per statistic, terminated by an empty response.
func (h *Handlers) stat(rw *protocol.ResponseWriter, req *binprot.Request) {
	if len(req.Key) != 0 {
		h.fail(rw, req, binprot.StatusKeyNotFound)
		return
	}

	for _, s := range h.Stats() {
		resp := binprot.NewResponse(req, binprot.StatusSuccess)
		resp.Key = []byte(s.Key)
		resp.Value = []byte(s.Value)
		h.write(rw, resp)
	}
	h.write(rw, binprot.NewResponse(req, binprot.StatusSuccess))
}

// Stats returns the statistics reported by the STAT command.
func (h *Handlers) Stats() []Stat {
	now := time.Now()
	st := h.store.Stats()

	stats := []Stat{
		{"pid", strconv.Itoa(os.Getpid())},
		{"uptime", strconv.FormatInt(int64(now.Sub(h.started).Seconds()), 10)},
		{"time", strconv.FormatInt(now.Unix(), 10)},
		{"version", h.version},
		{"pointer_size", strconv.Itoa(32 << (^uintptr(0) >> 63))},
		{"threads", strconv.Itoa(runtime.GOMAXPROCS(0))},
		{"curr_items", strconv.FormatInt(st.CurrItems, 10)},
		{"total_items", strconv.FormatUint(st.TotalItems, 10)},
		{"bytes", strconv.FormatInt(st.Bytes, 10)},
		{"cmd_get", strconv.FormatUint(st.GetHits+st.GetMisses, 10)},
		{"cmd_set", strconv.FormatUint(st.CmdSet, 10)},
		{"cmd_flush", strconv.FormatUint(st.CmdFlush, 10)},
		{"cmd_touch", strconv.FormatUint(st.CmdTouch, 10)},
		{"get_hits", strconv.FormatUint(st.GetHits, 10)},
		{"get_misses", strconv.FormatUint(st.GetMisses, 10)},
		{"delete_hits", strconv.FormatUint(st.Deletes, 10)},
		{"counter_hits", strconv.FormatUint(st.Counters, 10)},
		{"reclaimed", strconv.FormatUint(st.Reclaimed, 10)},
	}
	if h.stats != nil {
		stats = append(stats, h.stats()...)
	}
	return stats
}
