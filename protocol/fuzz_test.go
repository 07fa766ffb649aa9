package protocol

import (
	"testing"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal/testutils"
)

// FuzzClient feeds arbitrary bytes in arbitrary chunks: the client must never
// panic, must settle, and must dispatch the same frames whatever the chunking.
func FuzzClient(f *testing.F) {
	f.Add(frame(binprot.OpGet, 1, nil, []byte("foo"), nil), uint8(1), true)
	f.Add(append(frame(binprot.OpNoop, 1, nil, nil, nil), frame(binprot.OpSet, 2, binprot.StorageExtras(0, 0), []byte("k"), []byte("v"))...), uint8(5), false)
	f.Add([]byte{0x80, 0x00, 0xff, 0xff, 0xff, 0, 0, 0, 0, 0, 0, 1}, uint8(3), true)

	f.Fuzz(func(t *testing.T, data []byte, chunk uint8, pedantic bool) {
		size := int(chunk)%32 + 1

		run := func(chunkSize int) ([]binprot.Opcode, []byte) {
			p := New()
			p.SetPedantic(pedantic)
			p.SetMaxBodyLength(1 << 10)
			transport := testutils.NewScriptedTransport()
			p.SetIOFuncs(transport.Recv, transport.Send)

			var ops []binprot.Opcode
			record := func(rw *ResponseWriter, req *binprot.Request) {
				ops = append(ops, req.Opcode())
				rw.Status(req, binprot.StatusSuccess)
			}
			for op := binprot.OpGet; op <= binprot.OpGATQ; op++ {
				p.Callbacks().RegisterFunc(op, record)
			}

			c := p.NewClient(1, nil)
			defer c.Close()
			transport.FeedChunks(data, chunkSize)

			for i := 0; ; i++ {
				if i > 10*len(data)+10 {
					t.Fatalf("client did not settle")
				}
				ev := c.Work()
				if ev == EventError || (ev == EventRead && transport.Pending() == 0) {
					break
				}
			}
			return ops, transport.Written()
		}

		ops1, out1 := run(len(data) + 1)
		opsN, outN := run(size)
		if len(ops1) != len(opsN) {
			t.Fatalf("dispatch count differs: %d vs %d", len(ops1), len(opsN))
		}
		for i := range ops1 {
			if ops1[i] != opsN[i] {
				t.Fatalf("dispatch %d differs: %s vs %s", i, ops1[i], opsN[i])
			}
		}
		if string(out1) != string(outN) {
			t.Fatalf("output differs")
		}
	})
}
