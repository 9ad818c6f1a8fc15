// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package stream_test

import (
	"math/rand"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/devblok/korustream/src/gfx"
	"github.com/devblok/korustream/src/gfx/hostmem"
	"github.com/devblok/korustream/src/gfx/stream"
)

type mode struct {
	name       string
	persistent bool
	coherent   bool
}

var modes = []mode{
	{"PersistentCoherent", true, true},
	{"PersistentExplicitFlush", true, false},
	{"Fallback", false, false},
}

// capture remembers the storage handed out so tests can inspect it.
type capture struct {
	*hostmem.Backend
	storage *hostmem.Storage
}

func (c *capture) Allocate(usage gfx.UsageKind, size int, flags gfx.StorageFlags) (gfx.DeviceBuffer, error) {
	buf, err := c.Backend.Allocate(usage, size, flags)
	if err != nil {
		return nil, err
	}
	c.storage = buf.(*hostmem.Storage)
	return buf, nil
}

func newBuffer(c *qt.C, m mode, capacity int) (*stream.Buffer, *capture) {
	logger, _ := logtest.NewNullLogger()
	backend := &capture{Backend: hostmem.New(hostmem.Options{Persistent: m.persistent, Logger: logger})}
	buf, err := stream.New(backend, stream.Options{
		Usage:          gfx.VertexUsage,
		Capacity:       capacity,
		PreferCoherent: m.coherent,
		Logger:         logger,
	})
	c.Assert(err, qt.IsNil)
	c.Cleanup(buf.Release)
	return buf, backend
}

func expectViolation(c *qt.C, target error, f func()) {
	c.Helper()
	defer func() {
		r := recover()
		c.Assert(r, qt.Not(qt.IsNil), qt.Commentf("expected panic with %v", target))
		err, ok := r.(error)
		c.Assert(ok, qt.IsTrue, qt.Commentf("panic value %v is not an error", r))
		c.Assert(err, qt.ErrorIs, target)
	}()
	f()
}

type call struct {
	size, alignment, commit int
}

type result struct {
	Offset      int
	Invalidated bool
}

func run(buf *stream.Buffer, calls []call) []result {
	results := make([]result, 0, len(calls))
	for _, cl := range calls {
		_, offset, invalidated := buf.Reserve(cl.size, cl.alignment)
		buf.Commit(cl.commit)
		results = append(results, result{offset, invalidated})
	}
	return results
}

func TestExampleSequence(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			c := qt.New(t)
			buf, _ := newBuffer(c, m, 1024)

			_, offset, invalidated := buf.Reserve(100, 0)
			c.Assert(offset, qt.Equals, 0)
			c.Assert(invalidated, qt.IsFalse)
			buf.Commit(100)

			_, offset, invalidated = buf.Reserve(1000, 0)
			c.Assert(offset, qt.Equals, 0)
			c.Assert(invalidated, qt.IsTrue)
			buf.Commit(1000)
			c.Assert(buf.Cursor(), qt.Equals, 1000)

			_, offset, invalidated = buf.Reserve(50, 16)
			c.Assert(offset, qt.Equals, 0)
			c.Assert(invalidated, qt.IsTrue)
			buf.Commit(50)
			c.Assert(buf.Stats().Wraps, qt.Equals, uint64(2))
		})
	}
}

func TestOffsetsIncreaseWithoutWrap(t *testing.T) {
	c := qt.New(t)
	buf, _ := newBuffer(c, modes[1], 4096)

	calls := []call{
		{size: 10, alignment: 0, commit: 10},
		{size: 64, alignment: 16, commit: 64},
		{size: 28, alignment: 28, commit: 20},
		{size: 256, alignment: 256, commit: 256},
		{size: 1, alignment: 4, commit: 1},
		{size: 100, alignment: 0, commit: 100},
	}
	prevEnd := 0
	for _, cl := range calls {
		_, offset, invalidated := buf.Reserve(cl.size, cl.alignment)
		c.Assert(invalidated, qt.IsFalse)
		c.Assert(offset >= prevEnd, qt.IsTrue, qt.Commentf("offset %d overlaps previous end %d", offset, prevEnd))
		if cl.alignment > 0 {
			c.Assert(offset%cl.alignment, qt.Equals, 0)
		}
		buf.Commit(cl.commit)
		prevEnd = offset + cl.commit
	}
}

// reference recomputes the ring arithmetic independently of any mapping.
func reference(capacity int, calls []call) []result {
	var (
		cursor  int
		results []result
	)
	for _, cl := range calls {
		if cl.alignment > 0 && cursor%cl.alignment != 0 {
			cursor += cl.alignment - cursor%cl.alignment
		}
		wrapped := cursor+cl.size > capacity
		if wrapped {
			cursor = 0
		}
		results = append(results, result{cursor, wrapped})
		cursor += cl.commit
	}
	return results
}

func randomCalls(seed int64, capacity, count int) []call {
	rng := rand.New(rand.NewSource(seed))
	alignments := []int{0, 1, 4, 16, 28, 256}
	calls := make([]call, count)
	for idx := range calls {
		size := rng.Intn(capacity/3) + 1
		calls[idx] = call{
			size:      size,
			alignment: alignments[rng.Intn(len(alignments))],
			commit:    rng.Intn(size + 1),
		}
	}
	return calls
}

func TestWrapAndAlignmentMatchReference(t *testing.T) {
	const capacity = 2048
	calls := randomCalls(42, capacity, 500)
	want := reference(capacity, calls)

	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			c := qt.New(t)
			buf, _ := newBuffer(c, m, capacity)
			got := run(buf, calls)
			c.Assert(got, qt.DeepEquals, want)

			for idx, r := range got {
				if calls[idx].alignment > 0 {
					c.Assert(r.Offset%calls[idx].alignment, qt.Equals, 0)
				}
				c.Assert(r.Offset+calls[idx].size <= capacity, qt.IsTrue)
			}
		})
	}
}

func TestModesProduceIdenticalOffsets(t *testing.T) {
	c := qt.New(t)
	const capacity = 1000
	calls := randomCalls(7, capacity, 300)

	var baseline []result
	for _, m := range modes {
		buf, _ := newBuffer(c, m, capacity)
		got := run(buf, calls)
		if baseline == nil {
			baseline = got
			continue
		}
		c.Assert(got, qt.DeepEquals, baseline, qt.Commentf("mode %s", m.name))
	}
}

func TestCommitFlushesExactRange(t *testing.T) {
	for _, m := range modes[1:] {
		t.Run(m.name, func(t *testing.T) {
			c := qt.New(t)
			buf, backend := newBuffer(c, m, 1024)
			buf.Reserve(10, 0)
			buf.Commit(10)
			backend.Reset()

			_, offset, _ := buf.Reserve(200, 64)
			c.Assert(offset, qt.Equals, 64)
			buf.Commit(120)

			var flushes []hostmem.Op
			for _, op := range backend.Ops() {
				if op.Kind == hostmem.OpFlush {
					flushes = append(flushes, op)
				}
			}
			c.Assert(flushes, qt.HasLen, 1)
			c.Assert(flushes[0].Offset, qt.Equals, 64)
			c.Assert(flushes[0].Size, qt.Equals, 120)
			c.Assert(buf.Cursor(), qt.Equals, 184)
		})
	}
}

func TestCoherentSkipsFlush(t *testing.T) {
	c := qt.New(t)
	buf, backend := newBuffer(c, modes[0], 512)
	c.Assert(buf.Coherent(), qt.IsTrue)
	for idx := 0; idx < 20; idx++ {
		buf.Reserve(100, 0)
		buf.Commit(100)
	}
	for _, op := range backend.Ops() {
		c.Assert(op.Kind, qt.Not(qt.Equals), hostmem.OpFlush)
	}
}

func TestPersistentMapsOnceAndRemapsOnWrap(t *testing.T) {
	c := qt.New(t)
	buf, backend := newBuffer(c, modes[1], 1024)
	c.Assert(buf.Strategy(), qt.Equals, stream.PersistentExplicitFlush)

	ops := backend.Ops()
	c.Assert(ops, qt.HasLen, 2)
	c.Assert(ops[0].Kind, qt.Equals, hostmem.OpAllocate)
	c.Assert(ops[0].Size, qt.Equals, 2048)
	c.Assert(ops[1], qt.DeepEquals, hostmem.Op{
		Kind:    hostmem.OpMap,
		Storage: ops[0].Storage,
		Offset:  0,
		Size:    1024,
		Flags:   gfx.MapWrite | gfx.MapPersistent | gfx.MapFlushExplicit,
	})
	backend.Reset()

	for idx := 0; idx < 4; idx++ {
		buf.Reserve(200, 0)
		buf.Commit(200)
	}
	for _, op := range backend.Ops() {
		c.Assert(op.Kind, qt.Equals, hostmem.OpFlush)
	}
	backend.Reset()

	_, offset, invalidated := buf.Reserve(300, 0)
	c.Assert(offset, qt.Equals, 0)
	c.Assert(invalidated, qt.IsTrue)
	ops = backend.Ops()
	c.Assert(ops, qt.HasLen, 2)
	c.Assert(ops[0].Kind, qt.Equals, hostmem.OpUnmap)
	c.Assert(ops[1].Kind, qt.Equals, hostmem.OpMap)
	c.Assert(ops[1].Offset, qt.Equals, 0)
	c.Assert(ops[1].Size, qt.Equals, 1024)
	c.Assert(ops[1].Flags.Has(gfx.MapInvalidateBuffer|gfx.MapPersistent), qt.IsTrue)
	buf.Commit(300)
}

func TestFallbackMapsPerReservation(t *testing.T) {
	c := qt.New(t)
	buf, backend := newBuffer(c, modes[2], 1024)
	c.Assert(buf.Persistent(), qt.IsFalse)
	c.Assert(buf.Coherent(), qt.IsFalse)

	ops := backend.Ops()
	c.Assert(ops, qt.HasLen, 1)
	c.Assert(ops[0].Kind, qt.Equals, hostmem.OpAllocate)
	c.Assert(backend.storage.Mapped(), qt.IsFalse)
	backend.Reset()

	buf.Reserve(100, 0)
	c.Assert(buf.Strategy(), qt.Equals, stream.FallbackUnsynchronized)
	buf.Commit(100)
	_, _, invalidated := buf.Reserve(1000, 0)
	c.Assert(invalidated, qt.IsTrue)
	c.Assert(buf.Strategy(), qt.Equals, stream.FallbackDiscard)
	buf.Commit(1000)

	id := backend.storage.Handle().(int)
	c.Assert(backend.Ops(), qt.DeepEquals, []hostmem.Op{
		{Kind: hostmem.OpMap, Storage: id, Offset: 0, Size: 1024, Flags: stream.FallbackUnsynchronized.Flags()},
		{Kind: hostmem.OpFlush, Storage: id, Offset: 0, Size: 100},
		{Kind: hostmem.OpUnmap, Storage: id, Offset: 0, Size: 1024},
		{Kind: hostmem.OpMap, Storage: id, Offset: 0, Size: 1024, Flags: stream.FallbackDiscard.Flags()},
		{Kind: hostmem.OpFlush, Storage: id, Offset: 0, Size: 1000},
		{Kind: hostmem.OpUnmap, Storage: id, Offset: 0, Size: 1024},
	})
	c.Assert(backend.storage.Mapped(), qt.IsFalse)

	backend.Reset()
	buf.Reserve(10, 8)
	ops = backend.Ops()
	c.Assert(ops[0].Offset, qt.Equals, 1000)
	c.Assert(ops[0].Size, qt.Equals, 24)
	buf.Commit(10)
}

func TestWritesReachStorage(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			c := qt.New(t)
			buf, backend := newBuffer(c, m, 256)
			data, offset, _ := buf.Reserve(4, 4)
			c.Assert(data, qt.HasLen, 4)
			c.Assert(cap(data), qt.Equals, 4)
			copy(data, []byte{1, 2, 3, 4})
			buf.Commit(4)

			contents := backend.storage.Contents()
			c.Assert(contents[offset:offset+4], qt.DeepEquals, []byte{1, 2, 3, 4})
		})
	}
}

func TestWrapDiscardsPreviousContents(t *testing.T) {
	c := qt.New(t)
	buf, backend := newBuffer(c, modes[1], 64)
	data, _, _ := buf.Reserve(60, 0)
	for idx := range data {
		data[idx] = 0xff
	}
	buf.Commit(60)

	_, _, invalidated := buf.Reserve(8, 0)
	c.Assert(invalidated, qt.IsTrue)
	c.Assert(backend.storage.Contents()[:60], qt.DeepEquals, make([]byte, 60))
	buf.Commit(0)
}

func TestContractViolations(t *testing.T) {
	tests := []struct {
		about string
		err   error
		do    func(buf *stream.Buffer)
	}{{
		about: "reserve twice",
		err:   stream.ErrReservationActive,
		do: func(buf *stream.Buffer) {
			buf.Reserve(10, 0)
			buf.Reserve(10, 0)
		},
	}, {
		about: "commit while idle",
		err:   stream.ErrNoReservation,
		do: func(buf *stream.Buffer) {
			buf.Commit(1)
		},
	}, {
		about: "commit twice",
		err:   stream.ErrNoReservation,
		do: func(buf *stream.Buffer) {
			buf.Reserve(10, 0)
			buf.Commit(10)
			buf.Commit(10)
		},
	}, {
		about: "commit more than reserved",
		err:   stream.ErrCommitTooLarge,
		do: func(buf *stream.Buffer) {
			buf.Reserve(10, 0)
			buf.Commit(11)
		},
	}, {
		about: "reserve more than capacity",
		err:   stream.ErrReserveTooLarge,
		do: func(buf *stream.Buffer) {
			buf.Reserve(129, 0)
		},
	}, {
		about: "negative reservation",
		err:   stream.ErrReserveTooLarge,
		do: func(buf *stream.Buffer) {
			buf.Reserve(-1, 0)
		},
	}, {
		about: "alignment larger than capacity",
		err:   stream.ErrAlignmentTooLarge,
		do: func(buf *stream.Buffer) {
			buf.Reserve(1, 256)
		},
	}, {
		about: "reserve after release",
		err:   stream.ErrReleased,
		do: func(buf *stream.Buffer) {
			buf.Release()
			buf.Reserve(1, 0)
		},
	}}

	for _, test := range tests {
		for _, m := range modes {
			t.Run(test.about+"/"+m.name, func(t *testing.T) {
				c := qt.New(t)
				buf, _ := newBuffer(c, m, 128)
				expectViolation(c, test.err, func() {
					test.do(buf)
				})
			})
		}
	}
}

func TestFullCapacityReservation(t *testing.T) {
	c := qt.New(t)
	buf, _ := newBuffer(c, modes[2], 128)
	_, offset, invalidated := buf.Reserve(128, 128)
	c.Assert(offset, qt.Equals, 0)
	c.Assert(invalidated, qt.IsFalse)
	buf.Commit(128)
	c.Assert(buf.Cursor(), qt.Equals, 128)

	_, offset, invalidated = buf.Reserve(0, 0)
	c.Assert(offset, qt.Equals, 128)
	c.Assert(invalidated, qt.IsFalse)
	buf.Commit(0)
}

func TestInvalidOptions(t *testing.T) {
	c := qt.New(t)
	backend := hostmem.New(hostmem.Options{Persistent: true})
	expectViolation(c, stream.ErrInvalidCapacity, func() {
		stream.New(backend, stream.Options{Capacity: 0})
	})
	expectViolation(c, stream.ErrInvalidSlack, func() {
		stream.New(backend, stream.Options{Capacity: 16, SlackFactor: -1})
	})
	c.Assert(backend.Allocated(), qt.Equals, 0)
}

func TestOutOfDeviceMemory(t *testing.T) {
	c := qt.New(t)
	backend := hostmem.New(hostmem.Options{Persistent: true, MaxAllocation: 1500})
	buf, err := stream.New(backend, stream.Options{Capacity: 1024})
	c.Assert(buf, qt.IsNil)
	c.Assert(err, qt.ErrorIs, stream.ErrOutOfDeviceMemory)
	c.Assert(err, qt.ErrorMatches, `stream: out of device memory: 2048 bytes of vertex storage: .*`)
	c.Assert(backend.Allocated(), qt.Equals, 0)
}

func TestSlackFactor(t *testing.T) {
	c := qt.New(t)
	backend := hostmem.New(hostmem.Options{})
	buf, err := stream.New(backend, stream.Options{Capacity: 100, SlackFactor: 3})
	c.Assert(err, qt.IsNil)
	defer buf.Release()
	c.Assert(backend.Allocated(), qt.Equals, 300)
	c.Assert(buf.Capacity(), qt.Equals, 100)

	buf.Reserve(100, 0)
	buf.Commit(100)
	_, _, invalidated := buf.Reserve(1, 0)
	c.Assert(invalidated, qt.IsTrue)
	buf.Commit(1)
}

func TestReleaseUnmapsAndFrees(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			c := qt.New(t)
			logger, _ := logtest.NewNullLogger()
			backend := &capture{Backend: hostmem.New(hostmem.Options{Persistent: m.persistent, Logger: logger})}
			buf, err := stream.New(backend, stream.Options{Capacity: 64, PreferCoherent: m.coherent, Logger: logger})
			c.Assert(err, qt.IsNil)

			buf.Reserve(16, 0)
			c.Assert(backend.storage.Mapped(), qt.IsTrue)
			buf.Release()
			buf.Release()

			c.Assert(backend.storage.Mapped(), qt.IsFalse)
			c.Assert(backend.Allocated(), qt.Equals, 0)
			ops := backend.Ops()
			c.Assert(ops[len(ops)-2].Kind, qt.Equals, hostmem.OpUnmap)
			c.Assert(ops[len(ops)-1].Kind, qt.Equals, hostmem.OpRelease)
		})
	}
}

func TestWrapIsLogged(t *testing.T) {
	c := qt.New(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	buf, err := stream.New(hostmem.New(hostmem.Options{Persistent: true, Logger: logger}), stream.Options{
		Usage:    gfx.UniformUsage,
		Capacity: 32,
		Logger:   logger,
	})
	c.Assert(err, qt.IsNil)
	defer buf.Release()
	hook.Reset()

	buf.Reserve(20, 0)
	buf.Commit(20)
	buf.Reserve(20, 0)
	buf.Commit(20)

	entry := hook.LastEntry()
	c.Assert(entry, qt.Not(qt.IsNil))
	c.Assert(entry.Message, qt.Equals, "stream buffer wrapped")
	c.Assert(entry.Data["usage"], qt.Equals, "uniform")
	c.Assert(entry.Data["wraps"], qt.Equals, uint64(1))
}

func TestHandleIsStorageHandle(t *testing.T) {
	c := qt.New(t)
	buf, backend := newBuffer(c, modes[0], 16)
	c.Assert(buf.Handle(), qt.Equals, backend.storage.Handle())
	c.Assert(buf.Usage(), qt.Equals, gfx.VertexUsage)
}

func BenchmarkReserveCommitPersistent(b *testing.B) {
	benchmarkReserveCommit(b, true)
}

func BenchmarkReserveCommitFallback(b *testing.B) {
	benchmarkReserveCommit(b, false)
}

func benchmarkReserveCommit(b *testing.B, persistent bool) {
	logger, _ := logtest.NewNullLogger()
	buf, err := stream.New(hostmem.New(hostmem.Options{Persistent: persistent, Logger: logger}), stream.Options{
		Capacity: 1 << 20,
		Logger:   logger,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Release()
	b.ResetTimer()
	for idx := 0; idx < b.N; idx++ {
		data, _, _ := buf.Reserve(1024, 256)
		data[0] = byte(idx)
		buf.Commit(1024)
	}
}
