// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package stream implements a streaming ring buffer in device-visible memory.
//
// A Buffer is written by exactly one producer through Reserve/Commit pairs
// and read by the GPU asynchronously. It never waits on the GPU. Instead it
// only reuses bytes after a full wraparound, tells the backend to discard
// the old contents when it wraps, and maps everything else unsynchronized.
// Backing storage is over-allocated by a slack factor so the backend has
// room to keep older frames alive while new ones are written.
//
// Contract violations (oversized requests, out of order calls) panic.
// A Buffer is not safe for concurrent use.
package stream

import (
	"github.com/devblok/korustream/src/gfx"
	"github.com/sirupsen/logrus"
)

// DefaultSlackFactor is the storage over-allocation used when Options
// leaves SlackFactor unset.
const DefaultSlackFactor = 2

// Options configure a new Buffer.
type Options struct {
	Usage    gfx.UsageKind
	Capacity int

	// PreferCoherent selects coherent memory when the backend
	// supports persistent mapping. Ignored otherwise.
	PreferCoherent bool

	// SlackFactor multiplies Capacity to get the allocated storage size.
	SlackFactor int

	Logger logrus.FieldLogger
}

// Stats count what a Buffer has done since it was created.
type Stats struct {
	Reservations   uint64
	Commits        uint64
	Wraps          uint64
	BytesCommitted uint64
}

// Buffer is a fixed capacity ring over device-visible storage.
type Buffer struct {
	usage      gfx.UsageKind
	capacity   int
	slack      int
	persistent bool
	coherent   bool

	storage  gfx.DeviceBuffer
	mapper   mapper
	strategy Strategy

	cursor     int
	reserved   bool
	resOffset  int
	resSize    int
	released   bool
	statistics Stats

	log logrus.FieldLogger
}

// New allocates storage from the backend and prepares the mapping strategy.
// An error means no storage is held; callers should treat it as fatal.
func New(backend gfx.Backend, opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		panic(violation(ErrInvalidCapacity, "capacity %d", opts.Capacity))
	}
	slack := opts.SlackFactor
	if slack == 0 {
		slack = DefaultSlackFactor
	}
	if slack < 1 {
		panic(violation(ErrInvalidSlack, "slack factor %d", slack))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithFields(logrus.Fields{
		"usage":    opts.Usage.String(),
		"capacity": opts.Capacity,
	})

	persistent := backend.SupportsPersistentMapping()
	coherent := persistent && opts.PreferCoherent

	var flags gfx.StorageFlags
	if persistent {
		flags |= gfx.StoragePersistent
		if coherent {
			flags |= gfx.StorageCoherent
		}
	}

	storage, err := backend.Allocate(opts.Usage, opts.Capacity*slack, flags)
	if err != nil {
		return nil, violation(ErrOutOfDeviceMemory, "%d bytes of %s storage: %s", opts.Capacity*slack, opts.Usage, err)
	}
	if coherent && !storage.Coherent() {
		log.Warn("coherent memory unavailable, flushing explicitly")
		coherent = false
	}

	b := &Buffer{
		usage:      opts.Usage,
		capacity:   opts.Capacity,
		slack:      slack,
		persistent: persistent,
		coherent:   coherent,
		storage:    storage,
		mapper:     selectMapper(storage, opts.Capacity, persistent, coherent),
		log:        log,
	}
	switch {
	case !persistent:
		b.strategy = FallbackUnsynchronized
	case coherent:
		b.strategy = PersistentCoherent
	default:
		b.strategy = PersistentExplicitFlush
	}

	if err := b.mapper.open(); err != nil {
		storage.Release()
		return nil, violation(ErrOutOfDeviceMemory, "initial mapping: %s", err)
	}

	if !persistent {
		log.Warn("persistent mapping unsupported, mapping per reservation")
	}
	log.WithFields(logrus.Fields{
		"strategy": b.strategy.String(),
		"storage":  storage.Size(),
	}).Debug("stream buffer created")
	return b, nil
}

// Reserve returns size writable bytes at the returned offset. The offset is
// aligned to alignment when it is positive. invalidated is true when the
// ring wrapped to 0 for this call, which discards everything written before.
// The reservation stays active until Commit.
func (b *Buffer) Reserve(size, alignment int) (data []byte, offset int, invalidated bool) {
	b.checkLive()
	if b.reserved {
		panic(violation(ErrReservationActive, "[%d, %d) not committed", b.resOffset, b.resOffset+b.resSize))
	}
	if size < 0 || size > b.capacity {
		panic(violation(ErrReserveTooLarge, "size %d, capacity %d", size, b.capacity))
	}
	if alignment < 0 || alignment > b.capacity {
		panic(violation(ErrAlignmentTooLarge, "alignment %d, capacity %d", alignment, b.capacity))
	}

	if alignment > 0 {
		b.cursor = alignUp(b.cursor, alignment)
	}
	if b.cursor+size > b.capacity {
		b.cursor = 0
		invalidated = true
		b.statistics.Wraps++
		b.log.WithField("wraps", b.statistics.Wraps).Debug("stream buffer wrapped")
	}

	strategy, err := b.mapper.acquire(b.cursor, invalidated)
	b.strategy = strategy
	if err != nil {
		panic(violation(ErrMapFailed, "%s at %d: %s", strategy, b.cursor, err))
	}

	b.reserved = true
	b.resOffset = b.cursor
	b.resSize = size
	b.statistics.Reservations++
	return b.mapper.window(b.cursor, size), b.cursor, invalidated
}

// Commit publishes the first size bytes of the active reservation and
// advances the ring past them.
func (b *Buffer) Commit(size int) {
	b.checkLive()
	if !b.reserved {
		panic(violation(ErrNoReservation, "commit of %d bytes", size))
	}
	if size < 0 || size > b.resSize {
		panic(violation(ErrCommitTooLarge, "commit %d, reserved %d", size, b.resSize))
	}

	if !b.coherent {
		if err := b.storage.Flush(b.resOffset, size); err != nil {
			panic(violation(ErrMapFailed, "flush [%d, %d): %s", b.resOffset, b.resOffset+size, err))
		}
	}
	b.mapper.finish()

	b.cursor = b.resOffset + size
	b.reserved = false
	b.resOffset, b.resSize = 0, 0
	b.statistics.Commits++
	b.statistics.BytesCommitted += uint64(size)
}

// Handle returns the backend identifier of the storage, used for binding.
func (b *Buffer) Handle() interface{} {
	return b.storage.Handle()
}

// Capacity returns the logical size of the ring in bytes.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Cursor returns the next free offset.
func (b *Buffer) Cursor() int {
	return b.cursor
}

// Usage returns the usage kind the storage was allocated with.
func (b *Buffer) Usage() gfx.UsageKind {
	return b.usage
}

// Persistent reports whether the storage stays mapped between reservations.
func (b *Buffer) Persistent() bool {
	return b.persistent
}

// Coherent reports whether commits skip the explicit flush.
func (b *Buffer) Coherent() bool {
	return b.coherent
}

// Strategy returns the mapping strategy used by the latest reservation.
func (b *Buffer) Strategy() Strategy {
	return b.strategy
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() Stats {
	return b.statistics
}

// Release unmaps any live mapping and frees the storage. Using the
// Buffer afterwards panics.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.mapper.close()
	b.storage.Release()
	b.released = true
	b.reserved = false
	b.log.WithField("stats", b.statistics).Debug("stream buffer released")
}

func (b *Buffer) checkLive() {
	if b.released {
		panic(ErrReleased)
	}
}

func alignUp(value, alignment int) int {
	if rem := value % alignment; rem != 0 {
		return value + alignment - rem
	}
	return value
}
