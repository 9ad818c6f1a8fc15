// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package hostmem implements a gfx.Backend on plain host memory.
// It stands in for a device when none is available and keeps a log of
// every backend call, so mapping behaviour can be inspected.
package hostmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/devblok/korustream/src/gfx"
	"github.com/sirupsen/logrus"
)

// package errors
var (
	ErrOutOfMemory           = errors.New("hostmem: allocation exceeds available memory")
	ErrAlreadyMapped         = errors.New("hostmem: storage is already mapped")
	ErrNotMapped             = errors.New("hostmem: storage is not mapped")
	ErrRange                 = errors.New("hostmem: range out of bounds")
	ErrPersistentUnsupported = errors.New("hostmem: persistent mapping unsupported")
	ErrFlushNotExplicit      = errors.New("hostmem: flush on a mapping without explicit flush")
	ErrReleased              = errors.New("hostmem: storage released")
)

// OpKind names a backend call.
type OpKind int

// Recorded calls.
const (
	OpAllocate OpKind = iota
	OpMap
	OpUnmap
	OpFlush
	OpRelease
)

func (k OpKind) String() string {
	switch k {
	case OpAllocate:
		return "allocate"
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	case OpFlush:
		return "flush"
	case OpRelease:
		return "release"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one recorded backend call.
type Op struct {
	Kind    OpKind
	Storage int
	Offset  int
	Size    int
	Flags   gfx.MapFlags
}

func (o Op) String() string {
	return fmt.Sprintf("%s#%d[%d+%d](%s)", o.Kind, o.Storage, o.Offset, o.Size, o.Flags)
}

// Options configure a Backend.
type Options struct {
	// Persistent makes the backend advertise persistent mapping.
	Persistent bool

	// MaxAllocation caps the total bytes allocated. Zero means no cap.
	MaxAllocation int

	Logger logrus.FieldLogger
}

// New creates a host memory backend.
func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Backend{
		options: opts,
		log:     opts.Logger.WithField("backend", "hostmem"),
	}
}

// Backend hands out Storage backed by byte slices.
type Backend struct {
	options Options
	log     logrus.FieldLogger

	mutex     sync.Mutex
	ops       []Op
	nextID    int
	allocated int
}

// SupportsPersistentMapping implements gfx.Backend.
func (b *Backend) SupportsPersistentMapping() bool {
	return b.options.Persistent
}

// Allocate implements gfx.Backend.
func (b *Backend) Allocate(usage gfx.UsageKind, size int, flags gfx.StorageFlags) (gfx.DeviceBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrRange, size)
	}
	if flags.Has(gfx.StoragePersistent) && !b.options.Persistent {
		return nil, ErrPersistentUnsupported
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.options.MaxAllocation > 0 && b.allocated+size > b.options.MaxAllocation {
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrOutOfMemory, b.allocated, size, b.options.MaxAllocation)
	}
	b.nextID++
	b.allocated += size
	s := &Storage{
		backend: b,
		id:      b.nextID,
		usage:   usage,
		flags:   flags,
		mem:     make([]byte, size),
	}
	b.ops = append(b.ops, Op{Kind: OpAllocate, Storage: s.id, Size: size})
	b.log.WithFields(logrus.Fields{
		"storage": s.id,
		"usage":   usage.String(),
		"size":    size,
	}).Debug("storage allocated")
	return s, nil
}

// Ops returns a copy of the recorded calls.
func (b *Backend) Ops() []Op {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]Op(nil), b.ops...)
}

// Reset forgets the recorded calls.
func (b *Backend) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ops = nil
}

// Allocated returns the bytes currently held by live storage.
func (b *Backend) Allocated() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.allocated
}

func (b *Backend) record(op Op) {
	b.mutex.Lock()
	b.ops = append(b.ops, op)
	b.mutex.Unlock()
}

// Storage is host memory posing as device storage.
type Storage struct {
	backend *Backend
	id      int
	usage   gfx.UsageKind
	flags   gfx.StorageFlags
	mem     []byte

	mapped    bool
	mapOffset int
	mapSize   int
	mapFlags  gfx.MapFlags
	released  bool
}

// Handle implements gfx.DeviceBuffer. The handle is the storage id.
func (s *Storage) Handle() interface{} {
	return s.id
}

// Size implements gfx.DeviceBuffer.
func (s *Storage) Size() int {
	return len(s.mem)
}

// Coherent implements gfx.DeviceBuffer.
func (s *Storage) Coherent() bool {
	return s.flags.Has(gfx.StorageCoherent)
}

// Mapped reports whether a mapping is alive.
func (s *Storage) Mapped() bool {
	return s.mapped
}

// Map implements gfx.DeviceBuffer. The invalidate hint zeroes the storage.
func (s *Storage) Map(offset, size int, flags gfx.MapFlags) ([]byte, error) {
	switch {
	case s.released:
		return nil, ErrReleased
	case s.mapped:
		return nil, ErrAlreadyMapped
	case offset < 0 || size < 0 || offset+size > len(s.mem):
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, offset, offset+size, len(s.mem))
	case flags.Has(gfx.MapPersistent) && !s.flags.Has(gfx.StoragePersistent):
		return nil, ErrPersistentUnsupported
	}

	if flags.Has(gfx.MapInvalidateBuffer) {
		for idx := range s.mem {
			s.mem[idx] = 0
		}
	}
	s.mapped = true
	s.mapOffset = offset
	s.mapSize = size
	s.mapFlags = flags
	s.backend.record(Op{Kind: OpMap, Storage: s.id, Offset: offset, Size: size, Flags: flags})
	return s.mem[offset : offset+size : offset+size], nil
}

// Unmap implements gfx.DeviceBuffer.
func (s *Storage) Unmap() {
	if !s.mapped {
		return
	}
	s.backend.record(Op{Kind: OpUnmap, Storage: s.id, Offset: s.mapOffset, Size: s.mapSize})
	s.mapped = false
	s.mapOffset, s.mapSize, s.mapFlags = 0, 0, 0
}

// Flush implements gfx.DeviceBuffer.
func (s *Storage) Flush(offset, size int) error {
	switch {
	case s.released:
		return ErrReleased
	case !s.mapped:
		return ErrNotMapped
	case !s.mapFlags.Has(gfx.MapFlushExplicit):
		return ErrFlushNotExplicit
	case offset < s.mapOffset || size < 0 || offset+size > s.mapOffset+s.mapSize:
		return fmt.Errorf("%w: flush [%d, %d) outside mapping [%d, %d)", ErrRange,
			offset, offset+size, s.mapOffset, s.mapOffset+s.mapSize)
	}
	s.backend.record(Op{Kind: OpFlush, Storage: s.id, Offset: offset, Size: size})
	return nil
}

// Contents returns a copy of the storage as the device would see it.
func (s *Storage) Contents() []byte {
	return append([]byte(nil), s.mem...)
}

// Release implements gfx.Releasable.
func (s *Storage) Release() {
	if s.released {
		return
	}
	s.Unmap()
	s.released = true
	s.backend.record(Op{Kind: OpRelease, Storage: s.id, Size: len(s.mem)})

	s.backend.mutex.Lock()
	s.backend.allocated -= len(s.mem)
	s.backend.mutex.Unlock()
	s.mem = nil
}
