// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package gfx defines rendering related features that renderers must implement.
package gfx

import (
	"fmt"
	"strings"
)

// Releasable defines any memory-occupying item that can be freed.
type Releasable interface {

	// Release releases memory occupied by the implementing structure.
	Release()
}

// UsageKind tells the backend what the device storage will be bound as.
type UsageKind int

// Supported usage kinds.
const (
	VertexUsage UsageKind = iota
	IndexUsage
	UniformUsage
	StorageUsage
)

var usageNames = map[UsageKind]string{
	VertexUsage:  "vertex",
	IndexUsage:   "index",
	UniformUsage: "uniform",
	StorageUsage: "storage",
}

func (u UsageKind) String() string {
	if name, ok := usageNames[u]; ok {
		return name
	}
	return fmt.Sprintf("usage(%d)", int(u))
}

// ParseUsageKind is the inverse of UsageKind.String.
func ParseUsageKind(s string) (UsageKind, error) {
	for kind, name := range usageNames {
		if strings.EqualFold(name, s) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("gfx: unknown usage kind %q", s)
}

// StorageFlags are requested when device storage is allocated.
type StorageFlags uint32

// Storage flags.
const (
	// StoragePersistent allows the storage to stay mapped while the GPU uses it.
	StoragePersistent StorageFlags = 1 << iota

	// StorageCoherent asks for memory where CPU writes need no flush.
	StorageCoherent
)

// Has reports whether all bits of o are set.
func (f StorageFlags) Has(o StorageFlags) bool {
	return f&o == o
}

// MapFlags describe a single mapping request.
type MapFlags uint32

// Map flags. MapInvalidateBuffer and MapUnsynchronized are hints: the
// former lets the backend drop every prior byte of the storage, the latter
// promises that the mapped range is not being read by the GPU.
const (
	MapWrite MapFlags = 1 << iota
	MapPersistent
	MapCoherent
	MapFlushExplicit
	MapInvalidateBuffer
	MapUnsynchronized
)

var mapFlagNames = []struct {
	flag MapFlags
	name string
}{
	{MapWrite, "write"},
	{MapPersistent, "persistent"},
	{MapCoherent, "coherent"},
	{MapFlushExplicit, "flush-explicit"},
	{MapInvalidateBuffer, "invalidate-buffer"},
	{MapUnsynchronized, "unsynchronized"},
}

// Has reports whether all bits of o are set.
func (f MapFlags) Has(o MapFlags) bool {
	return f&o == o
}

func (f MapFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range mapFlagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(f)))
	}
	return strings.Join(names, "|")
}

// Backend allocates device-visible storage.
type Backend interface {

	// SupportsPersistentMapping reports whether storage may stay mapped
	// while the device reads from it.
	SupportsPersistentMapping() bool

	// Allocate creates size bytes of device-visible storage.
	Allocate(usage UsageKind, size int, flags StorageFlags) (DeviceBuffer, error)
}

// DeviceBuffer is a block of device-visible storage. At most one mapping
// can be alive at a time. Offsets are absolute within the storage.
type DeviceBuffer interface {
	Releasable

	// Handle returns the backend specific identifier used for binding.
	Handle() interface{}

	// Size returns the allocated size in bytes.
	Size() int

	// Coherent reports whether the storage ended up in coherent memory.
	Coherent() bool

	// Map returns a writable view of [offset, offset+size).
	Map(offset, size int, flags MapFlags) ([]byte, error)

	// Unmap drops the live mapping, if any.
	Unmap()

	// Flush makes [offset, offset+size) of a non-coherent mapping
	// visible to the device.
	Flush(offset, size int) error
}
