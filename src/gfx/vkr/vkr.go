// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vkr implements the vulkan renderer.
//
// Its Backend hands host-visible buffers to the stream package. Vulkan
// mappings never synchronise with the device on their own, so the
// unsynchronized hint is the native behaviour and the invalidate hint needs
// no action: the ring only reuses bytes after a full wraparound.
package vkr

import (
	"errors"
	"fmt"

	"github.com/devblok/korustream/src/gfx"
	vk "github.com/devblok/vulkan"
	"github.com/sirupsen/logrus"
)

// ErrPersistentDisabled is returned when persistent storage or mappings
// are requested from a Backend created with DisablePersistent.
var ErrPersistentDisabled = errors.New("vkr: persistent mapping disabled")

// UsageFlags maps a usage kind onto Vulkan buffer usage bits.
func UsageFlags(usage gfx.UsageKind) (vk.BufferUsageFlagBits, error) {
	switch usage {
	case gfx.VertexUsage:
		return vk.BufferUsageVertexBufferBit, nil
	case gfx.IndexUsage:
		return vk.BufferUsageIndexBufferBit, nil
	case gfx.UniformUsage:
		return vk.BufferUsageUniformBufferBit, nil
	case gfx.StorageUsage:
		return vk.BufferUsageStorageBufferBit, nil
	}
	return 0, fmt.Errorf("vkr: unsupported usage %s", usage)
}

// NewBuffer creates, configures, allocates and binds a new buffer in memory
// with the required properties, and the preferred ones when the device has them.
func NewBuffer(dev vk.Device, size uint, usage vk.BufferUsageFlagBits, mode vk.SharingMode, ma *MemoryAllocator, required, preferred vk.MemoryPropertyFlagBits) (Buffer, error) {
	createInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: mode,
	}
	var buffer vk.Buffer
	if err := vk.Error(vk.CreateBuffer(dev, &createInfo, nil, &buffer)); err != nil {
		return Buffer{}, fmt.Errorf("vk.CreateBuffer(): %s", err.Error())
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buffer, &req)
	req.Deref()

	memory, err := ma.MallocPreferred(req, required, preferred)
	if err != nil {
		vk.DestroyBuffer(dev, buffer, nil)
		return Buffer{}, err
	}

	if err := vk.Error(vk.BindBufferMemory(dev, buffer, memory.Get(), vk.DeviceSize(memory.Offset()))); err != nil {
		vk.DestroyBuffer(dev, buffer, nil)
		memory.Release()
		return Buffer{}, fmt.Errorf("vk.BindBufferMemory(): %s", err.Error())
	}

	return Buffer{
		device: dev,
		buffer: buffer,
		size:   size,
		memory: memory,
	}, nil
}

// Buffer implements a generic vulkan buffer.
type Buffer struct {
	device vk.Device
	buffer vk.Buffer
	size   uint

	memory Memory
}

// Mem returns the Memory that the buffer is based on.
func (b *Buffer) Mem() *Memory {
	return &b.memory
}

// Get returns the vulkan Buffer handle.
func (b *Buffer) Get() vk.Buffer {
	return b.buffer
}

// Release destroys the buffer and memory asociated with it.
func (b *Buffer) Release() {
	vk.DestroyBuffer(b.device, b.buffer, nil)
	b.memory.Release()
}

// BackendOptions configure a Backend.
type BackendOptions struct {
	// DisablePersistent makes the backend refuse persistent mappings,
	// forcing streams onto the per reservation mapping path.
	DisablePersistent bool

	Logger logrus.FieldLogger
}

// NewBackend creates a gfx.Backend on a logical device.
func NewBackend(device vk.Device, phyDevice vk.PhysicalDevice, opts BackendOptions) (*Backend, error) {
	ma, err := NewMemoryAllocator(device, phyDevice)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Backend{
		device:    device,
		allocator: ma,
		options:   opts,
		log:       opts.Logger.WithField("backend", "vulkan"),
	}, nil
}

// Backend allocates host-visible Vulkan buffers.
type Backend struct {
	device    vk.Device
	allocator *MemoryAllocator
	options   BackendOptions
	log       logrus.FieldLogger
}

// SupportsPersistentMapping implements gfx.Backend.
func (b *Backend) SupportsPersistentMapping() bool {
	return !b.options.DisablePersistent
}

// Allocate implements gfx.Backend.
func (b *Backend) Allocate(usage gfx.UsageKind, size int, flags gfx.StorageFlags) (gfx.DeviceBuffer, error) {
	if flags.Has(gfx.StoragePersistent) && b.options.DisablePersistent {
		return nil, ErrPersistentDisabled
	}
	usageBits, err := UsageFlags(usage)
	if err != nil {
		return nil, err
	}

	var preferred vk.MemoryPropertyFlagBits
	if flags.Has(gfx.StorageCoherent) {
		preferred = vk.MemoryPropertyHostCoherentBit
	}
	buf, err := NewBuffer(b.device, uint(size), usageBits, vk.SharingModeExclusive, b.allocator, vk.MemoryPropertyHostVisibleBit, preferred)
	if err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{
		"usage":    usage.String(),
		"size":     size,
		"coherent": buf.Mem().Coherent(),
		"atom":     b.allocator.AtomSize(),
	}).Debug("storage allocated")
	return &Storage{backend: b, buffer: buf, flags: flags}, nil
}

// Storage adapts a Buffer to gfx.DeviceBuffer.
type Storage struct {
	backend *Backend
	buffer  Buffer
	flags   gfx.StorageFlags
}

// Handle implements gfx.DeviceBuffer. The handle is a vk.Buffer.
func (s *Storage) Handle() interface{} {
	return s.buffer.Get()
}

// Size implements gfx.DeviceBuffer.
func (s *Storage) Size() int {
	return int(s.buffer.size)
}

// Coherent implements gfx.DeviceBuffer.
func (s *Storage) Coherent() bool {
	return s.buffer.Mem().Coherent()
}

// Map implements gfx.DeviceBuffer.
func (s *Storage) Map(offset, size int, flags gfx.MapFlags) ([]byte, error) {
	if flags.Has(gfx.MapPersistent) && !s.flags.Has(gfx.StoragePersistent) {
		return nil, ErrPersistentDisabled
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrRange, offset, offset+size)
	}
	return s.buffer.Mem().Map(uint(offset), uint(size))
}

// Unmap implements gfx.DeviceBuffer.
func (s *Storage) Unmap() {
	s.buffer.Mem().Unmap()
}

// Flush implements gfx.DeviceBuffer.
func (s *Storage) Flush(offset, size int) error {
	if offset < 0 || size < 0 {
		return fmt.Errorf("%w: flush [%d, %d)", ErrRange, offset, offset+size)
	}
	return s.buffer.Mem().Flush(uint(offset), uint(size))
}

// Release implements gfx.Releasable.
func (s *Storage) Release() {
	s.buffer.Release()
}
