// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/devblok/vulkan"
)

// memory errors
var (
	ErrMapped    = errors.New("memory is already mapped")
	ErrNotMapped = errors.New("memory is not mapped")
	ErrRange     = errors.New("range outside of memory")
)

// Memory defines a usable memory region.
type Memory struct {
	len, offset uint
	atomSize    uint
	coherent    bool
	device      vk.Device
	memory      vk.DeviceMemory

	mapped    bool
	mapOffset uint
	mapData   []byte
}

// Len returns the length of assigned memory.
func (m *Memory) Len() uint {
	return m.len
}

// Offset returns the start location of assigned memory.
func (m *Memory) Offset() uint {
	return m.offset
}

// Coherent reports whether the memory type is host coherent.
func (m *Memory) Coherent() bool {
	return m.coherent
}

// Get returns the vulkan memory handle.
func (m *Memory) Get() vk.DeviceMemory {
	return m.memory
}

// Mapped reports whether the memory is mapped.
func (m *Memory) Mapped() bool {
	return m.mapped
}

// Map maps [offset, offset+size) of the memory and returns it as a slice.
// The Vulkan mapping itself starts at the closest atom boundary below offset
// and runs to the end of the memory, so any atom aligned flush of the
// returned range stays inside the mapping.
func (m *Memory) Map(offset, size uint) ([]byte, error) {
	if m.mapped {
		return nil, ErrMapped
	}
	if offset+size > m.len {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, offset, offset+size, m.len)
	}

	start := alignDown(offset, m.atomSize)
	var memMapped unsafe.Pointer
	if err := vk.Error(vk.MapMemory(m.device, m.memory, vk.DeviceSize(m.offset+start), vk.DeviceSize(m.len-start), 0, &memMapped)); err != nil {
		return nil, fmt.Errorf("vk.MapMemory(): %s", err.Error())
	}
	m.mapped = true
	m.mapOffset = start
	m.mapData = unsafe.Slice((*byte)(memMapped), m.len-start)

	begin := offset - start
	return m.mapData[begin : begin+size : begin+size], nil
}

// Flush makes [offset, offset+size) visible to the device. The range is
// widened to the non-coherent atom size as Vulkan requires.
func (m *Memory) Flush(offset, size uint) error {
	if !m.mapped {
		return ErrNotMapped
	}
	if offset < m.mapOffset || offset+size > m.len {
		return fmt.Errorf("%w: flush [%d, %d)", ErrRange, offset, offset+size)
	}
	if size == 0 {
		return nil
	}
	flushOffset, flushSize := atomRange(offset, size, m.atomSize, m.len)
	ranges := []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: m.memory,
		Offset: vk.DeviceSize(m.offset + flushOffset),
		Size:   vk.DeviceSize(flushSize),
	}}
	if err := vk.Error(vk.FlushMappedMemoryRanges(m.device, uint32(len(ranges)), ranges)); err != nil {
		return fmt.Errorf("vk.FlushMappedMemoryRanges(): %s", err.Error())
	}
	return nil
}

// Unmap removes the memory mapping if it was mapped.
func (m *Memory) Unmap() {
	if m.mapped {
		vk.UnmapMemory(m.device, m.memory)
		m.mapped = false
		m.mapData = nil
		m.mapOffset = 0
	}
}

// Release frees memory after unmapping it if previously mapped.
func (m *Memory) Release() {
	m.Unmap()
	vk.FreeMemory(m.device, m.memory, nil)
}

func alignDown(value, alignment uint) uint {
	if alignment <= 1 {
		return value
	}
	return value - value%alignment
}

// atomRange widens [offset, offset+size) to atom boundaries, clamped to limit.
func atomRange(offset, size, atom, limit uint) (uint, uint) {
	start := alignDown(offset, atom)
	end := offset + size
	if atom > 1 && end%atom != 0 {
		end += atom - end%atom
	}
	if end > limit {
		end = limit
	}
	return start, end - start
}
