// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"errors"
	"fmt"

	vk "github.com/devblok/vulkan"
)

// ErrNoMemoryType is returned when no memory type satisfies a request.
var ErrNoMemoryType = errors.New("suitable memory type not found")

// NewMemoryAllocator creates a new memory allocator. Allocates for the logical device,
// reads memory properties of the physical device to influence allocation.
func NewMemoryAllocator(device vk.Device, phyDevice vk.PhysicalDevice) (*MemoryAllocator, error) {
	var memProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(phyDevice, &memProperties)
	memProperties.Deref()

	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(phyDevice, &properties)
	properties.Deref()
	properties.Limits.Deref()

	atom := uint(properties.Limits.NonCoherentAtomSize)
	if atom == 0 {
		atom = 1
	}

	return &MemoryAllocator{
		device:        device,
		memProperties: memProperties,
		atomSize:      atom,
	}, nil
}

// MemoryAllocator is responsible returning usable
// memory for any resources that may need it.
type MemoryAllocator struct {
	device        vk.Device
	memProperties vk.PhysicalDeviceMemoryProperties
	atomSize      uint
}

// AtomSize returns the flush granularity of non-coherent memory.
func (ma *MemoryAllocator) AtomSize() uint {
	return ma.atomSize
}

// Malloc returns a usable memory chunk ready for use.
func (ma *MemoryAllocator) Malloc(req vk.MemoryRequirements, prop vk.MemoryPropertyFlagBits) (Memory, error) {
	memTypeIdx, err := ma.findMemoryType(req.MemoryTypeBits, vk.MemoryPropertyFlags(prop))
	if err != nil {
		return Memory{}, err
	}
	return ma.allocate(req, memTypeIdx, vk.MemoryPropertyFlags(prop))
}

// MallocPreferred allocates memory with required|preferred properties when the
// device has such a memory type, and with only the required ones otherwise.
func (ma *MemoryAllocator) MallocPreferred(req vk.MemoryRequirements, required, preferred vk.MemoryPropertyFlagBits) (Memory, error) {
	if preferred != 0 {
		props := vk.MemoryPropertyFlags(required | preferred)
		if memTypeIdx, err := ma.findMemoryType(req.MemoryTypeBits, props); err == nil {
			return ma.allocate(req, memTypeIdx, props)
		}
	}
	return ma.Malloc(req, required)
}

func (ma *MemoryAllocator) allocate(req vk.MemoryRequirements, memTypeIdx uint32, requested vk.MemoryPropertyFlags) (Memory, error) {
	mai := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: memTypeIdx,
	}

	var memory vk.DeviceMemory
	if err := vk.Error(vk.AllocateMemory(ma.device, &mai, nil, &memory)); err != nil {
		return Memory{}, fmt.Errorf("vk.AllocateMemory(): %s", err.Error())
	}

	ma.memProperties.MemoryTypes[memTypeIdx].Deref()
	props := ma.memProperties.MemoryTypes[memTypeIdx].PropertyFlags | requested

	return Memory{
		offset:   0,
		len:      uint(req.Size),
		atomSize: ma.atomSize,
		coherent: props&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0,
		device:   ma.device,
		memory:   memory,
	}, nil
}

func (ma *MemoryAllocator) findMemoryType(filter uint32, prop vk.MemoryPropertyFlags) (uint32, error) {
	for idx := uint32(0); idx < ma.memProperties.MemoryTypeCount; idx++ {
		ma.memProperties.MemoryTypes[idx].Deref()
		if filter&(1<<idx) != 0 && (ma.memProperties.MemoryTypes[idx].PropertyFlags&prop) == prop {
			return idx, nil
		}
	}
	return 0, ErrNoMemoryType
}
