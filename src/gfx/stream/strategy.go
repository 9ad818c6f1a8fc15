// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package stream

import (
	"fmt"

	"github.com/devblok/korustream/src/gfx"
)

// Strategy identifies how a reservation got its CPU view of the storage.
type Strategy int

// Mapping strategies. The persistent ones are fixed for the lifetime of a
// Buffer; a fallback Buffer switches between the two fallback variants
// depending on whether the reservation wrapped.
const (
	PersistentCoherent Strategy = iota
	PersistentExplicitFlush
	FallbackDiscard
	FallbackUnsynchronized
)

func (s Strategy) String() string {
	switch s {
	case PersistentCoherent:
		return "PersistentCoherent"
	case PersistentExplicitFlush:
		return "PersistentExplicitFlush"
	case FallbackDiscard:
		return "FallbackDiscard"
	case FallbackUnsynchronized:
		return "FallbackUnsynchronized"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Persistent reports whether the strategy keeps one mapping across reservations.
func (s Strategy) Persistent() bool {
	return s == PersistentCoherent || s == PersistentExplicitFlush
}

// Flags returns the map flags the strategy requests from the backend.
func (s Strategy) Flags() gfx.MapFlags {
	switch s {
	case PersistentCoherent:
		return gfx.MapWrite | gfx.MapPersistent | gfx.MapCoherent
	case PersistentExplicitFlush:
		return gfx.MapWrite | gfx.MapPersistent | gfx.MapFlushExplicit
	case FallbackDiscard:
		return gfx.MapWrite | gfx.MapFlushExplicit | gfx.MapInvalidateBuffer
	case FallbackUnsynchronized:
		return gfx.MapWrite | gfx.MapFlushExplicit | gfx.MapUnsynchronized
	}
	return 0
}

// mapper owns the CPU view of the storage. The ring arithmetic in Buffer
// never looks at how the view was obtained.
type mapper interface {
	// open runs once at construction.
	open() error

	// acquire makes [cursor, capacity) writable.
	acquire(cursor int, invalidate bool) (Strategy, error)

	// window returns size writable bytes at offset.
	window(offset, size int) []byte

	// finish runs after a commit has been flushed.
	finish()

	// close drops any live mapping.
	close()
}

func selectMapper(storage gfx.DeviceBuffer, capacity int, persistent, coherent bool) mapper {
	if !persistent {
		return &transientMapper{storage: storage, capacity: capacity}
	}
	strategy := PersistentExplicitFlush
	if coherent {
		strategy = PersistentCoherent
	}
	return &persistentMapper{storage: storage, capacity: capacity, strategy: strategy}
}

// persistentMapper maps the whole logical range once and only
// remaps it, with the invalidate hint, when the ring wraps.
type persistentMapper struct {
	storage  gfx.DeviceBuffer
	capacity int
	strategy Strategy
	data     []byte
}

func (m *persistentMapper) open() error {
	data, err := m.storage.Map(0, m.capacity, m.strategy.Flags())
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *persistentMapper) acquire(cursor int, invalidate bool) (Strategy, error) {
	if !invalidate {
		return m.strategy, nil
	}
	m.storage.Unmap()
	m.data = nil
	data, err := m.storage.Map(0, m.capacity, m.strategy.Flags()|gfx.MapInvalidateBuffer)
	if err != nil {
		return m.strategy, err
	}
	m.data = data
	return m.strategy, nil
}

func (m *persistentMapper) window(offset, size int) []byte {
	return m.data[offset : offset+size : offset+size]
}

func (m *persistentMapper) finish() {}

func (m *persistentMapper) close() {
	if m.data != nil {
		m.storage.Unmap()
		m.data = nil
	}
}

// transientMapper maps [cursor, capacity) for every reservation and
// unmaps it again once the reservation is committed.
type transientMapper struct {
	storage  gfx.DeviceBuffer
	capacity int
	base     int
	data     []byte
}

func (m *transientMapper) open() error { return nil }

func (m *transientMapper) acquire(cursor int, invalidate bool) (Strategy, error) {
	strategy := FallbackUnsynchronized
	if invalidate {
		strategy = FallbackDiscard
	}
	data, err := m.storage.Map(cursor, m.capacity-cursor, strategy.Flags())
	if err != nil {
		return strategy, err
	}
	m.base = cursor
	m.data = data
	return strategy, nil
}

func (m *transientMapper) window(offset, size int) []byte {
	start := offset - m.base
	return m.data[start : start+size : start+size]
}

func (m *transientMapper) finish() {
	m.close()
}

func (m *transientMapper) close() {
	if m.data != nil {
		m.storage.Unmap()
		m.data = nil
	}
}
