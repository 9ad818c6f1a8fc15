// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package trace records the Reserve/Commit calls a renderer makes on a
// stream buffer and replays them later. Trace files are a single lz4 frame
// holding a gob encoded header followed by the events, so they can be
// captured on one machine and replayed against any backend on another.
package trace

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
)

// Version is the trace format version written by Write.
const Version = 1

// package errors
var (
	ErrFormat   = errors.New("trace: corrupted or not a trace file")
	ErrVersion  = errors.New("trace: unsupported version")
	ErrMismatch = errors.New("trace: replay diverged from recording")
)

// Op is the recorded call.
type Op int

// Recorded calls.
const (
	OpReserve Op = iota
	OpCommit
)

func (o Op) String() string {
	switch o {
	case OpReserve:
		return "reserve"
	case OpCommit:
		return "commit"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Event is one call. Offset and Invalidated are only set for reservations.
type Event struct {
	Op          Op
	Size        int
	Alignment   int
	Offset      int
	Invalidated bool
}

// Header describes the buffer a trace was recorded on.
type Header struct {
	Version  int
	Usage    string
	Capacity int
	Created  int64
}

type file struct {
	Header Header
	Events []Event
}

// Write encodes a trace into w.
func Write(w io.Writer, header Header, events []Event) error {
	header.Version = Version
	zw := lz4.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(file{Header: header, Events: events}); err != nil {
		return err
	}
	return zw.Close()
}

// Read decodes a trace written by Write.
func Read(r io.Reader) (Header, []Event, error) {
	var f file
	if err := gob.NewDecoder(lz4.NewReader(r)).Decode(&f); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	if f.Header.Version != Version {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrVersion, f.Header.Version)
	}
	if err := check(f.Header, f.Events); err != nil {
		return Header{}, nil, err
	}
	return f.Header, f.Events, nil
}

// check rejects traces no stream buffer of the recorded capacity
// could have produced.
func check(header Header, events []Event) error {
	if header.Capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrFormat, header.Capacity)
	}
	reserved := -1
	for idx, e := range events {
		switch {
		case e.Op != OpReserve && e.Op != OpCommit:
			return fmt.Errorf("%w: event %d: %s", ErrFormat, idx, e.Op)
		case e.Size < 0 || e.Size > header.Capacity:
			return fmt.Errorf("%w: event %d: size %d, capacity %d", ErrFormat, idx, e.Size, header.Capacity)
		case e.Alignment < 0 || e.Alignment > header.Capacity:
			return fmt.Errorf("%w: event %d: alignment %d, capacity %d", ErrFormat, idx, e.Alignment, header.Capacity)
		case e.Op == OpReserve && reserved >= 0:
			return fmt.Errorf("%w: event %d: reserve before commit", ErrFormat, idx)
		case e.Op == OpCommit && reserved < 0:
			return fmt.Errorf("%w: event %d: commit without reserve", ErrFormat, idx)
		case e.Op == OpCommit && e.Size > reserved:
			return fmt.Errorf("%w: event %d: commit %d, reserved %d", ErrFormat, idx, e.Size, reserved)
		}
		if e.Op == OpReserve {
			reserved = e.Size
		} else {
			reserved = -1
		}
	}
	return nil
}
