// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package trace

import "fmt"

// Streamer is the Reserve/Commit half of a stream buffer.
type Streamer interface {
	Reserve(size, alignment int) ([]byte, int, bool)
	Commit(size int)
}

// NewRecorder wraps s and records every call made through it.
func NewRecorder(s Streamer) *Recorder {
	return &Recorder{streamer: s}
}

// Recorder forwards calls to a Streamer and remembers them.
type Recorder struct {
	streamer Streamer
	events   []Event
}

// Reserve implements Streamer.
func (r *Recorder) Reserve(size, alignment int) ([]byte, int, bool) {
	data, offset, invalidated := r.streamer.Reserve(size, alignment)
	r.events = append(r.events, Event{
		Op:          OpReserve,
		Size:        size,
		Alignment:   alignment,
		Offset:      offset,
		Invalidated: invalidated,
	})
	return data, offset, invalidated
}

// Commit implements Streamer.
func (r *Recorder) Commit(size int) {
	r.streamer.Commit(size)
	r.events = append(r.events, Event{Op: OpCommit, Size: size})
}

// Events returns the recorded calls.
func (r *Recorder) Events() []Event {
	return r.events
}

// Replay issues the recorded calls on s and returns what s produced.
// Reserved bytes are filled with a pattern derived from the event index,
// so replays also exercise the writes.
func Replay(s Streamer, events []Event) []Event {
	replayed := make([]Event, 0, len(events))
	for idx, e := range events {
		switch e.Op {
		case OpReserve:
			data, offset, invalidated := s.Reserve(e.Size, e.Alignment)
			for i := range data {
				data[i] = byte(idx + i)
			}
			replayed = append(replayed, Event{
				Op:          OpReserve,
				Size:        e.Size,
				Alignment:   e.Alignment,
				Offset:      offset,
				Invalidated: invalidated,
			})
		case OpCommit:
			s.Commit(e.Size)
			replayed = append(replayed, e)
		}
	}
	return replayed
}

// Verify compares a replay with the recording it came from.
func Verify(recorded, replayed []Event) error {
	if len(recorded) != len(replayed) {
		return fmt.Errorf("%w: %d events recorded, %d replayed", ErrMismatch, len(recorded), len(replayed))
	}
	for idx := range recorded {
		if recorded[idx] != replayed[idx] {
			return fmt.Errorf("%w: event %d: recorded %+v, replayed %+v", ErrMismatch, idx, recorded[idx], replayed[idx])
		}
	}
	return nil
}
