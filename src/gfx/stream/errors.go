// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package stream

import (
	"errors"
	"fmt"
)

// package errors
var (
	// ErrOutOfDeviceMemory is returned by New when backing storage
	// could not be allocated or mapped. It is not recoverable.
	ErrOutOfDeviceMemory = errors.New("stream: out of device memory")

	// The following are contract violations. They are raised as panics.
	ErrInvalidCapacity   = errors.New("stream: invalid capacity")
	ErrInvalidSlack      = errors.New("stream: slack factor must be at least 1")
	ErrReserveTooLarge   = errors.New("stream: reservation larger than capacity")
	ErrAlignmentTooLarge = errors.New("stream: alignment larger than capacity")
	ErrReservationActive = errors.New("stream: reservation already active")
	ErrNoReservation     = errors.New("stream: commit without reservation")
	ErrCommitTooLarge    = errors.New("stream: commit larger than reservation")
	ErrReleased          = errors.New("stream: buffer already released")
	ErrMapFailed         = errors.New("stream: backend mapping failed")
)

func violation(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
}
