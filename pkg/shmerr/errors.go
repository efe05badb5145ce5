/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shmerr holds the error values shared by the segment, semaphore and
// buffer packages. Callers branch on them with errors.Is.
package shmerr

import "errors"

var (
	// ErrNotFound is returned when a backing file or semaphore does not exist.
	// At startup this usually means the producer is not ready yet.
	ErrNotFound = errors.New("segment not found")
	// ErrNameFormat is returned when a path does not follow <local>.<ext>.
	ErrNameFormat = errors.New("segment name does not match <local>.<ext>")
	// ErrConfiguration covers unsupported element types, bad axis counts and
	// degenerate shapes.
	ErrConfiguration = errors.New("invalid segment configuration")
	// ErrAllocation is returned when the OS could not create, size or map a
	// backing store or semaphore.
	ErrAllocation = errors.New("segment allocation failed")
	// ErrTimeout means a bounded wait expired with no new frame.
	ErrTimeout = errors.New("wait timed out")
	// ErrDiscontinuity reports a frame counter that advanced by more than one.
	ErrDiscontinuity = errors.New("frame counter discontinuity")
	// ErrTypeMismatch is returned when a typed accessor does not match the
	// element type recorded in the header.
	ErrTypeMismatch = errors.New("element type mismatch")
	// ErrOutOfBounds is returned when a write would overrun the payload.
	ErrOutOfBounds = errors.New("write exceeds payload bounds")
	// ErrUnsupported is returned on platforms without futex support.
	ErrUnsupported = errors.New("operation not supported on this platform")
	// ErrClosed is returned for operations on an unmapped segment.
	ErrClosed = errors.New("segment closed")
)

// Retryable reports whether an attach failure may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotFound)
}
