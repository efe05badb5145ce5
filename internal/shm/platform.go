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

// Package shm contains the platform helpers behind frame segments: file
// backed mappings, anonymous mappings and shared futex wait/wake.
package shm

// MappedRegion is a memory-mapped file or anonymous region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Path string
}

// Size returns the mapped length.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for mapping a backing file.
type MapOptions struct {
	// Path is the backing file.
	Path string
	// Size is the length to create. When opening, 0 means use the file size.
	Size int
	// Create makes a fresh zero-filled file, replacing any existing one.
	Create bool
	// ReadOnly maps without write permission.
	ReadOnly bool
}

// Function implementations are provided in platform-specific files.
