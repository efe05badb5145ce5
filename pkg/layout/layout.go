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

// Package layout defines the binary structure of a frame segment:
//
//	[ Header | payload: nelement * elemsize | keywords: nbkw * KeywordSize ]
//
// A Layout is computed once from the shape and element type; every access to
// the mapped memory goes through the byte offsets it holds.
package layout

import (
	"fmt"

	"github.com/srediag/shmim/pkg/shmerr"
)

// Layout holds the byte offsets of a segment.
type Layout struct {
	DataType      DataType
	NAxis         int
	Size          [MaxAxes]uint32
	NElement      uint64
	NBKw          int
	PayloadOffset int
	PayloadSize   int
	KeywordOffset int
	TotalSize     int
}

// New validates a shape and element type and computes the layout.
func New(dt DataType, shape []uint32, nbkw int) (Layout, error) {
	if !dt.Valid() {
		return Layout{}, fmt.Errorf("%w: unsupported element type %d", shmerr.ErrConfiguration, uint32(dt))
	}
	if len(shape) < 1 || len(shape) > MaxAxes {
		return Layout{}, fmt.Errorf("%w: naxis %d outside [1,%d]", shmerr.ErrConfiguration, len(shape), MaxAxes)
	}
	if nbkw < 0 {
		return Layout{}, fmt.Errorf("%w: negative keyword count %d", shmerr.ErrConfiguration, nbkw)
	}
	l := Layout{DataType: dt, NAxis: len(shape), NBKw: nbkw, Size: [MaxAxes]uint32{1, 1, 1}}
	l.NElement = 1
	for i, n := range shape {
		if n < 1 {
			return Layout{}, fmt.Errorf("%w: size[%d] is 0", shmerr.ErrConfiguration, i)
		}
		l.Size[i] = n
		l.NElement *= uint64(n)
	}
	total, err := ComputeSize(dt, l.NElement, nbkw)
	if err != nil {
		return Layout{}, err
	}
	l.PayloadOffset = HeaderSize
	l.PayloadSize = int(l.NElement) * dt.Size()
	l.KeywordOffset = l.PayloadOffset + l.PayloadSize
	l.TotalSize = total
	return l, nil
}

// FromHeader rebuilds the layout recorded in a mapped header.
func FromHeader(h *Header) (Layout, error) {
	if err := h.Validate(); err != nil {
		return Layout{}, err
	}
	naxis := h.NAxis()
	if naxis < 1 || naxis > MaxAxes {
		return Layout{}, fmt.Errorf("%w: naxis %d outside [1,%d]", shmerr.ErrConfiguration, naxis, MaxAxes)
	}
	size := h.Size()
	if size[0] < 1 || size[1] < 1 {
		return Layout{}, fmt.Errorf("%w: degenerate shape %v", shmerr.ErrConfiguration, size)
	}
	l, err := New(h.DataType(), size[:naxis], h.NBKw())
	if err != nil {
		return Layout{}, err
	}
	if l.NElement != h.NElement() {
		return Layout{}, fmt.Errorf("%w: nelement %d does not match shape %v", shmerr.ErrConfiguration, h.NElement(), size)
	}
	return l, nil
}

const maxPayloadBytes = 1 << 46

// ComputeSize returns header + payload + keyword table size in bytes.
func ComputeSize(dt DataType, nelement uint64, nbkw int) (int, error) {
	if !dt.Valid() {
		return 0, fmt.Errorf("%w: unsupported element type %d", shmerr.ErrConfiguration, uint32(dt))
	}
	es := uint64(dt.Size())
	if nelement > maxPayloadBytes/es {
		return 0, fmt.Errorf("%w: payload of %d elements is too large", shmerr.ErrConfiguration, nelement)
	}
	return HeaderSize + int(nelement*es) + nbkw*KeywordSize, nil
}

// Shape returns the used axes.
func (l Layout) Shape() []uint32 {
	s := make([]uint32, l.NAxis)
	copy(s, l.Size[:l.NAxis])
	return s
}

// Arena binds a Layout to mapped memory.
type Arena struct {
	mem []byte
	L   Layout
}

// NewArena checks that mem is large enough for l.
func NewArena(mem []byte, l Layout) (Arena, error) {
	if len(mem) < l.TotalSize {
		return Arena{}, fmt.Errorf("%w: mapping is %d bytes, layout needs %d", shmerr.ErrConfiguration, len(mem), l.TotalSize)
	}
	return Arena{mem: mem[:l.TotalSize], L: l}, nil
}

// Header returns the header view.
func (a Arena) Header() *Header { return HeaderAt(a.mem) }

// Bytes returns the whole region.
func (a Arena) Bytes() []byte { return a.mem }

// PayloadBytes returns the payload region.
func (a Arena) PayloadBytes() []byte {
	return a.mem[a.L.PayloadOffset : a.L.PayloadOffset+a.L.PayloadSize]
}

// PayloadRange returns count elements of payload starting at element pos.
func (a Arena) PayloadRange(pos, count uint64) ([]byte, error) {
	if pos > a.L.NElement || count > a.L.NElement-pos {
		return nil, fmt.Errorf("%w: [%d,%d) outside %d elements", shmerr.ErrOutOfBounds, pos, pos+count, a.L.NElement)
	}
	es := uint64(a.L.DataType.Size())
	start := uint64(a.L.PayloadOffset) + pos*es
	return a.mem[start : start+count*es], nil
}

// Payload binds the payload as a []T, rejecting a T that does not match the
// recorded element type.
func Payload[T Element](a Arena) ([]T, error) {
	if want := TypeOf[T](); want != a.L.DataType {
		return nil, fmt.Errorf("%w: segment holds %s, requested %s", shmerr.ErrTypeMismatch, a.L.DataType, want)
	}
	return FromBytes[T](a.PayloadBytes()), nil
}
