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

package segment

import (
	"fmt"
	"unsafe"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/shmerr"
)

// Aggregate sums srcs element-wise into dst and completes the write like
// WriteFull. Every source must match dst's element type and element count.
// Integer sums wrap around on overflow.
func Aggregate(dst *Writer, srcs ...*Reader) error {
	if len(srcs) == 0 {
		return fmt.Errorf("%w: nothing to aggregate", shmerr.ErrConfiguration)
	}
	for _, r := range srcs {
		if err := r.checkOpen(); err != nil {
			return err
		}
		if err := dst.checkType(r.DataType()); err != nil {
			return fmt.Errorf("aggregate %s: %w", r.local, err)
		}
		if r.NElement() != dst.NElement() {
			return fmt.Errorf("%w: %s has %d elements, %s has %d", shmerr.ErrConfiguration, r.local, r.NElement(), dst.local, dst.NElement())
		}
	}
	switch dst.DataType() {
	case layout.TypeUint8:
		return aggregate[uint8](dst, srcs)
	case layout.TypeInt8:
		return aggregate[int8](dst, srcs)
	case layout.TypeUint16:
		return aggregate[uint16](dst, srcs)
	case layout.TypeInt16:
		return aggregate[int16](dst, srcs)
	case layout.TypeUint32:
		return aggregate[uint32](dst, srcs)
	case layout.TypeInt32:
		return aggregate[int32](dst, srcs)
	case layout.TypeUint64:
		return aggregate[uint64](dst, srcs)
	case layout.TypeInt64:
		return aggregate[int64](dst, srcs)
	case layout.TypeFloat32:
		return aggregate[float32](dst, srcs)
	case layout.TypeFloat64:
		return aggregate[float64](dst, srcs)
	case layout.TypeComplex64:
		return aggregate[complex64](dst, srcs)
	case layout.TypeComplex128:
		return aggregate[complex128](dst, srcs)
	}
	return fmt.Errorf("%w: cannot aggregate %s", shmerr.ErrConfiguration, dst.DataType())
}

func aggregate[T layout.Element](w *Writer, srcs []*Reader) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	n := int(w.NElement())
	acc := scratchOf[T](&w.acc, n)
	tmp := scratchOf[T](&w.scratch, n)
	for i, r := range srcs {
		src, err := layout.Payload[T](r.arena)
		if err != nil {
			return err
		}
		if i == 0 {
			if _, err := r.snapshot(func() { copy(acc, src) }); err != nil {
				return err
			}
			continue
		}
		if _, err := r.snapshot(func() { copy(tmp, src) }); err != nil {
			return err
		}
		for j := range acc {
			acc[j] += tmp[j]
		}
	}
	return w.writeFullLocked(layout.AsBytes(acc), uint64(n))
}

// scratchOf returns a reusable []T of n elements backed by *buf.
func scratchOf[T layout.Element](buf *[]uint64, n int) []T {
	var zero T
	words := (n*int(unsafe.Sizeof(zero)) + 7) / 8
	if cap(*buf) < words {
		*buf = make([]uint64, words)
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(*buf))), words*8)
	return layout.FromBytes[T](b)[:n]
}
