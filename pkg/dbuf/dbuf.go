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

// Package dbuf provides an in-process double buffer: one active bank that
// readers use and one passive bank that a writer fills, flipped without
// copying, optionally at a target frame.
package dbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/numa"
	"github.com/srediag/shmim/pkg/shmerr"
)

// Options configures a DoubleBuffer.
type Options struct {
	// Allocator places both banks. Nil uses the Go heap.
	Allocator numa.Allocator
	// Node is where both banks are placed, numa.AnyNode for no preference.
	Node int
	// Lazy defers allocation to Allocate or the first copy.
	Lazy   bool
	Logger *logging.Logger
}

// DefaultOptions allocates on the heap, eagerly, without placement.
func DefaultOptions() *Options {
	return &Options{Node: numa.AnyNode}
}

// DoubleBuffer holds two banks of n elements of T.
type DoubleBuffer[T layout.Element] struct {
	n     int
	alloc numa.Allocator
	node  int
	log   *logging.Logger

	mu  sync.Mutex
	raw [2][]byte
	// nil until both banks are allocated, and again after Close
	banks  atomic.Pointer[[2][]T]
	active atomic.Uint32
	dirty  atomic.Bool
	target atomic.Uint64
}

// New returns a double buffer of n elements per bank.
func New[T layout.Element](n int, opts *Options) (*DoubleBuffer[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: double buffer of %d elements", shmerr.ErrConfiguration, n)
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	d := &DoubleBuffer[T]{
		n:     n,
		alloc: opts.Allocator,
		node:  opts.Node,
		log:   opts.Logger,
	}
	if d.alloc == nil {
		d.alloc = numa.NewHeapAllocator(nil)
	}
	if d.log == nil {
		d.log = logging.Nop()
	}
	if !opts.Lazy {
		if err := d.Allocate(d.node); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Allocate places both banks on node. It is a no-op once allocated on the
// same node.
func (d *DoubleBuffer[T]) Allocate(node int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocateLocked(node)
}

func (d *DoubleBuffer[T]) allocateLocked(node int) error {
	if d.banks.Load() != nil {
		if node != d.node {
			return fmt.Errorf("%w: banks already on node %d", shmerr.ErrConfiguration, d.node)
		}
		return nil
	}
	size := d.n * layout.TypeOf[T]().Size()
	var banks [2][]T
	for i := range d.raw {
		b, err := d.alloc.Alloc(size, node)
		if err != nil {
			_ = d.freeLocked()
			return err
		}
		d.raw[i] = b
		banks[i] = layout.FromBytes[T](b)
	}
	d.node = node
	d.banks.Store(&banks)
	d.log.Debugf("allocated 2x%d bytes on node %d", size, node)
	return nil
}

// Len returns the number of elements per bank.
func (d *DoubleBuffer[T]) Len() int { return d.n }

// Node returns the placement node.
func (d *DoubleBuffer[T]) Node() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.node
}

// CopyIn copies data into the passive bank. With a zero targetFrame the
// banks swap immediately; otherwise the bank is marked dirty and the swap
// happens once ActiveAt sees targetFrame.
func (d *DoubleBuffer[T]) CopyIn(data []T, targetFrame uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.copyLocked(data); err != nil {
		return err
	}
	if targetFrame == 0 {
		d.swapLocked()
		return nil
	}
	d.target.Store(targetFrame)
	d.dirty.Store(true)
	return nil
}

// CopyAndSwap copies data into the passive bank and swaps immediately.
func (d *DoubleBuffer[T]) CopyAndSwap(data []T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.copyLocked(data); err != nil {
		return err
	}
	d.swapLocked()
	return nil
}

func (d *DoubleBuffer[T]) copyLocked(data []T) error {
	if len(data) > d.n {
		return fmt.Errorf("%w: %d elements into a bank of %d", shmerr.ErrOutOfBounds, len(data), d.n)
	}
	if err := d.allocateLocked(d.node); err != nil {
		return err
	}
	copy(d.banks.Load()[d.active.Load()^1], data)
	return nil
}

func (d *DoubleBuffer[T]) swapLocked() {
	d.active.Store(d.active.Load() ^ 1)
	d.dirty.Store(false)
	d.target.Store(0)
}

// Active returns the active bank without checking for a pending swap. It is
// nil until the banks are allocated and after Close.
func (d *DoubleBuffer[T]) Active() []T {
	banks := d.banks.Load()
	if banks == nil {
		return nil
	}
	return banks[d.active.Load()]
}

// ActiveAt performs a pending swap when frame has reached its target, then
// returns the active bank.
func (d *DoubleBuffer[T]) ActiveAt(frame uint64) []T {
	if d.dirty.Load() && d.due(frame) {
		d.mu.Lock()
		if d.dirty.Load() && d.due(frame) {
			d.swapLocked()
		}
		d.mu.Unlock()
	}
	return d.Active()
}

func (d *DoubleBuffer[T]) due(frame uint64) bool {
	return frame >= d.target.Load()
}

// Pending reports whether a copied bank awaits its swap and its target.
func (d *DoubleBuffer[T]) Pending() (target uint64, dirty bool) {
	return d.target.Load(), d.dirty.Load()
}

// Close releases both banks.
func (d *DoubleBuffer[T]) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeLocked()
}

func (d *DoubleBuffer[T]) freeLocked() error {
	d.banks.Store(nil)
	var err error
	for i := range d.raw {
		if d.raw[i] != nil {
			if ferr := d.alloc.Free(d.raw[i]); ferr != nil && err == nil {
				err = ferr
			}
		}
		d.raw[i] = nil
	}
	d.dirty.Store(false)
	d.target.Store(0)
	return err
}
