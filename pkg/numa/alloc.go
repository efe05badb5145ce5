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

package numa

import (
	"fmt"
	"unsafe"

	"github.com/srediag/shmim/pkg/shmerr"
)

// AnyNode lets the allocator place memory wherever the kernel likes.
const AnyNode = -1

// Allocator hands out memory placed on a NUMA node.
type Allocator interface {
	// Alloc returns size zeroed bytes preferring node, or any node for
	// AnyNode. The slice is 8 byte aligned.
	Alloc(size, node int) ([]byte, error)
	// Free releases memory returned by Alloc.
	Free(b []byte) error
	// Topology returns the node map used for placement.
	Topology() *Topology
}

// HeapAllocator ignores placement and allocates from the Go heap.
type HeapAllocator struct {
	topo *Topology
}

// NewHeapAllocator returns an allocator without placement.
func NewHeapAllocator(topo *Topology) *HeapAllocator {
	if topo == nil {
		topo = singleNode()
	}
	return &HeapAllocator{topo: topo}
}

// Alloc implements Allocator.
func (h *HeapAllocator) Alloc(size, node int) ([]byte, error) {
	if err := checkRequest(h.topo, size, node); err != nil {
		return nil, err
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

// Free implements Allocator. Heap memory is reclaimed by the collector.
func (h *HeapAllocator) Free([]byte) error { return nil }

// Topology implements Allocator.
func (h *HeapAllocator) Topology() *Topology { return h.topo }

func checkRequest(topo *Topology, size, node int) error {
	if size <= 0 {
		return fmt.Errorf("%w: allocation of %d bytes", shmerr.ErrConfiguration, size)
	}
	if node != AnyNode && !topo.HasNode(node) {
		return fmt.Errorf("%w: numa node %d does not exist", shmerr.ErrConfiguration, node)
	}
	return nil
}
