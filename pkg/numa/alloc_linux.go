//go:build linux

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
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmim/internal/shm"
	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/shmerr"
)

const mpolPreferred = 1

// MbindAllocator maps anonymous memory and binds it to a node with
// mbind(MPOL_PREFERRED). When the kernel refuses the policy, for example in
// a container without CAP_SYS_NICE, the memory is still returned and
// placement falls back to first touch.
type MbindAllocator struct {
	topo *Topology
	log  *logging.Logger

	mu      sync.Mutex
	regions map[*byte]*shm.MappedRegion
}

// New returns the placement allocator for this platform.
func New(log *logging.Logger) Allocator {
	return NewMbindAllocator(Detect(log), log)
}

// NewMbindAllocator returns an allocator placing memory by topo.
func NewMbindAllocator(topo *Topology, log *logging.Logger) *MbindAllocator {
	return &MbindAllocator{topo: topo, log: log, regions: map[*byte]*shm.MappedRegion{}}
}

// Alloc implements Allocator.
func (a *MbindAllocator) Alloc(size, node int) ([]byte, error) {
	if err := checkRequest(a.topo, size, node); err != nil {
		return nil, err
	}
	region, err := shm.MapAnonymous(size)
	if err != nil {
		return nil, err
	}
	if node != AnyNode && a.topo.NumNodes() > 1 {
		if err := mbind(region.Addr, node); err != nil {
			a.log.Warnf("mbind %d bytes to node %d: %v, using first touch placement", size, node, err)
		}
	}
	a.mu.Lock()
	a.regions[&region.Addr[0]] = region
	a.mu.Unlock()
	return region.Addr, nil
}

// Free implements Allocator.
func (a *MbindAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	a.mu.Lock()
	region, ok := a.regions[&b[0]]
	delete(a.regions, &b[0])
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: buffer was not allocated here", shmerr.ErrConfiguration)
	}
	return shm.UnmapRegion(region)
}

// Topology implements Allocator.
func (a *MbindAllocator) Topology() *Topology { return a.topo }

func mbind(mem []byte, node int) error {
	mask := make([]uint64, node/64+1)
	mask[node/64] |= 1 << (uint(node) % 64)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)),
		mpolPreferred,
		uintptr(unsafe.Pointer(&mask[0])), uintptr(len(mask)*64+1),
		0)
	if errno != 0 {
		return errno
	}
	return nil
}
