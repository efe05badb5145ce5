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

package layout

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/srediag/shmim/pkg/shmerr"
)

const (
	// Magic identifies a frame segment file.
	Magic = "SHMIMG\x00\x00"
	// Version is the header layout revision.
	Version = uint32(1)
	// HeaderSize is the size of Header, a multiple of 64 so the payload
	// starts cache-line aligned.
	HeaderSize = 4352
	// MaxAxes is the largest supported axis count.
	MaxAxes = 3
	// NameLen is the capacity of the name field including the NUL.
	NameLen = 80
	// MaxPackets bounds the per-chunk audit trail.
	MaxPackets = 512
)

// Header is the metadata block at offset 0 of every segment. It is mapped
// directly onto shared memory; counters are read and written with atomics.
type Header struct {
	magic        [8]byte            // 0x0000
	version      uint32             // 0x0008
	dataType     uint32             // 0x000C
	naxis        uint32             // 0x0010
	size         [MaxAxes]uint32    // 0x0014
	nelement     uint64             // 0x0020
	nbkw         uint32             // 0x0028
	nsem         uint32             // 0x002C
	shared       uint32             // 0x0030
	write        uint32             // 0x0034 advisory
	seq          uint64             // 0x0038 odd while a write is in progress
	cnt0         uint64             // 0x0040
	cnt1         uint64             // 0x0048
	cnt2         uint64             // 0x0050
	creationTime int64              // 0x0058
	atime        int64              // 0x0060
	lastPos      uint64             // 0x0068
	lastNb       uint64             // 0x0070
	packetNb     uint64             // 0x0078
	packetTotal  uint64             // 0x0080
	creatorPID   uint32             // 0x0088
	_            uint32             // 0x008C
	name         [NameLen]byte      // 0x0090
	lastNbArray  [MaxPackets]uint64 // 0x00E0
	_            [32]byte           // 0x10E0
}

func init() {
	if sz := unsafe.Sizeof(Header{}); sz != HeaderSize {
		panic(fmt.Sprintf("layout: Header size is %d, expected %d", sz, HeaderSize))
	}
}

// HeaderAt views the first HeaderSize bytes of mem as a Header.
func HeaderAt(mem []byte) *Header {
	return (*Header)(unsafe.Pointer(&mem[0]))
}

// Init stamps a fresh header for layout l.
func (h *Header) Init(l Layout, name string, nsem int, shared bool, pid int, now int64) {
	copy(h.magic[:], Magic)
	h.version = Version
	h.dataType = uint32(l.DataType)
	h.naxis = uint32(l.NAxis)
	h.size = l.Size
	h.nelement = l.NElement
	h.nbkw = uint32(l.NBKw)
	h.creatorPID = uint32(pid)
	h.name = [NameLen]byte{}
	copy(h.name[:NameLen-1], name)
	if shared {
		h.shared = 1
	}
	atomic.StoreUint32(&h.nsem, uint32(nsem))
	atomic.StoreUint32(&h.write, 0)
	atomic.StoreUint64(&h.seq, 0)
	atomic.StoreUint64(&h.cnt0, 0)
	atomic.StoreUint64(&h.cnt1, 0)
	atomic.StoreUint64(&h.cnt2, 0)
	atomic.StoreInt64(&h.creationTime, now)
	atomic.StoreInt64(&h.atime, now)
}

// Validate checks the magic and version of a mapped header.
func (h *Header) Validate() error {
	if !bytes.Equal(h.magic[:], []byte(Magic)) {
		return fmt.Errorf("%w: bad magic %q", shmerr.ErrConfiguration, h.magic[:])
	}
	if h.version != Version {
		return fmt.Errorf("%w: unsupported header version %d", shmerr.ErrConfiguration, h.version)
	}
	return nil
}

// DataType returns the element type tag.
func (h *Header) DataType() DataType { return DataType(h.dataType) }

// NAxis returns the axis count.
func (h *Header) NAxis() int { return int(h.naxis) }

// Size returns the per-axis element counts. Unused axes read as 1.
func (h *Header) Size() [MaxAxes]uint32 { return h.size }

// NElement returns the element count fixed at creation.
func (h *Header) NElement() uint64 { return h.nelement }

// NBKw returns the keyword table length.
func (h *Header) NBKw() int { return int(h.nbkw) }

// Shared reports whether the segment lives in a mapped file.
func (h *Header) Shared() bool { return h.shared != 0 }

// CreatorPID returns the pid of the creating process.
func (h *Header) CreatorPID() int { return int(h.creatorPID) }

// Name returns the segment name stored at creation.
func (h *Header) Name() string {
	n := bytes.IndexByte(h.name[:], 0)
	if n < 0 {
		n = len(h.name)
	}
	return string(h.name[:n])
}

// NSem returns the recorded semaphore count.
func (h *Header) NSem() int { return int(atomic.LoadUint32(&h.nsem)) }

// SetNSem records a new semaphore count after re-provisioning.
func (h *Header) SetNSem(n int) { atomic.StoreUint32(&h.nsem, uint32(n)) }

// Writing returns the advisory write flag.
func (h *Header) Writing() bool { return atomic.LoadUint32(&h.write) != 0 }

// SetWriting sets the advisory write flag.
func (h *Header) SetWriting(w bool) {
	var v uint32
	if w {
		v = 1
	}
	atomic.StoreUint32(&h.write, v)
}

// Seq returns the write generation. It is odd while a write is in progress.
func (h *Header) Seq() uint64 { return atomic.LoadUint64(&h.seq) }

// BeginWrite moves the generation to the next odd value. A generation left
// odd by a writer that died mid-write still advances to a fresh odd value.
func (h *Header) BeginWrite() {
	for {
		cur := atomic.LoadUint64(&h.seq)
		if atomic.CompareAndSwapUint64(&h.seq, cur, (cur+1)|1) {
			return
		}
	}
}

// EndWrite moves the generation to the next even value.
func (h *Header) EndWrite() {
	for {
		cur := atomic.LoadUint64(&h.seq)
		if atomic.CompareAndSwapUint64(&h.seq, cur, (cur|1)+1) {
			return
		}
	}
}

// RecoverWrite closes a write abandoned by a writer that exited between
// BeginWrite and EndWrite. It reports whether one was pending.
func (h *Header) RecoverWrite() bool {
	for {
		cur := atomic.LoadUint64(&h.seq)
		if cur&1 == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&h.seq, cur, cur+1) {
			h.SetWriting(false)
			return true
		}
	}
}

// Cnt0 returns the completed-write counter.
func (h *Header) Cnt0() uint64 { return atomic.LoadUint64(&h.cnt0) }

// IncCnt0 increments the completed-write counter and returns the new value.
func (h *Header) IncCnt0() uint64 { return atomic.AddUint64(&h.cnt0, 1) }

// Cnt1 returns the reserved counter.
func (h *Header) Cnt1() uint64 { return atomic.LoadUint64(&h.cnt1) }

// SetCnt1 sets the reserved counter.
func (h *Header) SetCnt1(v uint64) { atomic.StoreUint64(&h.cnt1, v) }

// Cnt2 returns the external frame identifier.
func (h *Header) Cnt2() uint64 { return atomic.LoadUint64(&h.cnt2) }

// SetCnt2 sets the external frame identifier.
func (h *Header) SetCnt2(v uint64) { atomic.StoreUint64(&h.cnt2, v) }

// CreationTime returns the creation timestamp in Unix nanoseconds.
func (h *Header) CreationTime() int64 { return atomic.LoadInt64(&h.creationTime) }

// ATime returns the timestamp of the last completed write in Unix nanoseconds.
func (h *Header) ATime() int64 { return atomic.LoadInt64(&h.atime) }

// SetATime stamps the last completed write.
func (h *Header) SetATime(ns int64) { atomic.StoreInt64(&h.atime, ns) }

// ChunkState is the bookkeeping of the most recent partial write.
type ChunkState struct {
	LastPos     uint64
	LastNb      uint64
	PacketNb    uint64
	PacketTotal uint64
}

// Chunk returns the chunk bookkeeping.
func (h *Header) Chunk() ChunkState {
	return ChunkState{
		LastPos:     atomic.LoadUint64(&h.lastPos),
		LastNb:      atomic.LoadUint64(&h.lastNb),
		PacketNb:    atomic.LoadUint64(&h.packetNb),
		PacketTotal: atomic.LoadUint64(&h.packetTotal),
	}
}

// SetChunk records a partial write and, when packetID fits the audit trail,
// the source frame number for that packet.
func (h *Header) SetChunk(c ChunkState, frameNumber uint64) {
	atomic.StoreUint64(&h.lastPos, c.LastPos)
	atomic.StoreUint64(&h.lastNb, c.LastNb)
	atomic.StoreUint64(&h.packetNb, c.PacketNb)
	atomic.StoreUint64(&h.packetTotal, c.PacketTotal)
	if c.PacketNb < MaxPackets {
		atomic.StoreUint64(&h.lastNbArray[c.PacketNb], frameNumber)
	}
}

// PacketFrame returns the frame number recorded for packetID.
func (h *Header) PacketFrame(packetID int) uint64 {
	if packetID < 0 || packetID >= MaxPackets {
		return 0
	}
	return atomic.LoadUint64(&h.lastNbArray[packetID])
}
