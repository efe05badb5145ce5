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

// Package api defines the contracts between frame segments and the loops
// that drive them: a producer worker writes frames, a consumer worker waits
// for them, double buffers ask for node placed memory and every component
// reports to a log sink.
package api

import (
	"context"
	"time"

	"github.com/srediag/shmim/pkg/segment"
)

// FrameWriter is what a producer loop calls once per frame.
type FrameWriter interface {
	WriteFullBytes(src []byte) error
	WriteChunkBytes(src []byte, c segment.Chunk) error
	FinalizeChunk() error
	SetFrameID(id uint64)
	Counter() uint64
}

// FrameWaiter is what a consumer loop blocks on before reading a frame.
type FrameWaiter interface {
	WaitSemaphore(index int, timeout time.Duration) error
	WaitCounter(ctx context.Context) (uint64, error)
	WaitCounterSpin(ctx context.Context, target uint64) (uint64, error)
	Counter() uint64
	FrameID() uint64
}

// NodeAllocator places memory on a NUMA node.
type NodeAllocator interface {
	Alloc(size, node int) ([]byte, error)
	Free(b []byte) error
}

// Sink receives informational, warning and error events. Components never
// branch on what the sink does with them.
type Sink interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
