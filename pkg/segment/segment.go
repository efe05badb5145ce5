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

// Package segment implements the writer and reader sides of a shared memory
// frame segment: a typed array plus metadata mapped from a file, signaled to
// consumers through saturating named semaphores and a frame counter.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmim/internal/shm"
	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/sem"
	"github.com/srediag/shmim/pkg/shmerr"
)

// Segment is one attachment to a frame segment. It is embedded by Writer and
// Reader; on its own it only exposes metadata.
type Segment struct {
	name  string
	path  string
	local string
	cfg   *Config
	log   *logging.Logger

	region *shm.MappedRegion
	heap   []uint64
	arena  layout.Arena
	hdr    *layout.Header
	sems   *sem.Set

	// inUse is held shared by loops that read the mapping and exclusively
	// by Close before it unmaps.
	inUse  sync.RWMutex
	closed atomic.Bool
}

// View is implemented by anything backed by a Segment.
type View interface {
	view() *Segment
}

func (s *Segment) view() *Segment { return s }

// attach maps an existing backing file and binds its layout and semaphores.
func attach(ctx context.Context, name string, cfg *Config, op string) (_ *Segment, err error) {
	cfg = cfg.withDefaults()
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	path := ResolvePath(name, cfg.Dir)
	ctx, span := cfg.Tracer.Start(ctx, "segment."+op, trace.WithAttributes(
		attribute.String("shmim.path", path),
	))
	defer func() { endSpan(span, err) }()

	local, err := sem.DeriveLocalName(path)
	if err != nil {
		return nil, err
	}
	region, err := shm.MapRegion(ctx, shm.MapOptions{Path: path})
	if err != nil {
		return nil, err
	}
	s, err := bind(region, path, local, cfg)
	if err != nil {
		_ = shm.UnmapRegion(region)
		return nil, err
	}
	s.name = name
	sems, err := sem.Discover(cfg.SemDir, local, s.log)
	if err != nil {
		_ = shm.UnmapRegion(region)
		return nil, err
	}
	s.sems = sems
	if rec := s.hdr.NSem(); rec != sems.Len() {
		s.log.Warnf("%s records %d semaphores, found %d", local, rec, sems.Len())
	}
	s.log.Infof("%s %s: %s %v, %d semaphores", op, path, s.arena.L.DataType, s.arena.L.Shape(), sems.Len())
	span.SetAttributes(attribute.Int("shmim.semaphores", sems.Len()))
	return s, nil
}

func bind(region *shm.MappedRegion, path, local string, cfg *Config) (*Segment, error) {
	if region.Size() < layout.HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, shorter than a header", shmerr.ErrConfiguration, path, region.Size())
	}
	hdr := layout.HeaderAt(region.Addr)
	l, err := layout.FromHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	arena, err := layout.NewArena(region.Addr, l)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log := cfg.Logger.Named(local)
	if region.Size() != l.TotalSize {
		log.Warnf("%s is %d bytes, layout needs %d", path, region.Size(), l.TotalSize)
	}
	return &Segment{
		path:   path,
		local:  local,
		cfg:    cfg,
		log:    log,
		region: region,
		arena:  arena,
		hdr:    hdr,
	}, nil
}

// heapRegion returns size bytes backed by a []uint64 so the header and every
// element type stay aligned.
func heapRegion(size int) ([]uint64, []byte) {
	words := make([]uint64, (size+7)/8)
	return words, unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Segment) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", shmerr.ErrClosed, s.path)
	}
	return nil
}

// Name returns the name the segment was created or opened with.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file, empty for a heap segment.
func (s *Segment) Path() string { return s.path }

// LocalName returns the name semaphores are derived from.
func (s *Segment) LocalName() string { return s.local }

// Layout returns the byte layout.
func (s *Segment) Layout() layout.Layout { return s.arena.L }

// DataType returns the element type.
func (s *Segment) DataType() layout.DataType { return s.arena.L.DataType }

// Shape returns the used axes.
func (s *Segment) Shape() []uint32 { return s.arena.L.Shape() }

// NElement returns the number of payload elements.
func (s *Segment) NElement() uint64 { return s.arena.L.NElement }

// Shared reports whether the segment is file backed.
func (s *Segment) Shared() bool { return s.region != nil }

// Counter returns cnt0, the completed write counter.
func (s *Segment) Counter() uint64 { return s.hdr.Cnt0() }

// Counter1 returns the reserved cnt1 counter.
func (s *Segment) Counter1() uint64 { return s.hdr.Cnt1() }

// FrameID returns cnt2, the caller supplied frame identifier.
func (s *Segment) FrameID() uint64 { return s.hdr.Cnt2() }

// Writing reports the advisory write flag.
func (s *Segment) Writing() bool { return s.hdr.Writing() }

// LastWriteTime returns the time of the last completed write.
func (s *Segment) LastWriteTime() time.Time { return time.Unix(0, s.hdr.ATime()) }

// CreationTime returns the time the segment was created.
func (s *Segment) CreationTime() time.Time { return time.Unix(0, s.hdr.CreationTime()) }

// ChunkState returns the bookkeeping of the latest partial write.
func (s *Segment) ChunkState() layout.ChunkState { return s.hdr.Chunk() }

// PacketFrame returns the source frame recorded for a chunk packet.
func (s *Segment) PacketFrame(packetID int) uint64 { return s.hdr.PacketFrame(packetID) }

// RecordedSemaphores returns the semaphore count stored in the header.
func (s *Segment) RecordedSemaphores() int { return s.hdr.NSem() }

// Semaphores returns the runtime number of frame semaphores.
func (s *Segment) Semaphores() int { return s.sems.Len() }

// Keyword returns keyword record i.
func (s *Segment) Keyword(i int) (layout.Keyword, error) {
	if err := s.checkOpen(); err != nil {
		return layout.Keyword{}, err
	}
	return s.arena.Keyword(i)
}

// Keywords returns every set keyword.
func (s *Segment) Keywords() []layout.Keyword {
	if s.closed.Load() {
		return nil
	}
	return s.arena.Keywords()
}

// FindKeyword returns the index of the keyword called name.
func (s *Segment) FindKeyword(name string) (int, bool) {
	if s.closed.Load() {
		return 0, false
	}
	return s.arena.FindKeyword(name)
}

// Close releases the mapping and semaphore handles. Files are left in place.
// The payload must not be used after Close.
func (s *Segment) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.inUse.Lock()
	defer s.inUse.Unlock()
	var errs []error
	errs = append(errs, s.sems.Close())
	if s.region != nil {
		errs = append(errs, shm.UnmapRegion(s.region))
	}
	s.heap = nil
	return errors.Join(errs...)
}

func (s *Segment) removeFiles() error {
	if s.region == nil {
		return nil
	}
	err := s.sems.Unlink()
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}
