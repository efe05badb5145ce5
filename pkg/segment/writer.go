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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmim/internal/shm"
	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/sem"
	"github.com/srediag/shmim/pkg/shmerr"
)

// Writer is the producer side of a segment. Only one writer per segment is
// supported; callers guarantee it by convention. Methods are safe for use
// by several goroutines of that one writer.
type Writer struct {
	*Segment

	mu      sync.Mutex
	acc     []uint64
	scratch []uint64
}

// Chunk describes one partial write.
type Chunk struct {
	// Position is the first element written.
	Position uint64
	// PacketID is the index of this chunk within the frame.
	PacketID uint64
	// PacketTotal is the number of chunks in the frame.
	PacketTotal uint64
	// FrameNumber is the source frame the chunk belongs to.
	FrameNumber uint64
}

// Create makes a fresh zero-filled segment called name holding shape
// elements of type dt. A shared segment is backed by a file and gets
// cfg.NumSemaphores frame semaphores plus the log semaphore, replacing any
// semaphore files left by an earlier segment of the same local name. A non
// shared segment lives on the heap and has no semaphores.
func Create(ctx context.Context, name string, shape []uint32, dt layout.DataType, cfg *Config) (_ *Writer, err error) {
	cfg = cfg.withDefaults()
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	path := ResolvePath(name, cfg.Dir)
	ctx, span := cfg.Tracer.Start(ctx, "segment.Create", trace.WithAttributes(
		attribute.String("shmim.path", path),
		attribute.String("shmim.datatype", dt.String()),
		attribute.Bool("shmim.shared", cfg.Shared),
	))
	defer func() { endSpan(span, err) }()

	l, err := layout.New(dt, shape, cfg.NBKw)
	if err != nil {
		return nil, err
	}
	local, err := sem.DeriveLocalName(path)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.Named(local)

	s := &Segment{name: name, local: local, cfg: cfg, log: log}
	var mem []byte
	if cfg.Shared {
		if cfg.CheckFreeSpace && !shm.CanCreate(uint64(l.TotalSize), filepath.Dir(path)) {
			return nil, fmt.Errorf("%w: not enough free space in %s for %d bytes", shmerr.ErrAllocation, filepath.Dir(path), l.TotalSize)
		}
		region, err := shm.MapRegion(ctx, shm.MapOptions{Path: path, Size: l.TotalSize, Create: true})
		if err != nil {
			return nil, err
		}
		s.path = path
		s.region = region
		mem = region.Addr
	} else {
		s.heap, mem = heapRegion(l.TotalSize)
	}
	if s.arena, err = layout.NewArena(mem, l); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.hdr = s.arena.Header()
	s.hdr.Init(l, local, 0, cfg.Shared, os.Getpid(), time.Now().UnixNano())
	s.arena.ResetKeywords()

	if cfg.Shared {
		// The header of a fresh file records no semaphores, so every
		// leftover file for this local name is unlinked and rebuilt.
		sems, err := sem.Provision(cfg.SemDir, local, -1, cfg.NumSemaphores, log)
		if err != nil {
			_ = s.Close()
			_ = os.Remove(path)
			return nil, err
		}
		s.sems = sems
		s.hdr.SetNSem(sems.Len())
		if err := sems.ProvisionLog(); err != nil {
			_ = s.Close()
			_ = s.removeFiles()
			return nil, err
		}
	}
	log.Infof("created %s: %s %v, %d bytes, %d semaphores", path, dt, l.Shape(), l.TotalSize, s.sems.Len())
	return &Writer{Segment: s}, nil
}

// Open maps an existing segment for writing and discovers its semaphores.
func Open(ctx context.Context, name string, cfg *Config) (*Writer, error) {
	s, err := attach(ctx, name, cfg, "Open")
	if err != nil {
		return nil, err
	}
	if s.hdr.RecoverWrite() {
		s.log.Warnf("%s: closed a write left open by a previous writer (cnt0=%d)", s.local, s.hdr.Cnt0())
	}
	return &Writer{Segment: s}, nil
}

// OpenWithRetry retries Open with exponential backoff while the segment
// does not exist yet, for at most maxWait.
func OpenWithRetry(ctx context.Context, name string, cfg *Config, maxWait time.Duration) (*Writer, error) {
	return retry(ctx, maxWait, func() (*Writer, error) { return Open(ctx, name, cfg) })
}

func retry[T any](ctx context.Context, maxWait time.Duration, op func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = maxWait
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !shmerr.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(eb, ctx))
}

// WriteFull copies data into the payload from element 0 and completes the
// write: cnt0 is incremented, atime stamped and every semaphore posted.
func WriteFull[T layout.Element](w *Writer, data []T) error {
	if err := w.checkType(layout.TypeOf[T]()); err != nil {
		return err
	}
	return w.WriteFullBytes(layout.AsBytes(data))
}

// WriteFullBytes is WriteFull for raw payload bytes. len(src) must be a
// multiple of the element size.
func (w *Writer) WriteFullBytes(src []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	n, err := w.elements(src)
	if err != nil {
		return err
	}
	return w.writeFullLocked(src, n)
}

func (w *Writer) writeFullLocked(src []byte, n uint64) error {
	dst, err := w.arena.PayloadRange(0, n)
	if err != nil {
		return err
	}
	w.hdr.SetWriting(true)
	w.hdr.BeginWrite()
	copy(dst, src)
	return w.completeLocked()
}

// WriteChunk copies data into the payload at c.Position and records the
// chunk bookkeeping. Nothing is signaled and cnt0 is unchanged until
// FinalizeChunk.
func WriteChunk[T layout.Element](w *Writer, data []T, c Chunk) error {
	if err := w.checkType(layout.TypeOf[T]()); err != nil {
		return err
	}
	return w.WriteChunkBytes(layout.AsBytes(data), c)
}

// WriteChunkBytes is WriteChunk for raw payload bytes.
func (w *Writer) WriteChunkBytes(src []byte, c Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	n, err := w.elements(src)
	if err != nil {
		return err
	}
	dst, err := w.arena.PayloadRange(c.Position, n)
	if err != nil {
		return err
	}
	w.hdr.SetWriting(true)
	w.hdr.BeginWrite()
	copy(dst, src)
	w.hdr.SetChunk(layout.ChunkState{
		LastPos:     c.Position,
		LastNb:      n,
		PacketNb:    c.PacketID,
		PacketTotal: c.PacketTotal,
	}, c.FrameNumber)
	w.hdr.EndWrite()
	w.hdr.SetWriting(false)
	w.cfg.Metrics.ObserveChunk(w.local)
	return nil
}

// FinalizeChunk completes a chunked write: cnt0 is incremented, atime
// stamped and every semaphore posted.
func (w *Writer) FinalizeChunk() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.hdr.SetWriting(true)
	w.hdr.BeginWrite()
	return w.completeLocked()
}

// completeLocked finishes a write opened with BeginWrite. Counters and
// timestamp are updated before the generation closes so a snapshot always
// pairs a payload with its cnt0; semaphores are posted last.
func (w *Writer) completeLocked() error {
	w.hdr.IncCnt0()
	w.hdr.SetATime(time.Now().UnixNano())
	w.hdr.EndWrite()
	w.hdr.SetWriting(false)

	posted, err := w.sems.PostAll()
	attempted := w.sems.Len()
	if w.sems.Log() != nil {
		attempted++
	}
	w.cfg.Metrics.ObserveFrame(w.local, posted, attempted)
	if err != nil {
		return fmt.Errorf("%w: %v", shmerr.ErrAllocation, err)
	}
	return nil
}

func (w *Writer) elements(src []byte) (uint64, error) {
	es := w.arena.L.DataType.Size()
	if len(src)%es != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of %s elements", shmerr.ErrTypeMismatch, len(src), w.arena.L.DataType)
	}
	return uint64(len(src) / es), nil
}

func (s *Segment) checkType(dt layout.DataType) error {
	if dt != s.arena.L.DataType {
		return fmt.Errorf("%w: segment holds %s, got %s", shmerr.ErrTypeMismatch, s.arena.L.DataType, dt)
	}
	return nil
}

// SetFrameID stores the caller's frame identifier in cnt2.
func (w *Writer) SetFrameID(id uint64) { w.hdr.SetCnt2(id) }

// SetCounter1 stores the reserved cnt1 counter.
func (w *Writer) SetCounter1(v uint64) { w.hdr.SetCnt1(v) }

// SetKeyword writes keyword record i.
func (w *Writer) SetKeyword(i int, k layout.Keyword) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.arena.SetKeyword(i, k)
}

// ProvisionSemaphores rebuilds the frame semaphores so exactly n exist and
// records n in the header. When n differs from the recorded count every
// semaphore file of this segment is unlinked first, which affects every
// attached process.
func (w *Writer) ProvisionSemaphores(ctx context.Context, n int) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	if !w.Shared() {
		return fmt.Errorf("%w: heap segment %s has no semaphores", shmerr.ErrConfiguration, w.name)
	}
	_, span := w.cfg.Tracer.Start(ctx, "segment.ProvisionSemaphores", trace.WithAttributes(
		attribute.String("shmim.path", w.path),
		attribute.Int("shmim.semaphores", n),
	))
	defer func() { endSpan(span, err) }()

	hadLog := w.sems.Log() != nil
	sems, err := sem.Provision(w.cfg.SemDir, w.local, w.hdr.NSem(), n, w.log)
	if err != nil {
		return err
	}
	_ = w.sems.Close()
	w.sems = sems
	w.hdr.SetNSem(sems.Len())
	if hadLog && sems.Log() == nil {
		w.log.Warnf("log semaphore of %s disappeared during provisioning", w.local)
	}
	return nil
}

// Destroy closes the writer and unlinks the backing file, every frame
// semaphore and the log semaphore.
func (w *Writer) Destroy(ctx context.Context) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, span := w.cfg.Tracer.Start(ctx, "segment.Destroy", trace.WithAttributes(
		attribute.String("shmim.path", w.path),
	))
	defer func() { endSpan(span, err) }()

	err = w.Segment.Close()
	if rerr := w.removeFiles(); rerr != nil {
		err = fmt.Errorf("%w: remove %s: %v", shmerr.ErrAllocation, w.path, rerr)
	}
	w.log.Infof("destroyed %s", w.path)
	return err
}

// Close unmaps the segment. Files are left in place.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Segment.Close()
}
