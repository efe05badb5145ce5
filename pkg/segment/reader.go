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
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/shmerr"
)

// spinCheck is how many spins pass between context checks.
const spinCheck = 1024

// Reader is the consumer side of a segment.
type Reader struct {
	*Segment

	missed atomic.Uint64
}

// Attach maps an existing segment for reading and discovers its
// semaphores.
func Attach(ctx context.Context, name string, cfg *Config) (*Reader, error) {
	s, err := attach(ctx, name, cfg, "Attach")
	if err != nil {
		return nil, err
	}
	return &Reader{Segment: s}, nil
}

// AttachWithRetry retries Attach with exponential backoff while the
// producer has not created the segment yet, for at most maxWait.
func AttachWithRetry(ctx context.Context, name string, cfg *Config, maxWait time.Duration) (*Reader, error) {
	return retry(ctx, maxWait, func() (*Reader, error) { return Attach(ctx, name, cfg) })
}

// WaitSemaphore waits for frame semaphore i. A timeout <= 0 waits forever;
// otherwise shmerr.ErrTimeout is returned when no frame arrived in time.
func (r *Reader) WaitSemaphore(i int, timeout time.Duration) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	err := r.sems.Wait(i, timeout)
	if errors.Is(err, shmerr.ErrTimeout) {
		r.cfg.Metrics.ObserveTimeout(r.local)
	}
	return err
}

// WaitLog waits on the log semaphore, which every completed write posts.
func (r *Reader) WaitLog(timeout time.Duration) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	h := r.sems.Log()
	if h == nil {
		return fmt.Errorf("%w: %s has no log semaphore", shmerr.ErrNotFound, r.local)
	}
	err := h.Wait(timeout)
	if errors.Is(err, shmerr.ErrTimeout) {
		r.cfg.Metrics.ObserveTimeout(r.local)
	}
	return err
}

// WaitCounter spins until cnt0 moves past its value at call time and
// returns the new value. It burns a core; ctx is polled between spins.
// Skipped frames are not reported; use WaitCounterSpin for that.
func (r *Reader) WaitCounter(ctx context.Context) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	return r.spin(ctx, r.hdr.Cnt0()+1)
}

// WaitCounterSpin spins, yielding the processor, until cnt0 reaches
// target. Overshooting target means frames were missed: this is logged as a
// discontinuity and counted, but is not an error.
func (r *Reader) WaitCounterSpin(ctx context.Context, target uint64) (uint64, error) {
	c, err := r.spin(ctx, target)
	if err == nil && c > target {
		r.discontinuity(target, c)
	}
	return c, err
}

// spin waits for cnt0 >= target while holding the use guard, so Close
// cannot unmap the header under it.
func (r *Reader) spin(ctx context.Context, target uint64) (uint64, error) {
	r.inUse.RLock()
	defer r.inUse.RUnlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	for i := 1; ; i++ {
		if c := r.hdr.Cnt0(); c >= target {
			return c, nil
		}
		if i%spinCheck == 0 {
			if err := r.checkOpen(); err != nil {
				return 0, err
			}
			if err := ctx.Err(); err != nil {
				return r.hdr.Cnt0(), err
			}
		}
		runtime.Gosched()
	}
}

func (r *Reader) discontinuity(expected, got uint64) {
	missed := got - expected
	r.missed.Add(missed)
	r.cfg.Metrics.ObserveDiscontinuity(r.local, missed)
	r.log.Warnf("%v: expected frame %d, got %d (%d missed)", shmerr.ErrDiscontinuity, expected, got, missed)
}

// Missed returns the number of frames skipped by counter waits so far.
func (r *Reader) Missed() uint64 { return r.missed.Load() }

// Data returns the live payload of v as a []T. The slice aliases shared
// memory: the writer may change it at any time. T must match the segment's
// element type.
func Data[T layout.Element](v View) ([]T, error) {
	s := v.view()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return layout.Payload[T](s.arena)
}

// ReadInto copies the payload of v into dst, which must hold NElement
// elements, and returns the cnt0 the copy belongs to. Unless the segment was
// attached with UnsafeReads the copy is retried until no write overlapped it.
func ReadInto[T layout.Element](v View, dst []T) (uint64, error) {
	s := v.view()
	src, err := Data[T](v)
	if err != nil {
		return 0, err
	}
	if len(dst) < len(src) {
		return 0, fmt.Errorf("%w: destination holds %d elements, payload has %d", shmerr.ErrOutOfBounds, len(dst), len(src))
	}
	return s.snapshot(func() { copy(dst, src) })
}

// snapshot runs read under the seqlock and returns the matching cnt0. A
// write that stays open for longer than SnapshotTimeout yields ErrTimeout.
func (s *Segment) snapshot(read func()) (uint64, error) {
	s.inUse.RLock()
	defer s.inUse.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if s.cfg.UnsafeReads {
		c := s.hdr.Cnt0()
		read()
		return c, nil
	}
	var deadline time.Time
	for i := 1; ; i++ {
		seq := s.hdr.Seq()
		if seq&1 == 0 {
			c := s.hdr.Cnt0()
			read()
			if s.hdr.Seq() == seq {
				return c, nil
			}
		}
		if i%spinCheck == 0 {
			if err := s.checkOpen(); err != nil {
				return 0, err
			}
			now := time.Now()
			if deadline.IsZero() {
				deadline = now.Add(s.cfg.SnapshotTimeout)
			} else if now.After(deadline) {
				return 0, fmt.Errorf("%w: %s: write open for more than %s (seq=%d)", shmerr.ErrTimeout, s.local, s.cfg.SnapshotTimeout, s.hdr.Seq())
			}
		}
		runtime.Gosched()
	}
}
