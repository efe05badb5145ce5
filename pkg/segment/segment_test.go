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

package segment

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/metrics"
	"github.com/srediag/shmim/pkg/sem"
	"github.com/srediag/shmim/pkg/shmerr"
)

type SegmentTestSuite struct {
	suite.Suite
	dir string
	cfg *Config
	ctx context.Context
}

func (s *SegmentTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
	s.cfg = DefaultConfig()
	s.cfg.Dir = s.dir
	s.cfg.SemDir = s.dir
	s.cfg.NumSemaphores = 2
	s.cfg.Logger = logging.New("segment-test", os.Stdout, logging.LevelWarn)
}

func (s *SegmentTestSuite) create(name string, shape []uint32, dt layout.DataType) *Writer {
	w, err := Create(s.ctx, name, shape, dt, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = w.Close() })
	return w
}

func (s *SegmentTestSuite) attach(name string) *Reader {
	r, err := Attach(s.ctx, name, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func roundTrip[T layout.Element](s *SegmentTestSuite, shape []uint32, gen func(i int) T) {
	dt := layout.TypeOf[T]()
	name := "rt" + dt.String() + string(rune('0'+len(shape)))
	w := s.create(name, shape, dt)
	r := s.attach(name)

	in := make([]T, w.NElement())
	for i := range in {
		in[i] = gen(i)
	}
	s.Require().NoError(WriteFull(w, in))

	out := make([]T, r.NElement())
	cnt, err := ReadInto(r, out)
	s.Require().NoError(err)
	s.Equal(uint64(1), cnt)
	s.Equal(layout.AsBytes(in), layout.AsBytes(out), "%s %v", dt, shape)

	live, err := Data[T](w)
	s.Require().NoError(err)
	s.Equal(in, live)
}

func (s *SegmentTestSuite) TestRoundTripAllTypes() {
	for _, shape := range [][]uint32{{7}, {3, 5}, {2, 3, 4}} {
		roundTrip(s, shape, func(i int) uint8 { return uint8(i * 3) })
		roundTrip(s, shape, func(i int) int8 { return int8(-i) })
		roundTrip(s, shape, func(i int) uint16 { return uint16(i * 1000) })
		roundTrip(s, shape, func(i int) int16 { return int16(-i * 100) })
		roundTrip(s, shape, func(i int) uint32 { return uint32(i) << 20 })
		roundTrip(s, shape, func(i int) int32 { return int32(-i) << 20 })
		roundTrip(s, shape, func(i int) uint64 { return uint64(i) << 40 })
		roundTrip(s, shape, func(i int) int64 { return -int64(i) << 40 })
		roundTrip(s, shape, func(i int) float32 { return float32(i) * 0.5 })
		roundTrip(s, shape, func(i int) float64 { return float64(i) / 3 })
		roundTrip(s, shape, func(i int) complex64 { return complex(float32(i), -float32(i)) })
		roundTrip(s, shape, func(i int) complex128 { return complex(float64(i), 0.25) })
	}
}

func (s *SegmentTestSuite) TestEndToEndFloat32() {
	w := s.create(filepath.Join(s.dir, "t.im.shm"), []uint32{1, 4}, layout.TypeFloat32)
	r := s.attach(filepath.Join(s.dir, "t.im.shm"))
	s.Equal("t", r.LocalName())
	s.Equal(2, r.Semaphores())

	s.Require().NoError(WriteFull(w, []float32{1.0, 2.0, 3.0, 4.0}))
	s.Require().NoError(r.WaitSemaphore(0, time.Second))

	data, err := Data[float32](r)
	s.Require().NoError(err)
	s.Equal([]float32{1.0, 2.0, 3.0, 4.0}, data)
	s.Equal(uint64(1), r.Counter())
	s.False(r.Writing())
	s.False(r.LastWriteTime().Before(r.CreationTime()))
}

func (s *SegmentTestSuite) TestEndToEndChunked() {
	w := s.create("chunked", []uint32{10}, layout.TypeInt16)
	r := s.attach("chunked")

	type result struct {
		cnt uint64
		err error
	}
	started := make(chan struct{})
	done := make(chan result, 1)
	go func() {
		close(started)
		cnt, err := r.WaitCounter(context.Background())
		done <- result{cnt, err}
	}()
	<-started
	// WaitCounter samples cnt0 on entry; give it time to start spinning.
	time.Sleep(20 * time.Millisecond)

	s.Require().NoError(WriteChunk(w, []int16{1, 2, 3}, Chunk{Position: 0, PacketID: 0, PacketTotal: 2, FrameNumber: 41}))
	s.Require().NoError(WriteChunk(w, []int16{4, 5}, Chunk{Position: 3, PacketID: 1, PacketTotal: 2, FrameNumber: 42}))
	select {
	case <-done:
		s.FailNow("counter moved before finalize")
	case <-time.After(20 * time.Millisecond):
	}
	s.Equal(uint64(0), r.Counter())

	s.Require().NoError(w.FinalizeChunk())
	select {
	case res := <-done:
		s.Require().NoError(res.err)
		s.Equal(uint64(1), res.cnt)
	case <-time.After(5 * time.Second):
		s.FailNow("WaitCounter did not return after finalize")
	}

	data, err := Data[int16](r)
	s.Require().NoError(err)
	s.Equal([]int16{1, 2, 3, 4, 5, 0, 0, 0, 0, 0}, data)

	cs := r.ChunkState()
	s.Equal(layout.ChunkState{LastPos: 3, LastNb: 2, PacketNb: 1, PacketTotal: 2}, cs)
	s.Equal(uint64(41), r.PacketFrame(0))
	s.Equal(uint64(42), r.PacketFrame(1))
}

func (s *SegmentTestSuite) TestCounterMonotonicity() {
	w := s.create("mono", []uint32{4}, layout.TypeUint32)
	before := w.Counter()
	for i := 0; i < 5; i++ {
		s.Require().NoError(WriteFull(w, []uint32{1, 2, 3, 4}))
	}
	for i := 0; i < 3; i++ {
		s.Require().NoError(WriteChunk(w, []uint32{9}, Chunk{Position: uint64(i), PacketID: uint64(i), PacketTotal: 3}))
		s.Equal(before+5, w.Counter())
	}
	s.Require().NoError(w.FinalizeChunk())
	s.Equal(before+6, w.Counter())
}

func (s *SegmentTestSuite) TestSaturatingSignal() {
	w := s.create("sat", []uint32{2}, layout.TypeUint8)
	r := s.attach("sat")

	s.Require().NoError(WriteFull(w, []uint8{1, 2}))
	s.Require().NoError(WriteFull(w, []uint8{3, 4}))

	h, err := r.sems.Sem(0)
	s.Require().NoError(err)
	s.Equal(uint32(1), h.Value())
	s.Equal(uint32(1), r.sems.Log().Value())

	s.Require().NoError(r.WaitSemaphore(0, 100*time.Millisecond))
	s.ErrorIs(r.WaitSemaphore(0, 20*time.Millisecond), shmerr.ErrTimeout)
	s.Require().NoError(r.WaitSemaphore(1, 100*time.Millisecond))
	s.Require().NoError(r.WaitLog(100*time.Millisecond))
}

func (s *SegmentTestSuite) TestChunkInvisibleUntilFinalize() {
	w := s.create("inv", []uint32{6}, layout.TypeFloat64)
	r := s.attach("inv")

	s.Require().NoError(WriteChunk(w, []float64{1, 2}, Chunk{Position: 0, PacketID: 0, PacketTotal: 3}))
	s.Require().NoError(WriteChunk(w, []float64{3, 4}, Chunk{Position: 2, PacketID: 1, PacketTotal: 3}))
	s.ErrorIs(r.WaitSemaphore(0, 20*time.Millisecond), shmerr.ErrTimeout)

	s.Require().NoError(WriteChunk(w, []float64{5, 6}, Chunk{Position: 4, PacketID: 2, PacketTotal: 3}))
	s.Require().NoError(w.FinalizeChunk())
	s.Require().NoError(r.WaitSemaphore(0, time.Second))
	s.ErrorIs(r.WaitSemaphore(0, 20*time.Millisecond), shmerr.ErrTimeout)
}

func (s *SegmentTestSuite) TestBoundsAndTypes() {
	w := s.create("bounds", []uint32{4}, layout.TypeInt32)

	s.ErrorIs(WriteFull(w, []int32{1, 2, 3, 4, 5}), shmerr.ErrOutOfBounds)
	s.ErrorIs(WriteChunk(w, []int32{1, 2}, Chunk{Position: 3}), shmerr.ErrOutOfBounds)
	s.ErrorIs(WriteChunk(w, []int32{1}, Chunk{Position: 1 << 62}), shmerr.ErrOutOfBounds)
	s.ErrorIs(WriteFull(w, []float32{1}), shmerr.ErrTypeMismatch)
	s.ErrorIs(w.WriteFullBytes([]byte{1, 2, 3}), shmerr.ErrTypeMismatch)
	s.Equal(uint64(0), w.Counter())

	_, err := Data[uint32](w)
	s.ErrorIs(err, shmerr.ErrTypeMismatch)
	_, err = ReadInto(w, make([]int32, 2))
	s.ErrorIs(err, shmerr.ErrOutOfBounds)

	s.Require().NoError(WriteFull(w, []int32{7, 8}))
	data, err := Data[int32](w)
	s.Require().NoError(err)
	s.Equal([]int32{7, 8, 0, 0}, data)
}

func (s *SegmentTestSuite) TestCreateErrors() {
	_, err := Create(s.ctx, "bad", []uint32{2, 2, 2, 2}, layout.TypeUint8, s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)
	_, err = Create(s.ctx, "bad", []uint32{2, 0}, layout.TypeUint8, s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)
	_, err = Create(s.ctx, "bad", []uint32{2}, layout.DataType(42), s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)
	_, err = Create(s.ctx, filepath.Join(s.dir, "plain"), []uint32{2}, layout.TypeUint8, s.cfg)
	s.ErrorIs(err, shmerr.ErrNameFormat)
	w, err := Create(s.ctx, filepath.Join(s.dir, "missing", "x.im.shm"), []uint32{2}, layout.TypeUint8, s.cfg)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())

	cfg := *s.cfg
	cfg.NumSemaphores = sem.MaxSemaphores + 1
	_, err = Create(s.ctx, "bad", []uint32{2}, layout.TypeUint8, &cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func (s *SegmentTestSuite) TestOpenErrors() {
	_, err := Attach(s.ctx, "absent", s.cfg)
	s.ErrorIs(err, shmerr.ErrNotFound)
	_, err = Open(s.ctx, "absent", s.cfg)
	s.ErrorIs(err, shmerr.ErrNotFound)

	garbage := filepath.Join(s.dir, "garbage.im.shm")
	s.Require().NoError(os.WriteFile(garbage, make([]byte, layout.HeaderSize+64), 0o644))
	_, err = Attach(s.ctx, garbage, s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)

	short := filepath.Join(s.dir, "short.im.shm")
	s.Require().NoError(os.WriteFile(short, []byte("tiny"), 0o644))
	_, err = Attach(s.ctx, short, s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)

	w := s.create("trunc", []uint32{64}, layout.TypeFloat64)
	s.Require().NoError(os.Truncate(w.Path(), layout.HeaderSize+8))
	_, err = Attach(s.ctx, "trunc", s.cfg)
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func (s *SegmentTestSuite) TestOpenDiscoversSemaphores() {
	w := s.create("disc", []uint32{2}, layout.TypeUint16)
	s.Equal(2, w.RecordedSemaphores())

	w2, err := Open(s.ctx, "disc", s.cfg)
	s.Require().NoError(err)
	defer w2.Close()
	s.Equal(2, w2.Semaphores())

	s.Require().NoError(WriteFull(w2, []uint16{5, 6}))
	r := s.attach("disc")
	s.Require().NoError(r.WaitSemaphore(1, time.Second))
	s.Equal(uint64(1), w.Counter())
}

func (s *SegmentTestSuite) TestAttachFindsUnrecordedSemaphores() {
	w := s.create("extra", []uint32{2}, layout.TypeUint16)
	h, err := sem.Create(s.dir, sem.SemName("extra", 2), 0)
	s.Require().NoError(err)
	s.Require().NoError(h.Close())

	r := s.attach("extra")
	s.Equal(2, r.RecordedSemaphores())
	s.Equal(3, r.Semaphores())

	// the writer's own set was provisioned before the extra file existed
	s.Require().NoError(WriteFull(w, []uint16{1, 2}))
	s.ErrorIs(r.WaitSemaphore(2, 10*time.Millisecond), shmerr.ErrTimeout)
	s.Require().NoError(r.WaitSemaphore(1, time.Second))
}

func (s *SegmentTestSuite) TestProvisionSemaphores() {
	w := s.create("prov", []uint32{2}, layout.TypeUint8)
	s.Require().NoError(w.ProvisionSemaphores(s.ctx, 4))
	s.Equal(4, w.Semaphores())
	s.Equal(4, w.RecordedSemaphores())
	s.FileExists(sem.FilePath(s.dir, "prov_sem03"))

	s.Require().NoError(w.ProvisionSemaphores(s.ctx, 1))
	s.Equal(1, w.Semaphores())
	s.NoFileExists(sem.FilePath(s.dir, "prov_sem01"))
	s.FileExists(sem.FilePath(s.dir, "prov_semlog"))

	r := s.attach("prov")
	s.Equal(1, r.Semaphores())
	s.Require().NoError(WriteFull(w, []uint8{1, 1}))
	s.Require().NoError(r.WaitSemaphore(0, time.Second))
}

func (s *SegmentTestSuite) TestCreateReplacesStaleSemaphores() {
	for i := 0; i < 5; i++ {
		h, err := sem.Create(s.dir, sem.SemName("stale", i), 1)
		s.Require().NoError(err)
		s.Require().NoError(h.Close())
	}
	w := s.create("stale", []uint32{2}, layout.TypeUint8)
	s.Equal(2, w.Semaphores())
	s.NoFileExists(sem.FilePath(s.dir, "stale_sem02"))
	h, err := w.sems.Sem(0)
	s.Require().NoError(err)
	s.Equal(uint32(0), h.Value())
}

func (s *SegmentTestSuite) TestHeapSegment() {
	cfg := *s.cfg
	cfg.Shared = false
	w, err := Create(s.ctx, "heap", []uint32{3, 3}, layout.TypeComplex128, &cfg)
	s.Require().NoError(err)
	defer w.Close()

	s.False(w.Shared())
	s.Equal("", w.Path())
	s.Equal(0, w.Semaphores())
	s.NoFileExists(filepath.Join(s.dir, "heap.im.shm"))

	in := make([]complex128, 9)
	for i := range in {
		in[i] = complex(float64(i), 1)
	}
	s.Require().NoError(WriteFull(w, in))
	out := make([]complex128, 9)
	cnt, err := ReadInto(w, out)
	s.Require().NoError(err)
	s.Equal(uint64(1), cnt)
	s.Equal(in, out)
}

func (s *SegmentTestSuite) TestCountersAndKeywords() {
	w := s.create("kw", []uint32{2}, layout.TypeFloat32)
	w.SetFrameID(1234)
	w.SetCounter1(7)
	s.Require().NoError(w.SetKeyword(0, layout.IntKeyword("GAIN", 3, "loop gain")))
	s.Require().NoError(w.SetKeyword(2, layout.StringKeyword("MODE", "closed", "")))
	s.Error(w.SetKeyword(s.cfg.NBKw, layout.IntKeyword("OOB", 1, "")))

	r := s.attach("kw")
	s.Equal(uint64(1234), r.FrameID())
	s.Equal(uint64(7), r.Counter1())
	s.Len(r.Keywords(), 2)
	idx, ok := r.FindKeyword("MODE")
	s.True(ok)
	s.Equal(2, idx)
	k, err := r.Keyword(0)
	s.Require().NoError(err)
	s.Equal(int64(3), k.Value())
	s.Equal("loop gain", k.Comment)
}

func (s *SegmentTestSuite) TestDiscontinuity() {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	s.Require().NoError(err)
	s.cfg.Metrics = m

	w := s.create("jump", []uint32{1}, layout.TypeUint64)
	r := s.attach("jump")
	for i := 0; i < 3; i++ {
		s.Require().NoError(WriteFull(w, []uint64{uint64(i)}))
	}
	cnt, err := r.WaitCounterSpin(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(uint64(3), cnt)
	s.Equal(uint64(2), r.Missed())
	s.Equal(float64(2), counterValue(s.T(), m.MissedFrames, "jump"))
	s.Equal(float64(3), counterValue(s.T(), m.FramesWritten, "jump"))

	cnt, err = r.WaitCounterSpin(s.ctx, 3)
	s.Require().NoError(err)
	s.Equal(uint64(3), cnt)
	s.Equal(uint64(2), r.Missed())
}

func (s *SegmentTestSuite) TestWaitCounterCancel() {
	s.create("cancel", []uint32{1}, layout.TypeUint8)
	r := s.attach("cancel")
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitCounter(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *SegmentTestSuite) TestWaitCounterDoesNotReportMissed() {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	s.Require().NoError(err)
	s.cfg.Metrics = m

	w := s.create("quiet", []uint32{1}, layout.TypeUint8)
	r := s.attach("quiet")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		for i := 0; i < 1000; i++ {
			w.hdr.IncCnt0()
		}
	}()
	cnt, err := r.WaitCounter(s.ctx)
	wg.Wait()
	s.Require().NoError(err)
	s.GreaterOrEqual(cnt, uint64(1))
	s.Zero(r.Missed())
	s.Zero(counterValue(s.T(), m.MissedFrames, "quiet"))
}

func (s *SegmentTestSuite) TestCloseStopsCounterWait() {
	s.create("stop", []uint32{1}, layout.TypeUint8)
	r, err := Attach(s.ctx, "stop", s.cfg)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := r.WaitCounter(s.ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Require().NoError(r.Close())
	select {
	case err := <-done:
		s.ErrorIs(err, shmerr.ErrClosed)
	case <-time.After(5 * time.Second):
		s.FailNow("counter wait still running after Close")
	}
	_, err = ReadInto(r, make([]uint8, 1))
	s.ErrorIs(err, shmerr.ErrClosed)
}

func (s *SegmentTestSuite) TestAbandonedWriteRecoveredByOpen() {
	s.cfg.SnapshotTimeout = 50 * time.Millisecond
	w := s.create("crash", []uint32{4}, layout.TypeFloat32)
	w.hdr.SetWriting(true)
	w.hdr.BeginWrite()
	s.Require().NoError(w.Close())

	r := s.attach("crash")
	out := make([]float32, 4)
	_, err := ReadInto(r, out)
	s.ErrorIs(err, shmerr.ErrTimeout)

	w2, err := Open(s.ctx, "crash", s.cfg)
	s.Require().NoError(err)
	defer w2.Close()
	s.Zero(w2.hdr.Seq() % 2)
	s.False(w2.Writing())

	s.Require().NoError(WriteFull(w2, []float32{1, 2, 3, 4}))
	cnt, err := ReadInto(r, out)
	s.Require().NoError(err)
	s.Equal(uint64(1), cnt)
	s.Equal([]float32{1, 2, 3, 4}, out)
	s.Zero(r.hdr.Seq() % 2)
}

func (s *SegmentTestSuite) TestSnapshotNeverTorn() {
	const frames = 2000
	w := s.create("torn", []uint32{256}, layout.TypeUint32)
	r := s.attach("torn")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]uint32, 256)
		for f := uint32(1); f <= frames; f++ {
			for i := range buf {
				buf[i] = f
			}
			if err := WriteFull(w, buf); err != nil {
				return
			}
		}
	}()

	out := make([]uint32, 256)
	for {
		cnt, err := ReadInto(r, out)
		s.Require().NoError(err)
		for i, v := range out {
			if v != uint32(cnt) {
				s.FailNowf("torn read", "frame %d: element %d holds %d", cnt, i, v)
			}
		}
		if cnt == frames {
			break
		}
	}
	wg.Wait()
}

func (s *SegmentTestSuite) TestAggregate() {
	dst := s.create("sum", []uint32{3}, layout.TypeInt16)
	a := s.create("chan_a", []uint32{3}, layout.TypeInt16)
	b := s.create("chan_b", []uint32{3}, layout.TypeInt16)
	s.Require().NoError(WriteFull(a, []int16{1, 30000, -5}))
	s.Require().NoError(WriteFull(b, []int16{2, 30000, 5}))

	ra, rb := s.attach("chan_a"), s.attach("chan_b")
	s.Require().NoError(Aggregate(dst, ra, rb))
	out, err := Data[int16](dst)
	s.Require().NoError(err)
	s.Equal([]int16{3, -5536, 0}, out)
	s.Equal(uint64(1), dst.Counter())

	s.Require().NoError(Aggregate(dst, ra))
	s.Equal([]int16{1, 30000, -5}, out)

	s.create("chan_f", []uint32{3}, layout.TypeFloat32)
	s.ErrorIs(Aggregate(dst, s.attach("chan_f")), shmerr.ErrTypeMismatch)
	s.create("chan_long", []uint32{4}, layout.TypeInt16)
	s.ErrorIs(Aggregate(dst, s.attach("chan_long")), shmerr.ErrConfiguration)
	s.ErrorIs(Aggregate(dst), shmerr.ErrConfiguration)
}

func (s *SegmentTestSuite) TestInspect() {
	w := s.create("info", []uint32{8, 2}, layout.TypeFloat32)
	s.Require().NoError(w.SetKeyword(1, layout.FloatKeyword("EXPTIME", 0.001, "seconds")))
	s.Require().NoError(WriteFull(w, make([]float32, 16)))
	w.SetFrameID(99)

	info, err := Inspect(w.Path(), s.dir)
	s.Require().NoError(err)
	s.Equal("info", info.Name)
	s.Equal(layout.TypeFloat32, info.DataType)
	s.Equal([]uint32{8, 2}, info.Shape)
	s.Equal(uint64(16), info.NElement)
	s.Equal(int64(w.Layout().TotalSize), info.FileSize)
	s.Equal(2, info.Semaphores)
	s.Equal(2, info.Recorded)
	s.True(info.LogSemaphore)
	s.Equal(uint64(1), info.Counter)
	s.Equal(uint64(99), info.FrameID)
	s.Equal(os.Getpid(), info.CreatorPID)
	s.Require().Len(info.Keywords, 1)

	text := info.String()
	s.Contains(text, "shape:       8x2 (16 elements)")
	s.Contains(text, "EXPTIME")
	s.Contains(text, "cnt0:        1")

	_, err = Inspect(filepath.Join(s.dir, "none.im.shm"), s.dir)
	s.ErrorIs(err, shmerr.ErrNotFound)
}

func (s *SegmentTestSuite) TestAttachWithRetry() {
	go func() {
		time.Sleep(50 * time.Millisecond)
		w, err := Create(context.Background(), "late", []uint32{2}, layout.TypeUint8, s.cfg)
		if err == nil {
			s.T().Cleanup(func() { _ = w.Close() })
		}
	}()
	r, err := AttachWithRetry(s.ctx, "late", s.cfg, 5*time.Second)
	s.Require().NoError(err)
	defer r.Close()
	s.Equal("late", r.LocalName())

	start := time.Now()
	_, err = OpenWithRetry(s.ctx, filepath.Join(s.dir, "plain"), s.cfg, 5*time.Second)
	s.ErrorIs(err, shmerr.ErrNameFormat)
	s.Less(time.Since(start), time.Second)

	_, err = AttachWithRetry(s.ctx, "never", s.cfg, 50*time.Millisecond)
	s.ErrorIs(err, shmerr.ErrNotFound)
}

func (s *SegmentTestSuite) TestCloseAndDestroy() {
	w := s.create("gone", []uint32{2}, layout.TypeUint8)
	r := s.attach("gone")
	s.Require().NoError(r.Close())
	s.Require().NoError(r.Close())
	s.ErrorIs(r.WaitSemaphore(0, time.Millisecond), shmerr.ErrClosed)
	_, err := Data[uint8](r)
	s.ErrorIs(err, shmerr.ErrClosed)

	path := w.Path()
	s.Require().NoError(w.Destroy(s.ctx))
	s.NoFileExists(path)
	s.NoFileExists(sem.FilePath(s.dir, "gone_sem00"))
	s.NoFileExists(sem.FilePath(s.dir, "gone_semlog"))
	s.ErrorIs(WriteFull(w, []uint8{1, 2}), shmerr.ErrClosed)
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, "/dev/shm/dm00.im.shm", ResolvePath("dm00", "/dev/shm"))
	require.Equal(t, "/dev/shm/dm00.fits", ResolvePath("dm00.fits", "/dev/shm"))
	require.Equal(t, "/tmp/t.im.shm", ResolvePath("/tmp/t.im.shm", "/dev/shm"))
	require.Equal(t, "rel/x", ResolvePath("rel/x", "/dev/shm"))
}

func TestVerifyConfig(t *testing.T) {
	require.NoError(t, VerifyConfig(DefaultConfig()))
	require.ErrorIs(t, VerifyConfig(nil), shmerr.ErrConfiguration)
	require.ErrorIs(t, VerifyConfig(&Config{Dir: "/x"}), shmerr.ErrConfiguration)
	require.ErrorIs(t, VerifyConfig(&Config{Dir: "/x", SemDir: "/x", NBKw: -1}), shmerr.ErrConfiguration)
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(label).Write(&m))
	return m.GetCounter().GetValue()
}
