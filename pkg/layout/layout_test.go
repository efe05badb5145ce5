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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmim/pkg/shmerr"
)

type LayoutTestSuite struct {
	suite.Suite
}

func (s *LayoutTestSuite) TestHeaderFieldOffsets() {
	var h Header
	s.Equal(uintptr(0x40), unsafe.Offsetof(h.cnt0))
	s.Equal(uintptr(0x60), unsafe.Offsetof(h.atime))
	s.Equal(uintptr(0x90), unsafe.Offsetof(h.name))
	s.Equal(uintptr(0xE0), unsafe.Offsetof(h.lastNbArray))
	s.Zero(HeaderSize % 64)
}

func (s *LayoutTestSuite) TestComputeSize() {
	n, err := ComputeSize(TypeFloat32, 4, 0)
	s.Require().NoError(err)
	s.Equal(HeaderSize+16, n)

	n, err = ComputeSize(TypeComplex128, 10, 3)
	s.Require().NoError(err)
	s.Equal(HeaderSize+160+3*KeywordSize, n)

	_, err = ComputeSize(DataType(42), 10, 0)
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func (s *LayoutTestSuite) TestNewLayout() {
	l, err := New(TypeInt16, []uint32{4, 5, 2}, 2)
	s.Require().NoError(err)
	s.Equal(uint64(40), l.NElement)
	s.Equal(HeaderSize, l.PayloadOffset)
	s.Equal(80, l.PayloadSize)
	s.Equal(HeaderSize+80, l.KeywordOffset)
	s.Equal(HeaderSize+80+2*KeywordSize, l.TotalSize)
	s.Equal([]uint32{4, 5, 2}, l.Shape())

	l, err = New(TypeUint8, []uint32{7}, 0)
	s.Require().NoError(err)
	s.Equal([MaxAxes]uint32{7, 1, 1}, l.Size)

	for _, shape := range [][]uint32{nil, {1, 2, 3, 4}, {3, 0}} {
		_, err = New(TypeUint8, shape, 0)
		s.ErrorIs(err, shmerr.ErrConfiguration, "shape %v", shape)
	}
	_, err = New(TypeInvalid, []uint32{1}, 0)
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func (s *LayoutTestSuite) newArena(dt DataType, shape []uint32, nbkw int) Arena {
	l, err := New(dt, shape, nbkw)
	s.Require().NoError(err)
	a, err := NewArena(make([]byte, l.TotalSize), l)
	s.Require().NoError(err)
	a.Header().Init(l, "bar", 10, true, 1234, 99)
	return a
}

func (s *LayoutTestSuite) TestHeaderRoundTrip() {
	a := s.newArena(TypeFloat64, []uint32{3, 2}, 1)
	h := a.Header()
	s.Require().NoError(h.Validate())
	s.Equal(TypeFloat64, h.DataType())
	s.Equal(2, h.NAxis())
	s.Equal(uint64(6), h.NElement())
	s.Equal("bar", h.Name())
	s.Equal(10, h.NSem())
	s.True(h.Shared())
	s.Equal(1234, h.CreatorPID())
	s.Equal(int64(99), h.ATime())

	l, err := FromHeader(h)
	s.Require().NoError(err)
	s.Equal(a.L, l)

	h.BeginWrite()
	s.Equal(uint64(1), h.Seq()%2)
	h.EndWrite()
	s.Equal(uint64(0), h.Seq()%2)
	s.False(h.RecoverWrite())
	s.Equal(uint64(1), h.IncCnt0())

	// a writer that died mid-write leaves the generation odd
	h.BeginWrite()
	h.SetWriting(true)
	h.BeginWrite()
	h.EndWrite()
	s.Equal(uint64(0), h.Seq()%2)
	h.BeginWrite()
	s.True(h.RecoverWrite())
	s.Equal(uint64(0), h.Seq()%2)
	s.False(h.Writing())

	h.SetChunk(ChunkState{LastPos: 3, LastNb: 2, PacketNb: 1, PacketTotal: 2}, 77)
	s.Equal(ChunkState{LastPos: 3, LastNb: 2, PacketNb: 1, PacketTotal: 2}, h.Chunk())
	s.Equal(uint64(77), h.PacketFrame(1))
	s.Zero(h.PacketFrame(MaxPackets))
}

func (s *LayoutTestSuite) TestFromHeaderRejectsGarbage() {
	_, err := FromHeader(HeaderAt(make([]byte, HeaderSize)))
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func (s *LayoutTestSuite) TestPayloadTypeCheck() {
	a := s.newArena(TypeFloat32, []uint32{4}, 0)
	p, err := Payload[float32](a)
	s.Require().NoError(err)
	s.Len(p, 4)
	copy(p, []float32{1, 2, 3, 4})

	again, err := Payload[float32](a)
	s.Require().NoError(err)
	s.Equal([]float32{1, 2, 3, 4}, again)

	_, err = Payload[int32](a)
	s.ErrorIs(err, shmerr.ErrTypeMismatch)

	r, err := a.PayloadRange(1, 2)
	s.Require().NoError(err)
	s.Equal([]float32{2, 3}, FromBytes[float32](r))
	_, err = a.PayloadRange(3, 2)
	s.ErrorIs(err, shmerr.ErrOutOfBounds)
}

func (s *LayoutTestSuite) TestKeywords() {
	a := s.newArena(TypeUint16, []uint32{2, 2}, 4)
	a.ResetKeywords()
	s.Empty(a.Keywords())

	s.Require().NoError(a.SetKeyword(0, IntKeyword("GAIN", -3, "loop gain")))
	s.Require().NoError(a.SetKeyword(2, FloatKeyword("EXPTIME", 0.5, "seconds")))
	s.Require().NoError(a.SetKeyword(3, StringKeyword("CAM", "ocam2k", "")))

	k, err := a.Keyword(0)
	s.Require().NoError(err)
	s.Equal(IntKeyword("GAIN", -3, "loop gain"), k)
	k, err = a.Keyword(1)
	s.Require().NoError(err)
	s.Equal(KeywordUnset, k.Type)
	s.Nil(k.Value())

	s.Len(a.Keywords(), 3)
	i, ok := a.FindKeyword("EXPTIME")
	s.True(ok)
	s.Equal(2, i)
	_, ok = a.FindKeyword("MISSING")
	s.False(ok)

	s.ErrorIs(a.SetKeyword(4, IntKeyword("X", 1, "")), shmerr.ErrOutOfBounds)
	s.ErrorIs(a.SetKeyword(1, StringKeyword("X", "a value far too long", "")), shmerr.ErrConfiguration)
	s.ErrorIs(a.SetKeyword(1, IntKeyword("ANAMETHATISTOOLONG", 1, "")), shmerr.ErrConfiguration)
}

func (s *LayoutTestSuite) TestDataTypes() {
	s.Equal(TypeUint8, TypeOf[uint8]())
	s.Equal(TypeInt64, TypeOf[int64]())
	s.Equal(TypeComplex64, TypeOf[complex64]())
	s.Equal(16, TypeComplex128.Size())
	s.Equal(0, DataType(99).Size())

	dt, err := ParseDataType("float")
	s.Require().NoError(err)
	s.Equal(TypeFloat32, dt)
	dt, err = ParseDataType("INT16")
	s.Require().NoError(err)
	s.Equal(TypeInt16, dt)
	_, err = ParseDataType("bool")
	s.ErrorIs(err, shmerr.ErrConfiguration)
}

func TestLayoutTestSuite(t *testing.T) {
	suite.Run(t, new(LayoutTestSuite))
}
