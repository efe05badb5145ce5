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
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmim/internal/shm"
	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/sem"
	"github.com/srediag/shmim/pkg/shmerr"
)

// Info is a point-in-time dump of a segment header.
type Info struct {
	Path         string
	Name         string
	LocalName    string
	DataType     layout.DataType
	Shape        []uint32
	NElement     uint64
	FileSize     int64
	Layout       layout.Layout
	Shared       bool
	CreatorPID   int
	Recorded     int
	Semaphores   int
	LogSemaphore bool
	Counter      uint64
	Counter1     uint64
	FrameID      uint64
	Writing      bool
	Created      time.Time
	LastWrite    time.Time
	Chunk        layout.ChunkState
	Keywords     []layout.Keyword
}

// Inspect reads the header of the segment file at path without attaching
// to it. Semaphore files in semDir are counted, not opened.
func Inspect(path, semDir string) (*Info, error) {
	local, err := sem.DeriveLocalName(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", shmerr.ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < layout.HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, shorter than a header", shmerr.ErrConfiguration, path, st.Size())
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", shmerr.ErrAllocation, path, err)
	}
	defer m.Unmap()

	hdr := layout.HeaderAt(m)
	l, err := layout.FromHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if int64(l.TotalSize) > st.Size() {
		return nil, fmt.Errorf("%w: %s is %d bytes, layout needs %d", shmerr.ErrConfiguration, path, st.Size(), l.TotalSize)
	}
	info := &Info{
		Path:       path,
		Name:       hdr.Name(),
		LocalName:  local,
		DataType:   l.DataType,
		Shape:      l.Shape(),
		NElement:   l.NElement,
		FileSize:   st.Size(),
		Layout:     l,
		Shared:     hdr.Shared(),
		CreatorPID: hdr.CreatorPID(),
		Recorded:   hdr.NSem(),
		Counter:    hdr.Cnt0(),
		Counter1:   hdr.Cnt1(),
		FrameID:    hdr.Cnt2(),
		Writing:    hdr.Writing(),
		Created:    time.Unix(0, hdr.CreationTime()),
		LastWrite:  time.Unix(0, hdr.ATime()),
		Chunk:      hdr.Chunk(),
		Keywords:   layout.DecodeKeywords(m[l.KeywordOffset:l.TotalSize]),
	}
	for info.Semaphores < sem.ProbeLimit && shm.PathExists(sem.FilePath(semDir, sem.SemName(local, info.Semaphores))) {
		info.Semaphores++
	}
	info.LogSemaphore = shm.PathExists(sem.FilePath(semDir, sem.LogSemName(local)))
	return info, nil
}

// String renders the info as aligned "key: value" lines.
func (i *Info) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	shape := make([]string, len(i.Shape))
	for k, n := range i.Shape {
		shape[k] = fmt.Sprint(n)
	}
	fmt.Fprintf(buf, "path:        %s\n", i.Path)
	fmt.Fprintf(buf, "name:        %s\n", i.Name)
	fmt.Fprintf(buf, "type:        %s\n", i.DataType)
	fmt.Fprintf(buf, "shape:       %s (%d elements)\n", strings.Join(shape, "x"), i.NElement)
	fmt.Fprintf(buf, "size:        %d bytes\n", i.FileSize)
	fmt.Fprintf(buf, "creator:     pid %d at %s\n", i.CreatorPID, i.Created.Format(time.RFC3339Nano))
	fmt.Fprintf(buf, "semaphores:  %d found, %d recorded, log %t\n", i.Semaphores, i.Recorded, i.LogSemaphore)
	fmt.Fprintf(buf, "cnt0:        %d\n", i.Counter)
	fmt.Fprintf(buf, "cnt1:        %d\n", i.Counter1)
	fmt.Fprintf(buf, "cnt2:        %d\n", i.FrameID)
	fmt.Fprintf(buf, "writing:     %t\n", i.Writing)
	fmt.Fprintf(buf, "last write:  %s\n", i.LastWrite.Format(time.RFC3339Nano))
	if i.Chunk.PacketTotal > 0 {
		fmt.Fprintf(buf, "chunk:       packet %d/%d at %d+%d\n", i.Chunk.PacketNb, i.Chunk.PacketTotal, i.Chunk.LastPos, i.Chunk.LastNb)
	}
	for _, k := range i.Keywords {
		fmt.Fprintf(buf, "keyword:     %-16s %c %v", k.Name, byte(k.Type), k.Value())
		if k.Comment != "" {
			fmt.Fprintf(buf, " / %s", k.Comment)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
