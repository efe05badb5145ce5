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

package sem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/srediag/shmim/internal/shm"
	"github.com/srediag/shmim/pkg/shmerr"
)

const (
	// DefaultDir is where glibc keeps named semaphores.
	DefaultDir = "/dev/shm"
	// filePrefix is prepended to a semaphore name to form its file name.
	filePrefix = "sem."
	// semSize is sizeof(sem_t) on 64-bit Linux.
	semSize = 32

	nwaitersShift = 32
	valueMask     = 1<<nwaitersShift - 1
	oneWaiter     = uint64(1) << nwaitersShift
)

// Semaphore is a named, process-shared counting semaphore. The file format is
// the 64-bit glibc sem_t: a 64-bit word holding the value in its low half and
// the waiter count in its high half, then an int "private" flag left at 0.
// Waiters sleep on a shared futex over the value.
type Semaphore struct {
	name   string
	path   string
	region *shm.MappedRegion
	data   *uint64
	value  *uint32
}

// FilePath returns the file backing semaphore name in dir.
func FilePath(dir, name string) string {
	return filepath.Join(dir, filePrefix+name)
}

// Open maps an existing semaphore. A missing file yields ErrNotFound.
func Open(dir, name string) (*Semaphore, error) {
	path := FilePath(dir, name)
	region, err := shm.MapRegion(context.Background(), shm.MapOptions{Path: path})
	if err != nil {
		return nil, err
	}
	if region.Size() < semSize {
		_ = shm.UnmapRegion(region)
		return nil, fmt.Errorf("%w: semaphore %s is %d bytes", shmerr.ErrConfiguration, path, region.Size())
	}
	base := unsafe.Pointer(&region.Addr[0])
	return &Semaphore{
		name:   name,
		path:   path,
		region: region,
		data:   (*uint64)(base),
		// little-endian: the low half of data is its first four bytes
		value: (*uint32)(base),
	}, nil
}

// Create makes semaphore name with an initial value, the way sem_open with
// O_CREAT does: the file is fully initialized under a temporary name and then
// linked into place, so no process ever maps a half-written semaphore. If the
// name already exists the existing semaphore is opened.
func Create(dir, name string, value uint32) (*Semaphore, error) {
	//ignore mkdir error
	_ = os.MkdirAll(dir, 0o755)
	tmp, err := os.CreateTemp(dir, filePrefix+"tmp*")
	if err != nil {
		return nil, fmt.Errorf("%w: create semaphore %s: %v", shmerr.ErrAllocation, name, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	var init [semSize]byte
	binary.LittleEndian.PutUint64(init[:8], uint64(value))
	_, werr := tmp.Write(init[:])
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return nil, fmt.Errorf("%w: initialize semaphore %s: %v", shmerr.ErrAllocation, name, err)
	}
	if err := os.Chmod(tmpPath, 0o666); err != nil {
		return nil, fmt.Errorf("%w: chmod semaphore %s: %v", shmerr.ErrAllocation, name, err)
	}
	if err := os.Link(tmpPath, FilePath(dir, name)); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: link semaphore %s: %v", shmerr.ErrAllocation, name, err)
	}
	return Open(dir, name)
}

// Unlink removes the semaphore file. Processes that already mapped it keep
// a working, now private, semaphore.
func Unlink(dir, name string) error {
	err := os.Remove(FilePath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: semaphore %s", shmerr.ErrNotFound, name)
	}
	return err
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	return uint32(atomic.LoadUint64(s.data) & valueMask)
}

func (s *Semaphore) waiters() uint32 {
	return uint32(atomic.LoadUint64(s.data) >> nwaitersShift)
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() error {
	_, err := s.post(valueMask)
	return err
}

// PostSaturating increments the count only while it is below ceiling. It
// reports whether a post happened. With ceiling 1 a slow consumer sees "new
// data", never a backlog.
func (s *Semaphore) PostSaturating(ceiling uint32) (bool, error) {
	return s.post(ceiling)
}

func (s *Semaphore) post(ceiling uint32) (bool, error) {
	for {
		d := atomic.LoadUint64(s.data)
		if uint32(d&valueMask) >= ceiling {
			return false, nil
		}
		if atomic.CompareAndSwapUint64(s.data, d, d+1) {
			if d>>nwaitersShift > 0 {
				if _, err := shm.FutexWake(s.value, 1); err != nil {
					return true, err
				}
			}
			return true, nil
		}
	}
}

// TryWait decrements the count if it is positive.
func (s *Semaphore) TryWait() bool {
	for {
		d := atomic.LoadUint64(s.data)
		if d&valueMask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(s.data, d, d-1) {
			return true
		}
	}
}

// Wait decrements the count, blocking while it is zero. A timeout <= 0
// blocks indefinitely; otherwise ErrTimeout is returned once timeout has
// elapsed since the call. A timeout means "no new frame", not a failure.
func (s *Semaphore) Wait(timeout time.Duration) error {
	if s.TryWait() {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	atomic.AddUint64(s.data, oneWaiter)
	expired := false
	for {
		d := atomic.LoadUint64(s.data)
		if d&valueMask > 0 {
			if atomic.CompareAndSwapUint64(s.data, d, d-1-oneWaiter) {
				return nil
			}
			continue
		}
		var remaining time.Duration
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 || expired {
				atomic.AddUint64(s.data, ^(oneWaiter - 1))
				return shmerr.ErrTimeout
			}
		}
		err := shm.FutexWait(s.value, 0, remaining)
		switch {
		case err == nil:
		case errors.Is(err, shmerr.ErrTimeout):
			expired = true
		default:
			atomic.AddUint64(s.data, ^(oneWaiter - 1))
			return err
		}
	}
}

// Close unmaps the semaphore. The file is left in place.
func (s *Semaphore) Close() error {
	if s == nil {
		return nil
	}
	return shm.UnmapRegion(s.region)
}
