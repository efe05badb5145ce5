//go:build linux || darwin

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

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmim/pkg/shmerr"
)

// MapRegion maps or creates a file backed shared region.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	prot := unix.PROT_READ | unix.PROT_WRITE
	if opts.ReadOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
		prot = unix.PROT_READ
	}
	if opts.Create {
		//ignore mkdir error
		_ = os.MkdirAll(filepath.Dir(opts.Path), 0o755)
		flags |= unix.O_CREAT | unix.O_TRUNC
	}
	fd, err := unix.Open(opts.Path, flags, 0o666)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: open %s: %v", shmerr.ErrNotFound, opts.Path, err)
		}
		return nil, fmt.Errorf("%w: open %s: %v", shmerr.ErrAllocation, opts.Path, err)
	}
	size := opts.Size
	if opts.Create {
		if size <= 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: cannot create %s with size %d", shmerr.ErrAllocation, opts.Path, size)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: ftruncate %s: %v", shmerr.ErrAllocation, opts.Path, err)
		}
	} else if size <= 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: fstat %s: %v", shmerr.ErrAllocation, opts.Path, err)
		}
		size = int(st.Size)
		if size <= 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: %s is empty", shmerr.ErrConfiguration, opts.Path)
		}
	}
	addr, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap %s: %v", shmerr.ErrAllocation, opts.Path, err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Path: opts.Path,
	}, nil
}

// UnmapRegion unmaps the region and closes its file descriptor.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.Fd = -1
	}
	return errors.Join(errs...)
}

// MapAnonymous maps a private anonymous region of size bytes.
func MapAnonymous(size int) (*MappedRegion, error) {
	addr, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: anonymous mmap of %d bytes: %v", shmerr.ErrAllocation, size, err)
	}
	return &MappedRegion{Addr: addr, Fd: -1}, nil
}

// Sync flushes a file backed region to its file.
func Sync(region *MappedRegion) error {
	if region == nil || region.Addr == nil || region.Fd < 0 {
		return nil
	}
	return unix.Msync(region.Addr, unix.MS_SYNC)
}
