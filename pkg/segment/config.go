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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/metrics"
	"github.com/srediag/shmim/pkg/sem"
	"github.com/srediag/shmim/pkg/shmerr"
)

const (
	// DefaultDir holds segments created from a bare name.
	DefaultDir = "/dev/shm"
	// Suffix is appended to bare segment names.
	Suffix = ".im.shm"
	// DefaultNBKw is the default keyword table length.
	DefaultNBKw = 16
	// MaxNBKw bounds the keyword table.
	MaxNBKw = 4096
	// DefaultSnapshotTimeout is the default SnapshotTimeout.
	DefaultSnapshotTimeout = time.Second

	tracerName = "github.com/srediag/shmim/pkg/segment"
)

// Config carries the settings shared by writers and readers.
type Config struct {
	// Dir is where bare names are resolved.
	Dir string
	// SemDir is where semaphore files live.
	SemDir string
	// NBKw is the keyword table length used at creation.
	NBKw int
	// NumSemaphores is the frame semaphore count provisioned at creation.
	NumSemaphores int
	// Shared maps the segment from a file. A non shared segment lives on the
	// heap of the creating process and has no semaphores.
	Shared bool
	// UnsafeReads disables the seqlock retry in ReadInto and Aggregate:
	// readers copy whatever is in the payload, even mid-write.
	UnsafeReads bool
	// SnapshotTimeout bounds how long ReadInto and Aggregate wait for a write
	// in progress to complete before giving up with ErrTimeout.
	SnapshotTimeout time.Duration
	// CheckFreeSpace refuses to create a segment larger than the free space
	// of its directory.
	CheckFreeSpace bool

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// DefaultConfig returns the defaults: shared segments in /dev/shm with ten
// frame semaphores and seqlock-checked reads.
func DefaultConfig() *Config {
	return &Config{
		Dir:             DefaultDir,
		SemDir:          sem.DefaultDir,
		NBKw:            DefaultNBKw,
		NumSemaphores:   sem.DefaultSemaphores,
		Shared:          true,
		SnapshotTimeout: DefaultSnapshotTimeout,
		CheckFreeSpace:  true,
	}
}

// VerifyConfig checks a configuration.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: nil config", shmerr.ErrConfiguration)
	}
	if c.Dir == "" || c.SemDir == "" {
		return fmt.Errorf("%w: segment and semaphore directories must be set", shmerr.ErrConfiguration)
	}
	if c.NBKw < 0 || c.NBKw > MaxNBKw {
		return fmt.Errorf("%w: keyword count %d outside [0,%d]", shmerr.ErrConfiguration, c.NBKw, MaxNBKw)
	}
	if c.NumSemaphores < 0 || c.NumSemaphores > sem.MaxSemaphores {
		return fmt.Errorf("%w: semaphore count %d outside [0,%d]", shmerr.ErrConfiguration, c.NumSemaphores, sem.MaxSemaphores)
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		c = DefaultConfig()
	}
	cc := *c
	if cc.Dir == "" {
		cc.Dir = DefaultDir
	}
	if cc.SemDir == "" {
		cc.SemDir = sem.DefaultDir
	}
	if cc.SnapshotTimeout <= 0 {
		cc.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if cc.Logger == nil {
		cc.Logger = logging.Nop()
	}
	if cc.Tracer == nil {
		cc.Tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	return &cc
}

// ResolvePath maps a segment name to its backing file. Names containing a
// slash are used as is; bare names are placed in dir and get the ".im.shm"
// suffix unless they already carry an extension.
func ResolvePath(name, dir string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	if !strings.ContainsRune(name, '.') {
		name += Suffix
	}
	return filepath.Join(dir, name)
}
