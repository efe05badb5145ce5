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

// Package sem manages the named semaphores attached to a frame segment:
// frame-ready signals <local>_sem00..<local>_semNN for independent consumers
// plus one <local>_semlog for a telemetry logger.
package sem

import (
	"errors"
	"fmt"
	"time"

	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/shmerr"
)

const (
	// MaxSemaphores is the largest number of frame semaphores per segment.
	MaxSemaphores = 10
	// DefaultSemaphores is the count provisioned at segment creation.
	DefaultSemaphores = 10
	// ProbeLimit bounds discovery and unlink sweeps.
	ProbeLimit = 100
	// Ceiling is the value above which posts are dropped.
	Ceiling = 1
)

// Set is the runtime view of a segment's semaphores.
type Set struct {
	dir    string
	local  string
	sems   []*Semaphore
	logSem *Semaphore
	log    *logging.Logger
}

// Discover opens <local>_sem00, <local>_sem01, ... until the first one that
// does not exist, and the log semaphore if present. The runtime count may
// differ from the count recorded in the segment header.
func Discover(dir, local string, log *logging.Logger) (*Set, error) {
	s := &Set{dir: dir, local: local, log: log}
	for i := 0; i < ProbeLimit; i++ {
		h, err := Open(dir, SemName(local, i))
		if err != nil {
			if !errors.Is(err, shmerr.ErrNotFound) {
				log.Warnf("semaphore %s: stopping discovery: %v", SemName(local, i), err)
			}
			break
		}
		s.sems = append(s.sems, h)
	}
	if len(s.sems) == ProbeLimit {
		log.Warnf("semaphore discovery for %s stopped at probe limit %d", local, ProbeLimit)
	}
	if h, err := Open(dir, LogSemName(local)); err == nil {
		s.logSem = h
	}
	log.Debugf("discovered %d semaphores for %s (log=%t)", len(s.sems), local, s.logSem != nil)
	return s, nil
}

// Provision makes sure exactly n frame semaphores exist. When recorded, the
// count stored in the segment header, differs from n every semaphore file up
// to ProbeLimit is unlinked and n fresh ones are created at value 0. This
// affects every process attached to the segment.
func Provision(dir, local string, recorded, n int, log *logging.Logger) (*Set, error) {
	if n < 0 || n > MaxSemaphores {
		return nil, fmt.Errorf("%w: semaphore count %d outside [0,%d]", shmerr.ErrConfiguration, n, MaxSemaphores)
	}
	if recorded == n {
		s, err := Discover(dir, local, log)
		if err != nil {
			return nil, err
		}
		if len(s.sems) >= n {
			return s, nil
		}
		log.Warnf("%s records %d semaphores but only %d exist, recreating", local, n, len(s.sems))
		_ = s.Close()
	}
	removed := unlinkRange(dir, local)
	log.Infof("provisioning %d semaphores for %s (recorded %d, unlinked %d)", n, local, recorded, removed)

	s := &Set{dir: dir, local: local, log: log}
	for i := 0; i < n; i++ {
		h, err := Create(dir, SemName(local, i), 0)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.sems = append(s.sems, h)
	}
	if h, err := Open(dir, LogSemName(local)); err == nil {
		s.logSem = h
	}
	return s, nil
}

// ProvisionLog recreates the log semaphore at value 0 and attaches it.
func (s *Set) ProvisionLog() error {
	if err := Unlink(s.dir, LogSemName(s.local)); err != nil && !errors.Is(err, shmerr.ErrNotFound) {
		return fmt.Errorf("%w: unlink %s: %v", shmerr.ErrAllocation, LogSemName(s.local), err)
	}
	h, err := Create(s.dir, LogSemName(s.local), 0)
	if err != nil {
		return err
	}
	if s.logSem != nil {
		_ = s.logSem.Close()
	}
	s.logSem = h
	return nil
}

func unlinkRange(dir, local string) int {
	removed := 0
	for i := 0; i < ProbeLimit; i++ {
		if err := Unlink(dir, SemName(local, i)); err == nil {
			removed++
		}
	}
	return removed
}

// LocalName returns the local name the set was built for.
func (s *Set) LocalName() string { return s.local }

// Dir returns the directory holding the semaphore files.
func (s *Set) Dir() string { return s.dir }

// Len returns the runtime number of frame semaphores.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sems)
}

// Sem returns frame semaphore i.
func (s *Set) Sem(i int) (*Semaphore, error) {
	if s == nil || i < 0 || i >= len(s.sems) {
		return nil, fmt.Errorf("%w: semaphore index %d outside [0,%d)", shmerr.ErrConfiguration, i, s.Len())
	}
	return s.sems[i], nil
}

// Log returns the log semaphore, nil when there is none.
func (s *Set) Log() *Semaphore {
	if s == nil {
		return nil
	}
	return s.logSem
}

// PostAll applies a saturating post to every frame semaphore and to the log
// semaphore. It returns how many semaphores were actually incremented.
func (s *Set) PostAll() (int, error) {
	if s == nil {
		return 0, nil
	}
	posted := 0
	var errs []error
	for _, h := range s.sems {
		ok, err := h.PostSaturating(Ceiling)
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", h.Name(), err))
		}
		if ok {
			posted++
		}
	}
	if s.logSem != nil {
		ok, err := s.logSem.PostSaturating(Ceiling)
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", s.logSem.Name(), err))
		}
		if ok {
			posted++
		}
	}
	return posted, errors.Join(errs...)
}

// Wait blocks on frame semaphore i; see Semaphore.Wait.
func (s *Set) Wait(i int, timeout time.Duration) error {
	h, err := s.Sem(i)
	if err != nil {
		return err
	}
	return h.Wait(timeout)
}

// Close unmaps every semaphore. Files stay in place.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, h := range s.sems {
		errs = append(errs, h.Close())
	}
	errs = append(errs, s.logSem.Close())
	s.sems = nil
	s.logSem = nil
	return errors.Join(errs...)
}

// Unlink closes the set and removes every semaphore file for its local name,
// including the log semaphore.
func (s *Set) Unlink() error {
	err := s.Close()
	unlinkRange(s.dir, s.local)
	if uerr := Unlink(s.dir, LogSemName(s.local)); uerr != nil && !errors.Is(uerr, shmerr.ErrNotFound) {
		err = errors.Join(err, uerr)
	}
	return err
}
