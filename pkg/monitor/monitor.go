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

// Package monitor watches frame segments from the consumer side: it records
// per segment status, emits frame events and reports health.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/segment"
	"github.com/srediag/shmim/pkg/shmerr"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventAttached EventKind = iota
	EventFrame
	EventTimeout
	EventDiscontinuity
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventFrame:
		return "frame"
	case EventTimeout:
		return "timeout"
	case EventDiscontinuity:
		return "discontinuity"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is something a watcher observed.
type Event struct {
	Segment string
	Kind    EventKind
	Counter uint64
	Missed  uint64
	At      time.Time
	Err     error
}

// Status is the latest known state of a watched segment.
type Status struct {
	Name      string
	Attached  bool
	Counter   uint64
	FrameID   uint64
	Frames    uint64
	Timeouts  uint64
	Missed    uint64
	LastFrame time.Time
	Err       string
}

// Config configures a Monitor.
type Config struct {
	// Segment is used to attach to watched segments.
	Segment *segment.Config
	// Semaphore is the frame semaphore index watchers wait on.
	Semaphore int
	// WaitTimeout bounds a single semaphore wait.
	WaitTimeout time.Duration
	// AttachTimeout bounds the retries while a segment does not exist yet.
	AttachTimeout time.Duration
	// StaleAfter fails readiness for a segment without frames for that long.
	StaleAfter time.Duration
	// EventBuffer is the event ring size; events are dropped when it is full.
	EventBuffer uint64
	// MaxWatchers bounds the number of watched segments.
	MaxWatchers int
	Logger      *logging.Logger
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() *Config {
	return &Config{
		Segment:       segment.DefaultConfig(),
		Semaphore:     0,
		WaitTimeout:   time.Second,
		AttachTimeout: 30 * time.Second,
		StaleAfter:    5 * time.Second,
		EventBuffer:   1024,
		MaxWatchers:   16,
	}
}

// VerifyConfig checks a monitor configuration.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: nil monitor config", shmerr.ErrConfiguration)
	}
	if c.WaitTimeout <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("%w: wait timeout and stale threshold must be positive", shmerr.ErrConfiguration)
	}
	if c.MaxWatchers <= 0 || c.EventBuffer == 0 {
		return fmt.Errorf("%w: watcher and event limits must be positive", shmerr.ErrConfiguration)
	}
	if c.Semaphore < 0 {
		return fmt.Errorf("%w: negative semaphore index", shmerr.ErrConfiguration)
	}
	return segment.VerifyConfig(c.Segment)
}

// Monitor runs one watcher per segment on a bounded goroutine pool.
type Monitor struct {
	cfg    *Config
	log    *logging.Logger
	pool   *ants.Pool
	status cmap.ConcurrentMap[string, Status]
	events *queuepkg.RingBuffer
	health healthcheck.Handler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type poolLogger struct{ log *logging.Logger }

func (l poolLogger) Printf(format string, args ...interface{}) { l.log.Warnf(format, args...) }

// New starts an idle monitor.
func New(cfg *Config) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.Named("monitor")
	pool, err := ants.NewPool(cfg.MaxWatchers, ants.WithNonblocking(true), ants.WithLogger(poolLogger{log}))
	if err != nil {
		return nil, fmt.Errorf("%w: watcher pool: %v", shmerr.ErrConfiguration, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:    cfg,
		log:    log,
		pool:   pool,
		status: cmap.New[Status](),
		events: queuepkg.NewRingBuffer(cfg.EventBuffer),
		health: healthcheck.NewHandler(),
		ctx:    ctx,
		cancel: cancel,
	}
	m.health.AddLivenessCheck("watcher-pool", func() error {
		if m.pool.IsClosed() {
			return errors.New("watcher pool closed")
		}
		return nil
	})
	m.health.AddReadinessCheck("frames", m.checkFresh)
	return m, nil
}

// Watch starts watching the segment called name. The segment may not exist
// yet; the watcher retries attaching for AttachTimeout.
func (m *Monitor) Watch(name string) error {
	if m.ctx.Err() != nil {
		return fmt.Errorf("%w: monitor stopped", shmerr.ErrClosed)
	}
	if !m.status.SetIfAbsent(name, Status{Name: name}) {
		return fmt.Errorf("%w: %s is already watched", shmerr.ErrConfiguration, name)
	}
	m.wg.Add(1)
	err := m.pool.Submit(func() {
		defer m.wg.Done()
		m.watch(name)
	})
	if err != nil {
		m.wg.Done()
		m.status.Remove(name)
		return fmt.Errorf("%w: cannot watch %s: %v", shmerr.ErrConfiguration, name, err)
	}
	return nil
}

func (m *Monitor) watch(name string) {
	st, _ := m.status.Get(name)
	r, err := segment.AttachWithRetry(m.ctx, name, m.cfg.Segment, m.cfg.AttachTimeout)
	if err != nil {
		if m.ctx.Err() == nil {
			m.log.Errorf("attach %s: %v", name, err)
			st.Err = err.Error()
			m.status.Set(name, st)
			m.emit(Event{Segment: name, Kind: EventError, Err: err})
		}
		return
	}
	defer r.Close()

	st.Attached = true
	st.Counter = r.Counter()
	st.Err = ""
	m.status.Set(name, st)
	m.emit(Event{Segment: name, Kind: EventAttached, Counter: st.Counter})
	last := st.Counter
	metrics := m.cfg.Segment.Metrics

	for m.ctx.Err() == nil {
		err := r.WaitSemaphore(m.cfg.Semaphore, m.cfg.WaitTimeout)
		now := time.Now()
		switch {
		case err == nil:
			c := r.Counter()
			if c == last {
				// post left over from before we attached
				continue
			}
			if c > last+1 && st.Frames > 0 {
				missed := c - last - 1
				st.Missed += missed
				metrics.ObserveDiscontinuity(r.LocalName(), missed)
				m.emit(Event{Segment: name, Kind: EventDiscontinuity, Counter: c, Missed: missed, At: now})
			}
			last = c
			st.Frames++
			st.Counter = c
			st.FrameID = r.FrameID()
			st.LastFrame = r.LastWriteTime()
			m.emit(Event{Segment: name, Kind: EventFrame, Counter: c, At: now})
		case errors.Is(err, shmerr.ErrTimeout):
			st.Timeouts++
			m.emit(Event{Segment: name, Kind: EventTimeout, Counter: last, At: now})
		default:
			m.log.Errorf("wait on %s: %v", name, err)
			st.Err = err.Error()
			st.Attached = false
			m.status.Set(name, st)
			m.emit(Event{Segment: name, Kind: EventError, Err: err, At: now})
			return
		}
		if !st.LastFrame.IsZero() {
			metrics.SetFrameAge(r.LocalName(), now.Sub(st.LastFrame).Seconds())
		}
		m.status.Set(name, st)
	}
}

func (m *Monitor) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok, err := m.events.Offer(e)
	if err != nil || !ok {
		m.dropped.Add(1)
	}
}

// Next returns the next event, waiting up to timeout. It returns
// shmerr.ErrTimeout when no event arrived and shmerr.ErrClosed once the
// monitor is closed.
func (m *Monitor) Next(timeout time.Duration) (Event, error) {
	item, err := m.events.Poll(timeout)
	switch {
	case err == nil:
		return item.(Event), nil
	case errors.Is(err, queuepkg.ErrTimeout):
		return Event{}, shmerr.ErrTimeout
	case errors.Is(err, queuepkg.ErrDisposed):
		return Event{}, shmerr.ErrClosed
	}
	return Event{}, err
}

// Dropped returns the number of events lost to a full buffer.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Status returns the status of one segment.
func (m *Monitor) Status(name string) (Status, bool) {
	return m.status.Get(name)
}

// Snapshot returns every status ordered by name.
func (m *Monitor) Snapshot() []Status {
	out := make([]Status, 0, m.status.Count())
	for _, st := range m.status.Items() {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) checkFresh() error {
	var errs []error
	now := time.Now()
	for _, st := range m.Snapshot() {
		switch {
		case !st.Attached:
			errs = append(errs, fmt.Errorf("%s: not attached", st.Name))
		case st.LastFrame.IsZero() || now.Sub(st.LastFrame) > m.cfg.StaleAfter:
			errs = append(errs, fmt.Errorf("%s: no frame for %s", st.Name, m.cfg.StaleAfter))
		}
	}
	return errors.Join(errs...)
}

// Handler serves /live and /ready.
func (m *Monitor) Handler() http.Handler { return m.health }

// Close stops every watcher and waits for them to detach.
func (m *Monitor) Close() error {
	m.cancel()
	m.wg.Wait()
	m.pool.Release()
	m.events.Dispose()
	return nil
}
