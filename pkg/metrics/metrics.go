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

// Package metrics holds the Prometheus collectors fed by segment writers,
// readers and the monitor. All methods are safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shmim"

// Metrics groups the per-segment collectors.
type Metrics struct {
	FramesWritten   *prometheus.CounterVec
	ChunksWritten   *prometheus.CounterVec
	SemaphorePosts  *prometheus.CounterVec
	SaturatedPosts  *prometheus.CounterVec
	WaitTimeouts    *prometheus.CounterVec
	Discontinuities *prometheus.CounterVec
	MissedFrames    *prometheus.CounterVec
	FrameAge        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	seg := []string{"segment"}
	m := &Metrics{
		FramesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Completed full writes and chunk finalizations.",
		}, seg),
		ChunksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Partial writes issued before finalize.",
		}, seg),
		SemaphorePosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semaphore_posts_total",
			Help:      "Semaphore posts that incremented a semaphore.",
		}, seg),
		SaturatedPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semaphore_posts_saturated_total",
			Help:      "Semaphore posts dropped because the semaphore was already at its ceiling.",
		}, seg),
		WaitTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Bounded waits that expired without a new frame.",
		}, seg),
		Discontinuities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discontinuities_total",
			Help:      "Observed frame counter jumps larger than one.",
		}, seg),
		MissedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_frames_total",
			Help:      "Frames skipped according to observed counter jumps.",
		}, seg),
		FrameAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_age_seconds",
			Help:      "Age of the last completed write as seen by the monitor.",
		}, seg),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesWritten, m.ChunksWritten, m.SemaphorePosts, m.SaturatedPosts,
		m.WaitTimeouts, m.Discontinuities, m.MissedFrames, m.FrameAge,
	}
}

// ObserveFrame counts one completed write and the outcome of its posts.
func (m *Metrics) ObserveFrame(segment string, posted, attempted int) {
	if m == nil {
		return
	}
	m.FramesWritten.WithLabelValues(segment).Inc()
	m.SemaphorePosts.WithLabelValues(segment).Add(float64(posted))
	if attempted > posted {
		m.SaturatedPosts.WithLabelValues(segment).Add(float64(attempted - posted))
	}
}

// ObserveChunk counts one partial write.
func (m *Metrics) ObserveChunk(segment string) {
	if m == nil {
		return
	}
	m.ChunksWritten.WithLabelValues(segment).Inc()
}

// ObserveTimeout counts one expired wait.
func (m *Metrics) ObserveTimeout(segment string) {
	if m == nil {
		return
	}
	m.WaitTimeouts.WithLabelValues(segment).Inc()
}

// ObserveDiscontinuity counts a counter jump that skipped missed frames.
func (m *Metrics) ObserveDiscontinuity(segment string, missed uint64) {
	if m == nil {
		return
	}
	m.Discontinuities.WithLabelValues(segment).Inc()
	m.MissedFrames.WithLabelValues(segment).Add(float64(missed))
}

// SetFrameAge records the age of the last frame in seconds.
func (m *Metrics) SetFrameAge(segment string, seconds float64) {
	if m == nil {
		return
	}
	m.FrameAge.WithLabelValues(segment).Set(seconds)
}
