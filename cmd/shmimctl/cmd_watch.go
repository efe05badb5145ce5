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

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/shmim/pkg/metrics"
	"github.com/srediag/shmim/pkg/monitor"
	"github.com/srediag/shmim/pkg/shmerr"
)

func newWatchCmd(a *app) *cobra.Command {
	var flags struct {
		Listen     string
		Semaphore  int
		Timeout    time.Duration
		StaleAfter time.Duration
		Duration   time.Duration
	}
	cmd := &cobra.Command{
		Use:   "watch NAME...",
		Short: "Follow segments and serve /metrics, /live and /ready",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if flags.Duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.Duration)
				defer cancel()
			}

			reg := prometheus.NewRegistry()
			m, err := metrics.New(reg)
			if err != nil {
				return err
			}
			cfg := monitor.DefaultConfig()
			cfg.Segment = a.segmentConfig()
			cfg.Segment.Metrics = m
			cfg.Semaphore = flags.Semaphore
			cfg.WaitTimeout = flags.Timeout
			cfg.StaleAfter = flags.StaleAfter
			cfg.MaxWatchers = len(args)
			cfg.Logger = a.log
			mon, err := monitor.New(cfg)
			if err != nil {
				return err
			}
			defer mon.Close()
			for _, name := range args {
				if err := mon.Watch(name); err != nil {
					return err
				}
			}

			if flags.Listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				mux.Handle("/live", mon.Handler())
				mux.Handle("/ready", mon.Handler())
				srv := &http.Server{Addr: flags.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Errorf("http server: %v", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				a.log.Infof("serving /metrics, /live and /ready on %s", flags.Listen)
			}

			for ctx.Err() == nil {
				e, err := mon.Next(100 * time.Millisecond)
				if errors.Is(err, shmerr.ErrTimeout) {
					continue
				}
				if err != nil {
					return err
				}
				switch e.Kind {
				case monitor.EventFrame:
					a.log.Debugf("%s: frame %d", e.Segment, e.Counter)
				case monitor.EventTimeout:
					a.log.Tracef("%s: no frame", e.Segment)
				case monitor.EventDiscontinuity:
					a.log.Warnf("%s: missed %d frames before %d", e.Segment, e.Missed, e.Counter)
				case monitor.EventError:
					a.log.Errorf("%s: %v", e.Segment, e.Err)
				default:
					a.log.Infof("%s: %s at cnt0=%d", e.Segment, e.Kind, e.Counter)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.Listen, "listen", "l", ":9464", "HTTP listen address, empty to disable")
	cmd.Flags().IntVar(&flags.Semaphore, "semaphore", 0, "Frame semaphore index to wait on")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", time.Second, "Semaphore wait timeout")
	cmd.Flags().DurationVar(&flags.StaleAfter, "stale-after", 5*time.Second, "Readiness fails after this long without frames")
	cmd.Flags().DurationVar(&flags.Duration, "duration", 0, "Stop after this long, 0 runs until interrupted")
	return cmd
}
