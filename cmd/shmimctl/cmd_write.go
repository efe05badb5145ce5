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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/segment"
)

func newWriteCmd(a *app) *cobra.Command {
	var flags struct {
		Count    int
		Interval time.Duration
	}
	cmd := &cobra.Command{
		Use:   "write NAME",
		Short: "Write ramp test frames into a segment",
		Long:  "Element i of frame f holds f+i. Each frame is a full write and sets the frame id to f.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := segment.Open(cmd.Context(), args[0], a.segmentConfig())
			if err != nil {
				return err
			}
			defer w.Close()
			start := w.Counter()
			for i := 0; i < flags.Count; i++ {
				frame := start + uint64(i) + 1
				w.SetFrameID(frame)
				if err := writeRamp(w, frame); err != nil {
					return err
				}
				if flags.Interval > 0 && i+1 < flags.Count {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(flags.Interval):
					}
				}
			}
			fmt.Fprintf(a.out, "%s: wrote %d frames, cnt0=%d\n", w.LocalName(), flags.Count, w.Counter())
			return nil
		},
	}
	cmd.Flags().IntVarP(&flags.Count, "count", "n", 1, "Number of frames")
	cmd.Flags().DurationVarP(&flags.Interval, "interval", "i", 0, "Delay between frames")
	return cmd
}

type realElement interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64
}

func ramp[T realElement](n, frame uint64) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(frame + uint64(i))
	}
	return out
}

func complexRamp[T complex64 | complex128](n, frame uint64) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(complex(float64(frame+uint64(i)), 0))
	}
	return out
}

func writeRamp(w *segment.Writer, frame uint64) error {
	n := w.NElement()
	switch w.DataType() {
	case layout.TypeUint8:
		return segment.WriteFull(w, ramp[uint8](n, frame))
	case layout.TypeInt8:
		return segment.WriteFull(w, ramp[int8](n, frame))
	case layout.TypeUint16:
		return segment.WriteFull(w, ramp[uint16](n, frame))
	case layout.TypeInt16:
		return segment.WriteFull(w, ramp[int16](n, frame))
	case layout.TypeUint32:
		return segment.WriteFull(w, ramp[uint32](n, frame))
	case layout.TypeInt32:
		return segment.WriteFull(w, ramp[int32](n, frame))
	case layout.TypeUint64:
		return segment.WriteFull(w, ramp[uint64](n, frame))
	case layout.TypeInt64:
		return segment.WriteFull(w, ramp[int64](n, frame))
	case layout.TypeFloat32:
		return segment.WriteFull(w, ramp[float32](n, frame))
	case layout.TypeFloat64:
		return segment.WriteFull(w, ramp[float64](n, frame))
	case layout.TypeComplex64:
		return segment.WriteFull(w, complexRamp[complex64](n, frame))
	case layout.TypeComplex128:
		return segment.WriteFull(w, complexRamp[complex128](n, frame))
	}
	return fmt.Errorf("unsupported element type %s", w.DataType())
}
