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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srediag/shmim/pkg/layout"
	"github.com/srediag/shmim/pkg/segment"
)

func newCreateCmd(a *app) *cobra.Command {
	var flags struct {
		Type       string
		Shape      string
		Keywords   int
		Semaphores int
	}
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a zero-filled segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := layout.ParseDataType(flags.Type)
			if err != nil {
				return err
			}
			shape, err := parseShape(flags.Shape)
			if err != nil {
				return err
			}
			cfg := a.segmentConfig()
			cfg.NBKw = flags.Keywords
			cfg.NumSemaphores = flags.Semaphores
			w, err := segment.Create(cmd.Context(), args[0], shape, dt, cfg)
			if err != nil {
				return err
			}
			defer w.Close()
			fmt.Fprintf(a.out, "created %s (%s %v, %s)\n", w.Path(), dt, shape, humanize.IBytes(uint64(w.Layout().TotalSize)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.Type, "type", "t", "float32", "Element type")
	cmd.Flags().StringVar(&flags.Shape, "shape", "", "Shape, e.g. 64x64")
	cmd.Flags().IntVarP(&flags.Keywords, "keywords", "k", segment.DefaultNBKw, "Keyword table length")
	addSemaphoreFlag(cmd.Flags(), &flags.Semaphores)
	_ = cmd.MarkFlagRequired("shape")
	return cmd
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME...",
		Short: "Print segment headers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				info, err := segment.Inspect(segment.ResolvePath(name, a.cfg.Dir), a.cfg.SemDir)
				if err != nil {
					return err
				}
				fmt.Fprint(a.out, info.String())
				fmt.Fprintf(a.out, "footprint:   %s\n", humanize.IBytes(uint64(info.FileSize)))
				if info.Counter > 0 {
					fmt.Fprintf(a.out, "age:         %s\n", humanize.RelTime(info.LastWrite, time.Now(), "ago", "from now"))
				}
			}
			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME...",
		Short: "Unlink segments and their semaphores",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				w, err := segment.Open(cmd.Context(), name, a.segmentConfig())
				if err != nil {
					return err
				}
				if err := w.Destroy(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "removed %s\n", w.Path())
			}
			return nil
		},
	}
}

func newProvisionCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "provision NAME",
		Short: "Rebuild the frame semaphores of a segment",
		Long:  "Unlinks and recreates the frame semaphores when the count changes. Every attached process is affected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := segment.Open(cmd.Context(), args[0], a.segmentConfig())
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.ProvisionSemaphores(cmd.Context(), n); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %d semaphores\n", w.LocalName(), w.Semaphores())
			return nil
		},
	}
	addSemaphoreFlag(cmd.Flags(), &n)
	return cmd
}
