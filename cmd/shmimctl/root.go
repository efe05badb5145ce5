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
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/segment"
	"github.com/srediag/shmim/pkg/sem"
)

// settings are read from flags, SHMIM_* variables and an optional file.
type settings struct {
	Dir         string `mapstructure:"dir"`
	SemDir      string `mapstructure:"sem-dir"`
	LogLevel    string `mapstructure:"log-level"`
	LogJSON     bool   `mapstructure:"log-json"`
	UnsafeReads bool   `mapstructure:"unsafe-reads"`
}

type app struct {
	v   *viper.Viper
	cfg settings
	log *logging.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var configFile string

	cmd := &cobra.Command{
		Use:           "shmimctl",
		Short:         "Manage shared memory frame segments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd, configFile)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file (yaml, json or toml)")
	flags.String("dir", segment.DefaultDir, "Directory for segments given by bare name")
	flags.String("sem-dir", sem.DefaultDir, "Directory holding semaphore files")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	flags.Bool("log-json", false, "Log JSON instead of console text")
	flags.Bool("unsafe-reads", false, "Read payloads without the write generation check")

	cmd.AddCommand(
		newCreateCmd(a),
		newInfoCmd(a),
		newRmCmd(a),
		newProvisionCmd(a),
		newWriteCmd(a),
		newWatchCmd(a),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command, configFile string) error {
	a.out = cmd.OutOrStdout()
	a.v.SetEnvPrefix("shmim")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile != "" {
		a.v.SetConfigFile(configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", configFile, err)
		}
	}
	if err := a.v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}
	level, err := logging.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return err
	}
	if a.cfg.LogJSON {
		a.log = logging.NewJSON("shmimctl", cmd.ErrOrStderr(), level)
	} else {
		a.log = logging.New("shmimctl", cmd.ErrOrStderr(), level)
	}
	return nil
}

func (a *app) segmentConfig() *segment.Config {
	cfg := segment.DefaultConfig()
	cfg.Dir = a.cfg.Dir
	cfg.SemDir = a.cfg.SemDir
	cfg.UnsafeReads = a.cfg.UnsafeReads
	cfg.Logger = a.log
	return cfg
}

// parseShape accepts "640x480", "640,480" or "4".
func parseShape(s string) ([]uint32, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == 'x' || r == ',' })
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty shape %q", s)
	}
	shape := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("shape %q: %w", s, err)
		}
		shape[i] = uint32(n)
	}
	return shape, nil
}

func addSemaphoreFlag(fs *pflag.FlagSet, p *int) {
	fs.IntVarP(p, "semaphores", "s", sem.DefaultSemaphores, "Number of frame semaphores")
}
