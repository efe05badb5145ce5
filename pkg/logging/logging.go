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

// Package logging provides the leveled logger handed to every segment,
// semaphore and buffer component. There is no package-level logger: each
// component receives an instance and the level lives on that instance.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// EnvLogLevel names the environment variable read by LevelFromEnv.
const EnvLogLevel = "SHMIM_LOG_LEVEL"

// Level orders log severities. Higher values print less.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var levelName = []string{
	"trace",
	"debug",
	"info",
	"warn",
	"error",
	"off",
}

func (l Level) String() string {
	if l < LevelTrace || l > LevelNoPrint {
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
	return levelName[l]
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.Disabled
}

// ParseLevel accepts either a level name ("warn") or its number ("3").
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(LevelTrace) || n > int(LevelNoPrint) {
			return LevelWarn, fmt.Errorf("log level %d out of range", n)
		}
		return Level(n), nil
	}
	for i, name := range levelName {
		if s == name {
			return Level(i), nil
		}
	}
	if s == "warning" {
		return LevelWarn, nil
	}
	return LevelWarn, fmt.Errorf("unknown log level %q", s)
}

// LevelFromEnv returns the level named by SHMIM_LOG_LEVEL, or def when the
// variable is unset or invalid.
func LevelFromEnv(def Level) Level {
	v := os.Getenv(EnvLogLevel)
	if v == "" {
		return def
	}
	l, err := ParseLevel(v)
	if err != nil {
		return def
	}
	return l
}

// Logger is a named, leveled sink. A nil *Logger discards everything.
type Logger struct {
	name  string
	level atomic.Int32
	zl    zerolog.Logger
}

// New returns a logger writing human readable lines to out (stdout when nil).
func New(name string, out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stdout
	}
	cw := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    !isTerminal(out),
		TimeFormat: "2006-01-02 15:04:05.999999",
	}
	return newLogger(name, cw, level)
}

// NewJSON returns a logger writing one JSON object per line.
func NewJSON(name string, out io.Writer, level Level) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return newLogger(name, out, level)
}

// Nop returns a logger that prints nothing.
func Nop() *Logger {
	return newLogger("", io.Discard, LevelNoPrint)
}

func newLogger(name string, out io.Writer, level Level) *Logger {
	ctx := zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().
		CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 2)
	if name != "" {
		ctx = ctx.Str("component", name)
	}
	l := &Logger{name: name, zl: ctx.Logger()}
	l.level.Store(int32(level))
	return l
}

// Named returns a child logger sharing the output and current level.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	c := &Logger{name: full, zl: l.zl.With().Str("component", full).Logger()}
	c.level.Store(l.level.Load())
	return c
}

// SetLevel changes the level of this instance only.
func (l *Logger) SetLevel(level Level) {
	if l == nil || level < LevelTrace || level > LevelNoPrint {
		return
	}
	l.level.Store(int32(level))
}

// Level returns the current level.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelNoPrint
	}
	return Level(l.level.Load())
}

// Enabled reports whether messages at level would be printed.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level < LevelNoPrint && Level(l.level.Load()) <= level
}

func (l *Logger) logf(level Level, format string, a ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.zl.WithLevel(level.zerolog()).Msgf(format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
