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

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	suite.Suite
}

func (s *LoggingTestSuite) TestLevelFiltering() {
	var out bytes.Buffer
	l := NewJSON("segment", &out, LevelWarn)

	l.Tracef("trace %d", 1)
	l.Debugf("debug %d", 2)
	l.Infof("info %d", 3)
	s.Require().Zero(out.Len())

	l.Warnf("warn %s", "hello world")
	l.Errorf("error %s", "hello world")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 2)

	var rec map[string]interface{}
	s.Require().NoError(json.Unmarshal([]byte(lines[0]), &rec))
	s.Equal("warn", rec["level"])
	s.Equal("warn hello world", rec["message"])
	s.Equal("segment", rec["component"])
}

func (s *LoggingTestSuite) TestLevelIsPerInstance() {
	var a, b bytes.Buffer
	la := NewJSON("a", &a, LevelInfo)
	lb := NewJSON("b", &b, LevelInfo)
	la.SetLevel(LevelNoPrint)

	la.Errorf("dropped")
	lb.Infof("kept")
	s.Zero(a.Len())
	s.NotZero(b.Len())
}

func (s *LoggingTestSuite) TestNamedInheritsLevel() {
	var out bytes.Buffer
	l := NewJSON("rtc", &out, LevelDebug)
	c := l.Named("sem")
	s.Equal(LevelDebug, c.Level())
	c.Debugf("probe")
	s.Contains(out.String(), `"component":"rtc.sem"`)
}

func (s *LoggingTestSuite) TestNilAndNopAreSilent() {
	var l *Logger
	l.Infof("nothing %d", 1)
	s.False(l.Enabled(LevelError))
	s.Nil(l.Named("x"))
	Nop().Errorf("nothing")
}

func (s *LoggingTestSuite) TestParseLevel() {
	for in, want := range map[string]Level{
		"trace": LevelTrace, "DEBUG": LevelDebug, "2": LevelInfo,
		"warning": LevelWarn, "error": LevelError, "off": LevelNoPrint,
	} {
		got, err := ParseLevel(in)
		s.Require().NoError(err, in)
		s.Equal(want, got, in)
	}
	_, err := ParseLevel("loud")
	s.Error(err)
	_, err = ParseLevel("9")
	s.Error(err)
}

func (s *LoggingTestSuite) TestLevelFromEnv() {
	s.T().Setenv(EnvLogLevel, "debug")
	s.Equal(LevelDebug, LevelFromEnv(LevelWarn))
	s.T().Setenv(EnvLogLevel, "garbage")
	s.Equal(LevelWarn, LevelFromEnv(LevelWarn))
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
