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

package sem

import (
	"fmt"
	"strings"

	"github.com/srediag/shmim/pkg/shmerr"
)

// DeriveLocalName strips the directories and the extension from a segment
// path: "/tmp/foo/bar.im.shm" becomes "bar". The path must end in a
// <local>.<ext> component.
func DeriveLocalName(path string) (string, error) {
	if path == "" || strings.HasSuffix(path, "/") {
		return "", fmt.Errorf("%w: %q has no trailing path component", shmerr.ErrNameFormat, path)
	}
	base := path[strings.LastIndexByte(path, '/')+1:]
	dot := strings.IndexByte(base, '.')
	if dot < 0 {
		return "", fmt.Errorf("%w: %q has no extension", shmerr.ErrNameFormat, path)
	}
	if dot == 0 {
		return "", fmt.Errorf("%w: %q has an empty local name", shmerr.ErrNameFormat, path)
	}
	return base[:dot], nil
}

// SemName returns the name of frame semaphore index for a local name.
func SemName(local string, index int) string {
	return fmt.Sprintf("%s_sem%02d", local, index)
}

// LogSemName returns the name of the logging semaphore for a local name.
func LogSemName(local string) string {
	return local + "_semlog"
}
