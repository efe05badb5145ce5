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

package shm

import (
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// CanCreate reports whether dir has at least size free bytes. Usage errors
// count as "yes" so that directories gopsutil cannot stat are not blocked.
func CanCreate(size uint64, dir string) bool {
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

// PathExists reports whether path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
