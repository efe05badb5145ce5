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

// Package numa maps CPUs to NUMA nodes and allocates memory preferring a
// given node.
package numa

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/srediag/shmim/pkg/logging"
	"github.com/srediag/shmim/pkg/shmerr"
)

// SysfsRoot is where the kernel publishes the node topology.
const SysfsRoot = "/sys/devices/system/node"

// Topology is the CPU to node map of the host.
type Topology struct {
	nodes    []int
	nodeCPUs map[int][]int
	cpuNode  map[int]int
	numCPUs  int
}

// Detect reads the topology from sysfs. Hosts without NUMA information are
// treated as a single node 0 holding every CPU.
func Detect(log *logging.Logger) *Topology {
	t, err := detectFrom(SysfsRoot)
	if err == nil {
		log.Debugf("numa topology: %d nodes, %d cpus", t.NumNodes(), t.NumCPUs())
		return t
	}
	log.Infof("numa topology unavailable, assuming one node: %v", err)
	return singleNode()
}

func detectFrom(root string) (*Topology, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	t := &Topology{nodeCPUs: map[int][]int{}, cpuNode: map[int]int{}}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "cpulist"))
		if err != nil {
			return nil, err
		}
		cpus, err := parseCPUList(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("node%d: %w", id, err)
		}
		t.nodes = append(t.nodes, id)
		t.nodeCPUs[id] = cpus
		for _, c := range cpus {
			t.cpuNode[c] = id
		}
		t.numCPUs += len(cpus)
	}
	if len(t.nodes) == 0 {
		return nil, fmt.Errorf("no nodes under %s", root)
	}
	sort.Ints(t.nodes)
	return t, nil
}

func singleNode() *Topology {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = 1
	}
	cpus := make([]int, n)
	cpuNode := make(map[int]int, n)
	for i := range cpus {
		cpus[i] = i
		cpuNode[i] = 0
	}
	return &Topology{
		nodes:    []int{0},
		nodeCPUs: map[int][]int{0: cpus},
		cpuNode:  cpuNode,
		numCPUs:  n,
	}
}

// parseCPUList parses the kernel list format, e.g. "0-3,8,10-11".
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	if s == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: cpu list %q", shmerr.ErrConfiguration, s)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("%w: cpu list %q", shmerr.ErrConfiguration, s)
			}
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// NumNodes returns the number of nodes.
func (t *Topology) NumNodes() int { return len(t.nodes) }

// Nodes returns the node ids in ascending order.
func (t *Topology) Nodes() []int { return append([]int(nil), t.nodes...) }

// NumCPUs returns the number of CPUs across all nodes.
func (t *Topology) NumCPUs() int { return t.numCPUs }

// NodeCPUs returns the CPUs of node.
func (t *Topology) NodeCPUs(node int) []int { return t.nodeCPUs[node] }

// HasNode reports whether node exists.
func (t *Topology) HasNode(node int) bool {
	_, ok := t.nodeCPUs[node]
	return ok
}

// NodeOfCPU returns the node holding cpu, 0 when cpu is unknown.
func (t *Topology) NodeOfCPU(cpu int) int {
	return t.cpuNode[cpu]
}
