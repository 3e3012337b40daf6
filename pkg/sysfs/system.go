// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sysfs

import (
	"fmt"
	"path/filepath"
	"sort"

	idset "github.com/intel/goresctrl/pkg/utils"

	logger "github.com/intel/gcsched/pkg/log"
)

const (
	// SysfsRootPath is the mount path of sysfs.
	SysfsRootPath = "/sys"
	// sysfs device/node subdirectory path
	sysfsNumaNodePath = "devices/system/node"
)

// System is the NUMA topology of a host, as seen through sysfs.
type System struct {
	logger.Logger                    // our logger instance
	path          string             // sysfs mount point
	nodes         map[idset.ID]*Node // NUMA nodes
}

// Node is a NUMA node.
type Node struct {
	path     string      // sysfs path
	id       idset.ID    // node id
	cpus     idset.IDSet // cpus in this node
	distance []int       // distance/cost to other NUMA nodes
	memTotal uint64      // total memory in this node, in bytes
}

// DiscoverSystem performs discovery of the running systems NUMA nodes.
func DiscoverSystem() (*System, error) {
	return DiscoverSystemAt(SysfsRootPath)
}

// DiscoverSystemAt performs discovery using sysfs mounted at the given path.
func DiscoverSystemAt(path string) (*System, error) {
	sys := &System{
		Logger: logger.NewLogger("sysfs"),
		path:   path,
	}

	if err := sys.discoverNodes(); err != nil {
		return nil, err
	}

	if sys.DebugEnabled() {
		for _, id := range sys.NodeIDs() {
			node := sys.nodes[id]
			sys.Debug("node #%d:", id)
			sys.Debug("      cpus: %s", node.cpus)
			sys.Debug("    memory: %d", node.memTotal)
			sys.Debug("  distance: %v", node.distance)
		}
	}

	return sys, nil
}

// NodeIDs returns the sorted ids of all NUMA nodes.
func (sys *System) NodeIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(sys.nodes))
	for id := range sys.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NodeSet returns the set of all NUMA nodes.
func (sys *System) NodeSet() idset.IDSet {
	return idset.NewIDSet(sys.NodeIDs()...)
}

// MemoryNodes returns the sorted ids of NUMA nodes with memory attached.
func (sys *System) MemoryNodes() []idset.ID {
	ids := []idset.ID{}
	for _, id := range sys.NodeIDs() {
		if sys.nodes[id].memTotal > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Node returns the node with the given id.
func (sys *System) Node(id idset.ID) *Node {
	return sys.nodes[id]
}

// Discover NUMA nodes present in the system.
func (sys *System) discoverNodes() error {
	sys.nodes = make(map[idset.ID]*Node)

	entries, _ := filepath.Glob(filepath.Join(sys.path, sysfsNumaNodePath, "node[0-9]*"))
	for _, entry := range entries {
		if err := sys.discoverNode(entry); err != nil {
			return fmt.Errorf("failed to discover node for entry %s: %v", entry, err)
		}
	}

	return nil
}

// Discover details of the given NUMA node.
func (sys *System) discoverNode(path string) error {
	node := &Node{path: path, id: getEnumeratedID(path)}

	if err := readSysfsEntry(path, "cpulist", &node.cpus, ","); err != nil {
		return err
	}
	if err := readSysfsEntry(path, "distance", &node.distance, ""); err != nil {
		return err
	}

	meminfo := map[string]*uint64{"MemTotal": &node.memTotal}
	if err := ParseFileEntries(filepath.Join(path, "meminfo"), meminfo, pickNodeMeminfo); err != nil {
		return err
	}

	sys.nodes[node.id] = node

	return nil
}

// ID returns id of this node.
func (n *Node) ID() idset.ID {
	return n.id
}

// CPUs returns the set of CPUs in this node.
func (n *Node) CPUs() idset.IDSet {
	return n.cpus.Clone()
}

// MemTotal returns the amount of memory in this node, in bytes.
func (n *Node) MemTotal() uint64 {
	return n.memTotal
}

// Distance returns the distance vector for this node.
func (n *Node) Distance() []int {
	return n.distance
}

// DistanceFrom returns the distance of this and a given node.
func (n *Node) DistanceFrom(id idset.ID) int {
	if int(id) < len(n.distance) {
		return n.distance[int(id)]
	}

	return -1
}
