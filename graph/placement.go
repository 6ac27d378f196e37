// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/dataflow/status"
)

// Place assigns a device name to every live node of the graph: the node's
// requested device when the NodeDef names one, the default device otherwise.
// The resolve callback canonicalizes device names (accepting all spellings)
// and fails for devices that don't exist locally.
//
// Placement is intentionally simple: the engine works from pre-computed
// assignments, it does not search for a good placement.
func Place(g *Graph, defaultDevice string, resolve func(string) (string, error)) error {
	for _, node := range g.LiveNodes() {
		if node.AssignedDevice() != "" {
			// Feed/fetch rewrites pre-assign the device requested by the
			// node they replace or read.
			requested, err := resolve(node.AssignedDevice())
			if err != nil {
				return status.InvalidArgumentf("node %q requests unknown device %q", node.Name(), node.AssignedDevice())
			}
			node.SetAssignedDevice(requested)
			continue
		}
		requested := node.Def().Device
		if requested == "" {
			node.SetAssignedDevice(defaultDevice)
			continue
		}
		canonical, err := resolve(requested)
		if err != nil {
			return status.InvalidArgumentf("node %q requests unknown device %q", node.Name(), requested)
		}
		node.SetAssignedDevice(canonical)
	}
	return nil
}

// StatefulPlacements returns the assigned device of every stateful node in
// the graph, keyed by node name.
func StatefulPlacements(g *Graph) map[string]string {
	placements := make(map[string]string)
	for _, node := range g.LiveNodes() {
		if node.IsStateful() {
			placements[node.Name()] = node.AssignedDevice()
		}
	}
	return placements
}
