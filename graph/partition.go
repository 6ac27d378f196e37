// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/status"
)

// PartitionOptions parameterizes Partition.
type PartitionOptions struct {
	// NodeToLoc returns the location (device name) that owns a node.
	NodeToLoc func(*Node) string

	// MakeRendezvousKey builds the key under which a tensor crossing from
	// srcDevice to dstDevice is sent and received. The same key must be
	// derivable on both sides, so it is computed once here and stored on
	// both the _Send and the _Recv node.
	MakeRendezvousKey func(srcDevice, dstDevice, tensorName string) string
}

// Partition splits a placed graph into one GraphDef per device owning at
// least one node. A data edge crossing devices becomes a _Send node on the
// producer partition and a _Recv node on the consumer partition, paired by a
// rendezvous key. Cross-device control edges are dropped (the engine's op
// set has no side effects that require them across devices).
func Partition(g *Graph, opts PartitionOptions) (map[string]*GraphDef, error) {
	if opts.NodeToLoc == nil || opts.MakeRendezvousKey == nil {
		return nil, status.Internalf("partition options are incomplete")
	}

	partitions := make(map[string]*GraphDef)
	partitionFor := func(loc string) *GraphDef {
		def, found := partitions[loc]
		if !found {
			def = &GraphDef{}
			partitions[loc] = def
		}
		return def
	}

	// One _Send/_Recv pair per (source output, destination device), even if
	// several consumers on the destination read the same tensor.
	type crossing struct {
		src       *Node
		srcOutput int
		dstLoc    string
	}
	recvNames := make(map[crossing]string)
	droppedControl := 0

	for _, node := range g.LiveNodes() {
		loc := opts.NodeToLoc(node)
		if loc == "" {
			return nil, status.Internalf("node %q has no assigned device at partition time", node.Name())
		}
		def := partitionFor(loc)

		nodeDef := &NodeDef{
			Name:   node.Name(),
			Op:     node.Op(),
			Device: loc,
			Attrs:  node.Def().Attrs,
		}
		dataInputs := make([]string, node.NumDataInputs())
		var controlInputs []string
		for _, edge := range node.InEdges() {
			srcLoc := opts.NodeToLoc(edge.Src)
			if edge.IsControl() {
				if srcLoc != loc {
					droppedControl++
					continue
				}
				controlInputs = append(controlInputs, "^"+edge.Src.Name())
				continue
			}
			if srcLoc == loc {
				dataInputs[edge.DstInput] = fmt.Sprintf("%s:%d", edge.Src.Name(), edge.SrcOutput)
				continue
			}

			// Cross-device data edge: route through the rendezvous.
			cross := crossing{src: edge.Src, srcOutput: edge.SrcOutput, dstLoc: loc}
			recvName, found := recvNames[cross]
			if !found {
				tensorName := fmt.Sprintf("%s:%d", edge.Src.Name(), edge.SrcOutput)
				key := opts.MakeRendezvousKey(srcLoc, loc, tensorName)
				sendDef := &NodeDef{
					Name:   fmt.Sprintf("_send_%s_%d_to_%s", sanitizeName(edge.Src.Name()), edge.SrcOutput, sanitizeName(loc)),
					Op:     OpSend,
					Inputs: []string{tensorName},
					Device: srcLoc,
					Attrs:  map[string]any{AttrRendezvousKey: key},
				}
				partitionFor(srcLoc).Nodes = append(partitionFor(srcLoc).Nodes, sendDef)

				recvName = fmt.Sprintf("_recv_%s_%d", sanitizeName(edge.Src.Name()), edge.SrcOutput)
				recvDef := &NodeDef{
					Name:   recvName,
					Op:     OpRecv,
					Device: loc,
					Attrs:  map[string]any{AttrRendezvousKey: key},
				}
				def.Nodes = append(def.Nodes, recvDef)
				recvNames[cross] = recvName
			}
			dataInputs[edge.DstInput] = recvName + ":0"
		}
		nodeDef.Inputs = append(dataInputs, controlInputs...)
		def.Nodes = append(def.Nodes, nodeDef)
	}

	if droppedControl > 0 {
		klog.V(1).Infof("partitioning dropped %d cross-device control edges", droppedControl)
	}
	return partitions, nil
}
