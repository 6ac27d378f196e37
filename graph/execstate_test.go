// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dataflow/status"
)

func newTestState(t *testing.T) *ExecutionState {
	state, err := MakeForBaseGraph(testGraphDef(), NewFunctionLibrary())
	require.NoError(t, err)
	return state
}

func TestExtendOnlyAddsNodes(t *testing.T) {
	state := newTestState(t)
	extended, err := state.Extend(&GraphDef{Nodes: []*NodeDef{
		{Name: "four", Op: "Const", Attrs: map[string]any{AttrValue: int32(4)}},
	}})
	require.NoError(t, err)
	require.Equal(t, state.NumNodes()+1, extended.NumNodes())

	// The old state is untouched.
	require.Equal(t, 6, state.NumNodes())

	// Duplicate names are rejected.
	_, err = extended.Extend(&GraphDef{Nodes: []*NodeDef{{Name: "s", Op: "NoOp"}}})
	require.Error(t, err)
	require.True(t, status.IsInvalidArgument(err))
}

func TestBuildGraphFunctionConvention(t *testing.T) {
	state := newTestState(t)
	clientGraph, err := state.BuildGraph(BuildGraphOptions{
		Feeds:                 []string{"a:0", "b:0"},
		Fetches:               []string{"t:0"},
		UseFunctionConvention: true,
	})
	require.NoError(t, err)

	g := clientGraph.Graph
	require.Len(t, clientGraph.FeedNodeNames, 2)
	require.Len(t, clientGraph.FetchNodeNames, 1)
	for _, feedNode := range clientGraph.FeedNodeNames {
		node := g.NodeByName(feedNode)
		require.NotNil(t, node)
		require.Equal(t, OpArg, node.Op())
	}
	fetchNode := g.NodeByName(clientGraph.FetchNodeNames[0])
	require.NotNil(t, fetchNode)
	require.Equal(t, OpRetval, fetchNode.Op())

	// The fed placeholders were pruned away, the side NoOp too.
	require.Nil(t, g.NodeByName("a"))
	require.Nil(t, g.NodeByName("b"))
	require.Nil(t, g.NodeByName("side"))
	require.NotNil(t, g.NodeByName("s"))
	require.NotNil(t, g.NodeByName("two"))
}

func TestBuildGraphRendezvousConvention(t *testing.T) {
	state := newTestState(t)
	keyFor := func(name string) string {
		return "/device:CPU:0;0000000000000001;/device:CPU:0;" + name + ";0:0"
	}
	clientGraph, err := state.BuildGraph(BuildGraphOptions{
		Feeds:              []string{"a:0", "b:0"},
		Fetches:            []string{"s:0", "t:0"},
		FeedRendezvousKey:  keyFor,
		FetchRendezvousKey: keyFor,
	})
	require.NoError(t, err)

	g := clientGraph.Graph
	for ii, feedNode := range clientGraph.FeedNodeNames {
		node := g.NodeByName(feedNode)
		require.Equal(t, OpRecv, node.Op())
		require.Equal(t, keyFor([]string{"a:0", "b:0"}[ii]), node.Attr(AttrRendezvousKey))
	}
	for _, fetchNode := range clientGraph.FetchNodeNames {
		require.Equal(t, OpSend, g.NodeByName(fetchNode).Op())
	}
}

func TestBuildGraphErrors(t *testing.T) {
	state := newTestState(t)

	_, err := state.BuildGraph(BuildGraphOptions{
		Feeds: []string{"missing:0"}, Fetches: []string{"t:0"}, UseFunctionConvention: true})
	require.True(t, status.IsNotFound(err))

	_, err = state.BuildGraph(BuildGraphOptions{
		Fetches: []string{"missing:0"}, UseFunctionConvention: true})
	require.True(t, status.IsNotFound(err))

	_, err = state.BuildGraph(BuildGraphOptions{
		Fetches: []string{"t:0"}, Targets: []string{"missing"}, UseFunctionConvention: true})
	require.True(t, status.IsNotFound(err))

	_, err = state.BuildGraph(BuildGraphOptions{
		Fetches: []string{"t:0"}, Targets: []string{"s:0"}, UseFunctionConvention: true})
	require.True(t, status.IsInvalidArgument(err))

	_, err = state.BuildGraph(BuildGraphOptions{
		Feeds: []string{"a:0", "a:0"}, Fetches: []string{"t:0"}, UseFunctionConvention: true})
	require.True(t, status.IsInvalidArgument(err))
}

func TestFetchOfFedTensor(t *testing.T) {
	state := newTestState(t)
	clientGraph, err := state.BuildGraph(BuildGraphOptions{
		Feeds:                 []string{"a:0"},
		Fetches:               []string{"a:0"},
		UseFunctionConvention: true,
	})
	require.NoError(t, err)

	// The fetch sink must read from the feed source, not the original node.
	fetchNode := clientGraph.Graph.NodeByName(clientGraph.FetchNodeNames[0])
	require.Len(t, fetchNode.InEdges(), 1)
	require.Equal(t, OpArg, fetchNode.InEdges()[0].Src.Op())
}

func TestPartition(t *testing.T) {
	state := newTestState(t)
	clientGraph, err := state.BuildGraph(BuildGraphOptions{
		Feeds:                 []string{"a:0", "b:0"},
		Fetches:               []string{"t:0"},
		UseFunctionConvention: true,
	})
	require.NoError(t, err)

	// Place the constant on a second device, everything else on the first.
	for _, node := range clientGraph.Graph.LiveNodes() {
		node.SetAssignedDevice("/device:CPU:0")
	}
	clientGraph.Graph.NodeByName("two").SetAssignedDevice("/device:CPU:1")

	partitions, err := Partition(clientGraph.Graph, PartitionOptions{
		NodeToLoc: func(node *Node) string { return node.AssignedDevice() },
		MakeRendezvousKey: func(src, dst, tensorName string) string {
			return src + ";0000000000000001;" + dst + ";" + tensorName + ";0:0"
		},
	})
	require.NoError(t, err)
	require.Len(t, partitions, 2)

	// The producing partition got a _Send, the consuming one a _Recv, and
	// they agree on the key.
	var sendKey, recvKey string
	for _, nodeDef := range partitions["/device:CPU:1"].Nodes {
		if nodeDef.Op == OpSend {
			sendKey = nodeDef.Attrs[AttrRendezvousKey].(string)
		}
	}
	for _, nodeDef := range partitions["/device:CPU:0"].Nodes {
		if nodeDef.Op == OpRecv {
			recvKey = nodeDef.Attrs[AttrRendezvousKey].(string)
		}
	}
	require.NotEmpty(t, sendKey)
	require.Equal(t, sendKey, recvKey)
	require.True(t, strings.Contains(sendKey, "two:0"))

	// Both partitions still build into valid graphs.
	for _, def := range partitions {
		_, err := New(def)
		require.NoError(t, err)
	}
}

func TestCollectiveGraphKeyStable(t *testing.T) {
	def := testGraphDef()
	def.Nodes = append(def.Nodes,
		&NodeDef{Name: "cr", Op: "CollectiveReduce", Inputs: []string{"s:0"}})
	state, err := MakeForBaseGraph(def, NewFunctionLibrary())
	require.NoError(t, err)

	build := func() int64 {
		clientGraph, err := state.BuildGraph(BuildGraphOptions{
			Fetches: []string{"cr:0"}, UseFunctionConvention: true})
		require.NoError(t, err)
		return clientGraph.CollectiveGraphKey
	}
	first, second := build(), build()
	require.NotZero(t, first)
	require.Equal(t, first, second)
}
