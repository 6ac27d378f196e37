// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/dataflow/status"
)

// ExecutionState holds the authoritative full graph of a session. States are
// immutable: Extend produces a new state from the old one, the session swaps
// them under its graph-state lock.
type ExecutionState struct {
	def  *GraphDef
	flib *FunctionLibrary

	// names of all nodes in def, to reject duplicates on Extend.
	names map[string]bool
}

// MakeForBaseGraph creates the initial execution state from the first graph
// installed in a session.
func MakeForBaseGraph(def *GraphDef, flib *FunctionLibrary) (*ExecutionState, error) {
	state := &ExecutionState{
		def:   def.Clone(),
		flib:  flib,
		names: make(map[string]bool, len(def.Nodes)),
	}
	for _, nodeDef := range def.Nodes {
		if state.names[nodeDef.Name] {
			return nil, status.InvalidArgumentf("duplicate node name %q in graph", nodeDef.Name)
		}
		state.names[nodeDef.Name] = true
	}
	// Validate connectivity once upfront.
	if _, err := New(state.def); err != nil {
		return nil, status.WithKind(status.InvalidArgument, err)
	}
	return state, nil
}

// Extend returns a new state with the extension nodes appended. Nodes are
// only ever added, never removed or modified.
func (s *ExecutionState) Extend(extension *GraphDef) (*ExecutionState, error) {
	merged := s.def.Clone()
	names := make(map[string]bool, len(s.names)+len(extension.Nodes))
	for name := range s.names {
		names[name] = true
	}
	for _, nodeDef := range extension.Nodes {
		if names[nodeDef.Name] {
			return nil, status.InvalidArgumentf("cannot extend graph: node %q already exists", nodeDef.Name)
		}
		names[nodeDef.Name] = true
		merged.Nodes = append(merged.Nodes, nodeDef)
	}
	merged.Version = max(merged.Version, extension.Version)
	newState := &ExecutionState{def: merged, flib: s.flib, names: names}
	if _, err := New(merged); err != nil {
		return nil, status.WithKind(status.InvalidArgument, err)
	}
	return newState, nil
}

// FullGraphDef returns the merged GraphDef held by this state. Treat it as
// immutable.
func (s *ExecutionState) FullGraphDef() *GraphDef { return s.def }

// FunctionLibrary attached to the state (shared with the owning session).
func (s *ExecutionState) FunctionLibrary() *FunctionLibrary { return s.flib }

// NumNodes in the full graph.
func (s *ExecutionState) NumNodes() int { return len(s.def.Nodes) }

// BuildGraphOptions selects the subgraph a client asked for and how feeds and
// fetches are wired into it.
type BuildGraphOptions struct {
	Feeds, Fetches, Targets []string

	// UseFunctionConvention rewrites feeds as _Arg nodes and fetches as
	// _Retval nodes, reading from and writing to a call frame. When false
	// (partial runs), feeds become _Recv and fetches _Send over a rendezvous.
	UseFunctionConvention bool

	// FeedRendezvousKey and FetchRendezvousKey provide the precomputed
	// rendezvous key for each feed/fetch name. Required when
	// UseFunctionConvention is false.
	FeedRendezvousKey  func(name string) string
	FetchRendezvousKey func(name string) string
}

// ClientGraph is the result of pruning the full graph for one
// (feeds, fetches, targets) request: ready to be placed and partitioned.
type ClientGraph struct {
	Graph *Graph

	// FeedTypes and FetchTypes hold the declared dtypes per feed/fetch, when
	// the graph declares them (dtypes.InvalidDType when it doesn't).
	FeedTypes, FetchTypes []dtypes.DType

	// FeedNodeNames and FetchNodeNames name the rewritten source and sink
	// nodes, aligned with the request's feeds and fetches.
	FeedNodeNames, FetchNodeNames []string

	// CollectiveGraphKey correlates collective operations of this client
	// graph across runs. Zero when the graph has no collective ops.
	CollectiveGraphKey int64
}

// Node op names used by the feed/fetch rewrite. The executor package
// registers the kernels that give them meaning.
const (
	OpArg    = "_Arg"
	OpRetval = "_Retval"
	OpSend   = "_Send"
	OpRecv   = "_Recv"
)

// AttrIndex is the attribute carrying the call-frame slot of _Arg/_Retval
// nodes; AttrRendezvousKey carries the full rendezvous key of _Send/_Recv
// nodes.
const (
	AttrIndex         = "index"
	AttrRendezvousKey = "rendezvous_key"
	AttrDType         = "dtype"
	AttrValue         = "value"
)

// BuildGraph prunes the full graph down to the client graph for the given
// options: feeds are rewritten into source nodes, fetches into sink nodes,
// and everything not needed by fetches, targets or feeds is removed.
func (s *ExecutionState) BuildGraph(opts BuildGraphOptions) (*ClientGraph, error) {
	g, err := New(s.def)
	if err != nil {
		return nil, status.WithKind(status.Internal, err)
	}

	type outputKey struct {
		name   string
		output int
	}
	feedNodes := make(map[outputKey]*Node, len(opts.Feeds))
	roots := make([]*Node, 0, len(opts.Feeds)+len(opts.Fetches)+len(opts.Targets))
	feedTypes := make([]dtypes.DType, len(opts.Feeds))

	// Rewrite feeds into source nodes.
	for ii, feed := range opts.Feeds {
		name, output, err := ParseTensorName(feed)
		if err != nil || output == ControlSlot {
			return nil, status.InvalidArgumentf("invalid feed name %q", feed)
		}
		fed := g.NodeByName(name)
		if fed == nil {
			return nil, status.NotFoundf("feed %q refers to a node that does not exist in the graph", feed)
		}
		key := outputKey{name, output}
		if _, duplicate := feedNodes[key]; duplicate {
			return nil, status.InvalidArgumentf("feed %q is duplicated", feed)
		}
		feedTypes[ii] = declaredDType(fed)

		// The node name encodes the convention: the device op-segment caches
		// kernels by node name, so the _Arg and _Recv variants of the same
		// feed must never collide.
		feedDef := &NodeDef{Attrs: map[string]any{AttrIndex: ii}}
		if opts.UseFunctionConvention {
			feedDef.Op = OpArg
			// The slot index is part of the name: the same feed at another
			// position is a different kernel.
			feedDef.Name = fmt.Sprintf("_arg_%s_%d_%d", sanitizeName(name), output, ii)
		} else {
			feedDef.Op = OpRecv
			feedDef.Name = fmt.Sprintf("_recv_feed_%s_%d", sanitizeName(name), output)
			if opts.FeedRendezvousKey == nil {
				return nil, status.Internalf("rendezvous feed convention requested without key builder")
			}
			feedDef.Attrs[AttrRendezvousKey] = opts.FeedRendezvousKey(feed)
		}
		if dtype := feedTypes[ii]; dtype != dtypes.InvalidDType {
			feedDef.Attrs[AttrDType] = dtype
		}
		feedNode, err := g.AddNode(feedDef)
		if err != nil {
			return nil, status.WithKind(status.Internal, err)
		}
		feedNode.SetAssignedDevice(fed.Def().Device)
		feedNodes[key] = feedNode
		roots = append(roots, feedNode)

		// Redirect every consumer of the fed output to the new source node.
		for _, edge := range append([]*Edge{}, fed.OutEdges()...) {
			if edge.IsControl() || edge.SrcOutput != output {
				continue
			}
			dst, dstInput := edge.Dst, edge.DstInput
			g.RemoveEdge(edge)
			g.AddEdge(feedNode, 0, dst, dstInput)
		}
	}

	// Rewrite fetches into sink nodes.
	fetchTypes := make([]dtypes.DType, len(opts.Fetches))
	fetchNodes := make([]*Node, 0, len(opts.Fetches))
	seenFetches := make(map[string]bool, len(opts.Fetches))
	for ii, fetch := range opts.Fetches {
		name, output, err := ParseTensorName(fetch)
		if err != nil || output == ControlSlot {
			return nil, status.InvalidArgumentf("invalid fetch name %q", fetch)
		}
		fetched := g.NodeByName(name)
		if fetched == nil {
			return nil, status.NotFoundf("fetch %q refers to a node that does not exist in the graph", fetch)
		}
		fetchTypes[ii] = declaredDType(fetched)

		fetchDef := &NodeDef{Attrs: map[string]any{AttrIndex: ii}}
		if opts.UseFunctionConvention {
			fetchDef.Op = OpRetval
			fetchDef.Name = fmt.Sprintf("_retval_%s_%d_%d", sanitizeName(name), output, ii)
		} else {
			fetchDef.Op = OpSend
			fetchDef.Name = fmt.Sprintf("_send_fetch_%s_%d_%d", sanitizeName(name), output, ii)
			if opts.FetchRendezvousKey == nil {
				return nil, status.Internalf("rendezvous fetch convention requested without key builder")
			}
			if seenFetches[fetch] {
				return nil, status.InvalidArgumentf("fetch %q is duplicated", fetch)
			}
			fetchDef.Attrs[AttrRendezvousKey] = opts.FetchRendezvousKey(fetch)
		}
		seenFetches[fetch] = true
		fetchNode, err := g.AddNode(fetchDef)
		if err != nil {
			return nil, status.WithKind(status.Internal, err)
		}
		fetchNode.SetAssignedDevice(fetched.Def().Device)
		// If the fetched output was itself fed, read from the feed node.
		if feedNode, fed := feedNodes[outputKey{name, output}]; fed {
			g.AddEdge(feedNode, 0, fetchNode, 0)
		} else {
			g.AddEdge(fetched, output, fetchNode, 0)
		}
		fetchNodes = append(fetchNodes, fetchNode)
		roots = append(roots, fetchNode)
	}

	// Resolve targets.
	for _, target := range opts.Targets {
		if strings.ContainsAny(target, ":^") {
			return nil, status.InvalidArgumentf("target %q must be a bare node name", target)
		}
		node := g.NodeByName(target)
		if node == nil {
			return nil, status.NotFoundf("target %q refers to a node that does not exist in the graph", target)
		}
		roots = append(roots, node)
	}

	g.PruneForReverseReachability(roots)

	// Every fetch sink must have survived pruning.
	surviving := 0
	for _, fetchNode := range fetchNodes {
		if g.NodeByName(fetchNode.Name()) != nil {
			surviving++
		}
	}
	if surviving != len(opts.Fetches) {
		return nil, status.Internalf("pruning removed %d of %d fetch nodes", len(opts.Fetches)-surviving, len(opts.Fetches))
	}

	feedNodeNames := make([]string, len(opts.Feeds))
	for ii, feed := range opts.Feeds {
		name, output, _ := ParseTensorName(feed)
		feedNodeNames[ii] = feedNodes[outputKey{name, output}].Name()
	}
	fetchNodeNames := make([]string, len(fetchNodes))
	for ii, fetchNode := range fetchNodes {
		fetchNodeNames[ii] = fetchNode.Name()
	}
	return &ClientGraph{
		Graph:              g,
		FeedTypes:          feedTypes,
		FetchTypes:         fetchTypes,
		FeedNodeNames:      feedNodeNames,
		FetchNodeNames:     fetchNodeNames,
		CollectiveGraphKey: collectiveGraphKey(g),
	}, nil
}

// declaredDType returns the dtype a node declares in its attributes, or
// InvalidDType when the graph doesn't say.
func declaredDType(node *Node) dtypes.DType {
	if dtype, ok := node.Attr(AttrDType).(dtypes.DType); ok {
		return dtype
	}
	return dtypes.InvalidDType
}

// sanitizeName makes a node name usable inside generated node names.
func sanitizeName(name string) string {
	return strings.NewReplacer(":", "_", "/", "_", "^", "_").Replace(name)
}

// collectiveGraphKey derives a stable correlation key from the set of
// collective ops in the graph: runs that build the same collective set agree
// on the key. Zero when there are no collective ops.
func collectiveGraphKey(g *Graph) int64 {
	var names []string
	for _, node := range g.LiveNodes() {
		if strings.HasPrefix(node.Op(), "Collective") {
			names = append(names, node.Name())
		}
	}
	if len(names) == 0 {
		return 0
	}
	sort.Strings(names)
	hash := fnv.New64a()
	for _, name := range names {
		_, _ = hash.Write([]byte(name))
		_, _ = hash.Write([]byte{0})
	}
	return int64(hash.Sum64())
}
