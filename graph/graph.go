// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the declarative computation graphs accepted by the
// dataflow engine (GraphDef/NodeDef), their in-memory form (Graph/Node/Edge)
// and the transformations the session engine applies to them before
// execution: pruning to a client graph, placement and partitioning per
// device.
//
// The graph is data only: kernels that give meaning to the ops live in the
// executor package.
package graph

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ControlSlot is the pseudo output (and input) slot used by control edges.
const ControlSlot = -1

// NodeDef is the declarative form of one node: an op name, its inputs
// (either "node:output", "node" meaning output 0, or "^node" for a control
// dependency), an optional requested device and op-specific attributes.
type NodeDef struct {
	Name   string
	Op     string
	Inputs []string
	Device string
	Attrs  map[string]any
}

// FunctionDef is a named subgraph in the function library.
type FunctionDef struct {
	Name  string
	Nodes []*NodeDef
}

// GraphDef is the declarative form of a computation graph plus its function
// library.
type GraphDef struct {
	Nodes     []*NodeDef
	Functions []*FunctionDef
	Version   int
}

// Clone returns a deep-enough copy of the GraphDef: the node list and the
// function list are fresh slices, the NodeDefs themselves are shared (they
// are treated as immutable once handed to the engine).
func (def *GraphDef) Clone() *GraphDef {
	return &GraphDef{
		Nodes:     append([]*NodeDef{}, def.Nodes...),
		Functions: append([]*FunctionDef{}, def.Functions...),
		Version:   def.Version,
	}
}

// ParseTensorName splits a tensor name "node:output" into the node name and
// the output index. A bare node name means output 0. A "^node" control
// reference returns ControlSlot.
func ParseTensorName(name string) (node string, output int, err error) {
	if name == "" {
		return "", 0, errors.Errorf("empty tensor name")
	}
	if name[0] == '^' {
		return name[1:], ControlSlot, nil
	}
	colon := strings.LastIndexByte(name, ':')
	if colon == -1 {
		return name, 0, nil
	}
	output, err = strconv.Atoi(name[colon+1:])
	if err != nil || output < 0 {
		return "", 0, errors.Errorf("invalid tensor name %q: output index must be a non-negative integer", name)
	}
	return name[:colon], output, nil
}

// Edge connects the SrcOutput-th output of Src to the DstInput-th input of
// Dst. Control edges use ControlSlot on both sides.
type Edge struct {
	Src, Dst            *Node
	SrcOutput, DstInput int
}

// IsControl reports whether this is a control edge.
func (e *Edge) IsControl() bool { return e.SrcOutput == ControlSlot }

// Node is one operation in a Graph.
type Node struct {
	id    int
	graph *Graph
	def   *NodeDef

	inEdges  []*Edge
	outEdges []*Edge

	assignedDevice string
}

// Id of the node within its graph.
func (n *Node) Id() int { return n.id }

// Name of the node.
func (n *Node) Name() string { return n.def.Name }

// Op is the operation name of the node.
func (n *Node) Op() string { return n.def.Op }

// Def returns the NodeDef this node was built from. Treat it as immutable.
func (n *Node) Def() *NodeDef { return n.def }

// InEdges of the node, including control edges.
func (n *Node) InEdges() []*Edge { return n.inEdges }

// OutEdges of the node, including control edges.
func (n *Node) OutEdges() []*Edge { return n.outEdges }

// NumDataInputs returns the number of non-control inputs.
func (n *Node) NumDataInputs() int {
	count := 0
	for _, e := range n.inEdges {
		if !e.IsControl() {
			count++
		}
	}
	return count
}

// AssignedDevice returns the device name this node was placed on, or "" if
// placement hasn't run yet.
func (n *Node) AssignedDevice() string { return n.assignedDevice }

// SetAssignedDevice records the placement decision for the node.
func (n *Node) SetAssignedDevice(device string) { n.assignedDevice = device }

// Attr returns the node attribute under key, or nil.
func (n *Node) Attr(key string) any {
	if n.def.Attrs == nil {
		return nil
	}
	return n.def.Attrs[key]
}

// statefulOps are ops whose placement must remain stable across executor
// rebuilds (they hold state in the device's resource manager).
var statefulOps = map[string]bool{
	"Variable":  true,
	"VarHandle": true,
}

// IsStateful reports whether the node op carries state tied to its device.
func (n *Node) IsStateful() bool { return statefulOps[n.def.Op] }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.def.Name, n.def.Op)
}

// Graph is the in-memory form of a GraphDef: nodes indexed by id and name,
// with explicit data and control edges.
type Graph struct {
	nodes  []*Node
	byName map[string]*Node
}

// New builds a Graph from the given GraphDef. Node names must be unique and
// every input reference must name an existing node.
func New(def *GraphDef) (*Graph, error) {
	g := &Graph{byName: make(map[string]*Node, len(def.Nodes))}
	for _, nodeDef := range def.Nodes {
		if _, err := g.AddNode(nodeDef); err != nil {
			return nil, err
		}
	}
	for _, node := range g.nodes {
		if err := g.connectInputs(node); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode adds a node to the graph, without connecting its inputs yet. Use
// AddEdge to wire it (New wires the declared inputs itself).
func (g *Graph) AddNode(def *NodeDef) (*Node, error) {
	if def.Name == "" {
		return nil, errors.Errorf("node with empty name (op %q)", def.Op)
	}
	if _, found := g.byName[def.Name]; found {
		return nil, errors.Errorf("duplicate node name %q", def.Name)
	}
	node := &Node{id: len(g.nodes), graph: g, def: def}
	g.nodes = append(g.nodes, node)
	g.byName[def.Name] = node
	return node, nil
}

// connectInputs creates the edges described by node.def.Inputs.
func (g *Graph) connectInputs(node *Node) error {
	dataInput := 0
	for _, input := range node.def.Inputs {
		srcName, srcOutput, err := ParseTensorName(input)
		if err != nil {
			return errors.WithMessagef(err, "input of node %q", node.Name())
		}
		src, found := g.byName[srcName]
		if !found {
			return errors.Errorf("node %q input refers to unknown node %q", node.Name(), srcName)
		}
		if srcOutput == ControlSlot {
			g.AddEdge(src, ControlSlot, node, ControlSlot)
			continue
		}
		g.AddEdge(src, srcOutput, node, dataInput)
		dataInput++
	}
	return nil
}

// AddEdge connects src:srcOutput to dst:dstInput.
func (g *Graph) AddEdge(src *Node, srcOutput int, dst *Node, dstInput int) *Edge {
	edge := &Edge{Src: src, SrcOutput: srcOutput, Dst: dst, DstInput: dstInput}
	src.outEdges = append(src.outEdges, edge)
	dst.inEdges = append(dst.inEdges, edge)
	return edge
}

// RemoveEdge disconnects the given edge from both endpoints.
func (g *Graph) RemoveEdge(edge *Edge) {
	edge.Src.outEdges = removeEdgeFrom(edge.Src.outEdges, edge)
	edge.Dst.inEdges = removeEdgeFrom(edge.Dst.inEdges, edge)
}

func removeEdgeFrom(edges []*Edge, edge *Edge) []*Edge {
	for ii, e := range edges {
		if e == edge {
			return append(edges[:ii], edges[ii+1:]...)
		}
	}
	return edges
}

// Nodes returns the graph nodes in id order. Removed nodes appear as nil.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int {
	count := 0
	for _, node := range g.nodes {
		if node != nil {
			count++
		}
	}
	return count
}

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node { return g.byName[name] }

// RemoveNode removes the node and all its edges from the graph.
func (g *Graph) RemoveNode(node *Node) {
	for _, edge := range append([]*Edge{}, node.inEdges...) {
		g.RemoveEdge(edge)
	}
	for _, edge := range append([]*Edge{}, node.outEdges...) {
		g.RemoveEdge(edge)
	}
	g.nodes[node.id] = nil
	delete(g.byName, node.def.Name)
}

// LiveNodes returns the non-nil nodes of the graph.
func (g *Graph) LiveNodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// PruneForReverseReachability removes every node not reachable from roots by
// walking in-edges (data and control). It returns the number of nodes
// removed.
func (g *Graph) PruneForReverseReachability(roots []*Node) int {
	visited := make(map[*Node]bool, len(g.nodes))
	stack := append([]*Node{}, roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == nil || visited[node] {
			continue
		}
		visited[node] = true
		for _, edge := range node.inEdges {
			if !visited[edge.Src] {
				stack = append(stack, edge.Src)
			}
		}
	}
	removed := 0
	for _, node := range g.LiveNodes() {
		if !visited[node] {
			g.RemoveNode(node)
			removed++
		}
	}
	return removed
}

// ToGraphDef converts the (possibly rewritten) graph back to its declarative
// form, regenerating the input lists from the edges. Control inputs are
// emitted after data inputs; data inputs keep their slot order.
func (g *Graph) ToGraphDef() *GraphDef {
	def := &GraphDef{}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		nodeDef := &NodeDef{
			Name:   node.def.Name,
			Op:     node.def.Op,
			Device: node.assignedDevice,
			Attrs:  node.def.Attrs,
		}
		dataInputs := make([]string, node.NumDataInputs())
		var controlInputs []string
		for _, edge := range node.inEdges {
			if edge.IsControl() {
				controlInputs = append(controlInputs, "^"+edge.Src.Name())
				continue
			}
			dataInputs[edge.DstInput] = fmt.Sprintf("%s:%d", edge.Src.Name(), edge.SrcOutput)
		}
		nodeDef.Inputs = append(dataInputs, controlInputs...)
		def.Nodes = append(def.Nodes, nodeDef)
	}
	return def
}

// String prints a summary of the graph, one node per line.
func (g *Graph) String() string {
	parts := []string{fmt.Sprintf("Graph: %d nodes", g.NumNodes())}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("#%d\t%s @ %q", node.id, node, node.assignedDevice))
	}
	return strings.Join(parts, "\n")
}

// FunctionLibrary is the monotonic catalog of FunctionDefs attached to a
// session: functions can be added but never redefined.
type FunctionLibrary struct {
	functions map[string]*FunctionDef
}

// NewFunctionLibrary returns an empty library.
func NewFunctionLibrary() *FunctionLibrary {
	return &FunctionLibrary{functions: make(map[string]*FunctionDef)}
}

// Find returns the function with the given name, or nil.
func (lib *FunctionLibrary) Find(name string) *FunctionDef { return lib.functions[name] }

// NumFunctions in the library.
func (lib *FunctionLibrary) NumFunctions() int { return len(lib.functions) }

// Add registers a function. Re-adding an identical definition is a no-op;
// redefining a function with a different body is an error.
func (lib *FunctionLibrary) Add(def *FunctionDef) error {
	if previous, found := lib.functions[def.Name]; found {
		if !reflect.DeepEqual(previous, def) {
			return errors.Errorf("function %q already defined with a different body", def.Name)
		}
		return nil
	}
	lib.functions[def.Name] = def
	return nil
}

// Merge adds every function of the given defs to the library.
func (lib *FunctionLibrary) Merge(defs []*FunctionDef) error {
	for _, def := range defs {
		if err := lib.Add(def); err != nil {
			return err
		}
	}
	return nil
}
