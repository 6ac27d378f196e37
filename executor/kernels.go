// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/rendezvous"
	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// Value is a tensor flowing along an edge, together with its deadness: dead
// values propagate through the graph without being computed on.
type Value struct {
	Tensor *tensors.Tensor
	Dead   bool
}

// OpKernel computes one node synchronously.
type OpKernel interface {
	Compute(ctx *OpKernelContext) error
}

// AsyncOpKernel computes one node asynchronously: kernels that park (receives,
// waits) implement this so they never hold an inter-op worker while parked.
// done must be called exactly once.
type AsyncOpKernel interface {
	ComputeAsync(ctx *OpKernelContext, done func(error))
}

// KernelFactory instantiates the kernel for one node. Factories run under
// the device op-segment, so a node's kernel is created once per session and
// shared across executor rebuilds.
type KernelFactory func(node *graph.Node) (any, error)

var kernelRegistry = map[string]KernelFactory{}

// RegisterKernel installs the factory for an op name. Double registration is
// a programming error.
func RegisterKernel(op string, factory KernelFactory) {
	if _, found := kernelRegistry[op]; found {
		exceptions.Panicf("kernel for op %q registered twice", op)
	}
	kernelRegistry[op] = factory
}

// kernelFor returns the registered factory for the op.
func kernelFor(op string) (KernelFactory, error) {
	factory, found := kernelRegistry[op]
	if !found {
		return nil, status.InvalidArgumentf("no kernel registered for op %q", op)
	}
	return factory, nil
}

func init() {
	RegisterKernel("NoOp", func(*graph.Node) (any, error) { return noOpKernel{}, nil })
	RegisterKernel("Placeholder", func(*graph.Node) (any, error) { return placeholderKernel{}, nil })
	RegisterKernel("Const", newConstKernel)
	RegisterKernel("Identity", func(*graph.Node) (any, error) { return identityKernel{}, nil })
	RegisterKernel("Add", func(*graph.Node) (any, error) { return binaryKernel{op: "Add"}, nil })
	RegisterKernel("Mul", func(*graph.Node) (any, error) { return binaryKernel{op: "Mul"}, nil })
	RegisterKernel("Variable", newVariableKernel)
	RegisterKernel("Block", func(*graph.Node) (any, error) { return blockKernel{}, nil })
	RegisterKernel(graph.OpArg, newArgKernel)
	RegisterKernel(graph.OpRetval, newRetvalKernel)
	RegisterKernel(graph.OpSend, newSendKernel)
	RegisterKernel(graph.OpRecv, newRecvKernel)
}

type noOpKernel struct{}

func (noOpKernel) Compute(*OpKernelContext) error { return nil }

// placeholderKernel only exists to produce a helpful error: placeholders
// must be fed, in which case the feed rewrite replaces them before execution.
type placeholderKernel struct{}

func (placeholderKernel) Compute(ctx *OpKernelContext) error {
	return status.InvalidArgumentf("placeholder %q must be fed a value", ctx.Node.Name())
}

type constKernel struct {
	value *tensors.Tensor
}

func newConstKernel(node *graph.Node) (any, error) {
	value, ok := node.Attr(graph.AttrValue).(*tensors.Tensor)
	if !ok {
		converted, err := tensors.FromValue(node.Attr(graph.AttrValue))
		if err != nil {
			return nil, status.InvalidArgumentf("Const node %q has no usable %q attribute: %v",
				node.Name(), graph.AttrValue, err)
		}
		value = converted
	}
	return &constKernel{value: value}, nil
}

func (k *constKernel) Compute(ctx *OpKernelContext) error {
	ctx.Outputs[0] = Value{Tensor: k.value}
	return nil
}

type identityKernel struct{}

func (identityKernel) Compute(ctx *OpKernelContext) error {
	ctx.Outputs[0] = ctx.Inputs[0]
	return nil
}

// binaryKernel implements the elementwise Add and Mul ops, with scalar
// broadcast on either side.
type binaryKernel struct {
	op string
}

func (k binaryKernel) Compute(ctx *OpKernelContext) error {
	if len(ctx.Inputs) != 2 {
		return status.InvalidArgumentf("%s expects 2 inputs, got %d", k.op, len(ctx.Inputs))
	}
	lhs, rhs := ctx.Inputs[0].Tensor, ctx.Inputs[1].Tensor
	if lhs.DType() != rhs.DType() {
		return status.InvalidArgumentf("%s inputs disagree on dtype: %s vs %s", k.op, lhs.DType(), rhs.DType())
	}
	result, err := applyBinary(k.op, lhs, rhs)
	if err != nil {
		return err
	}
	ctx.Outputs[0] = Value{Tensor: result}
	return nil
}

func applyBinary(op string, lhs, rhs *tensors.Tensor) (*tensors.Tensor, error) {
	switch lhs.DType() {
	case dtypes.Int32:
		return binaryFlat(op, lhs, rhs, func(a, b int32) int32 { return pick(op, a, b) })
	case dtypes.Int64:
		return binaryFlat(op, lhs, rhs, func(a, b int64) int64 { return pick(op, a, b) })
	case dtypes.Float32:
		return binaryFlat(op, lhs, rhs, func(a, b float32) float32 { return pick(op, a, b) })
	case dtypes.Float64:
		return binaryFlat(op, lhs, rhs, func(a, b float64) float64 { return pick(op, a, b) })
	case dtypes.Float16:
		// Float16 has no native Go arithmetic: round-trip through float32.
		return binaryFlat(op, lhs, rhs, func(a, b float16.Float16) float16.Float16 {
			return float16.Fromfloat32(pick(op, a.Float32(), b.Float32()))
		})
	}
	return nil, status.InvalidArgumentf("%s does not support dtype %s", op, lhs.DType())
}

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

func pick[T number](op string, a, b T) T {
	if op == "Add" {
		return a + b
	}
	return a * b
}

func binaryFlat[T dtypes.Supported](op string, lhs, rhs *tensors.Tensor, apply func(a, b T) T) (*tensors.Tensor, error) {
	lhsFlat := lhs.Flat().([]T)
	rhsFlat := rhs.Flat().([]T)
	switch {
	case len(lhsFlat) == len(rhsFlat):
		out := make([]T, len(lhsFlat))
		for ii := range lhsFlat {
			out[ii] = apply(lhsFlat[ii], rhsFlat[ii])
		}
		if lhs.Rank() == 0 {
			return tensors.FromScalar(out[0]), nil
		}
		return tensors.FromFlatSlice(out, lhs.Dims()...)
	case len(lhsFlat) == 1:
		out := make([]T, len(rhsFlat))
		for ii := range rhsFlat {
			out[ii] = apply(lhsFlat[0], rhsFlat[ii])
		}
		return tensors.FromFlatSlice(out, rhs.Dims()...)
	case len(rhsFlat) == 1:
		out := make([]T, len(lhsFlat))
		for ii := range lhsFlat {
			out[ii] = apply(lhsFlat[ii], rhsFlat[0])
		}
		return tensors.FromFlatSlice(out, lhs.Dims()...)
	}
	return nil, status.InvalidArgumentf("%s shapes are incompatible: %v vs %v", op, lhs.Dims(), rhs.Dims())
}

// variableKernel holds its value in the device resource manager, so the
// value survives executor rebuilds and is shared between sessions that share
// the device.
type variableKernel struct {
	container string
	initial   *tensors.Tensor
}

func newVariableKernel(node *graph.Node) (any, error) {
	initial, err := tensors.FromValue(node.Attr(graph.AttrValue))
	if err != nil {
		return nil, status.InvalidArgumentf("Variable node %q needs an initial %q attribute: %v",
			node.Name(), graph.AttrValue, err)
	}
	container, _ := node.Attr("container").(string)
	return &variableKernel{container: container, initial: initial}, nil
}

func (k *variableKernel) Compute(ctx *OpKernelContext) error {
	resource, err := ctx.Device.ResourceMgr().LookupOrCreate(
		k.container, "Variable", ctx.Node.Name(),
		func() (any, error) { return k.initial, nil })
	if err != nil {
		return err
	}
	ctx.Outputs[0] = Value{Tensor: resource.(*tensors.Tensor)}
	return nil
}

// blockKernel parks forever: it completes only through step cancellation or
// a rendezvous abort. Tests use it to exercise the timeout and cancellation
// paths.
type blockKernel struct{}

func (blockKernel) ComputeAsync(ctx *OpKernelContext, done func(error)) {
	unblock := make(chan struct{})
	token := ctx.Cancellation.GetToken()
	if !ctx.Cancellation.RegisterCallback(token, func() { close(unblock) }) {
		done(status.Cancelledf("step cancelled"))
		return
	}
	go func() {
		select {
		case <-unblock:
			done(status.Cancelledf("step cancelled"))
		case <-ctx.Rendezvous.AbortChan():
			ctx.Cancellation.DeregisterCallback(token)
			done(ctx.Rendezvous.Aborted())
		}
	}()
}

type argKernel struct {
	index int
}

func newArgKernel(node *graph.Node) (any, error) {
	index, ok := node.Attr(graph.AttrIndex).(int)
	if !ok {
		return nil, status.Internalf("_Arg node %q has no index attribute", node.Name())
	}
	return &argKernel{index: index}, nil
}

func (k *argKernel) Compute(ctx *OpKernelContext) error {
	tensor, err := ctx.CallFrame.GetArg(k.index)
	if err != nil {
		return err
	}
	ctx.Outputs[0] = Value{Tensor: tensor}
	return nil
}

type retvalKernel struct {
	index int
}

func newRetvalKernel(node *graph.Node) (any, error) {
	index, ok := node.Attr(graph.AttrIndex).(int)
	if !ok {
		return nil, status.Internalf("_Retval node %q has no index attribute", node.Name())
	}
	return &retvalKernel{index: index}, nil
}

func (k *retvalKernel) Compute(ctx *OpKernelContext) error {
	return ctx.CallFrame.SetRetval(k.index, ctx.Inputs[0].Tensor)
}

type sendKernel struct {
	parsed rendezvous.ParsedKey
}

func newSendKernel(node *graph.Node) (any, error) {
	key, _ := node.Attr(graph.AttrRendezvousKey).(string)
	parsed, err := rendezvous.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &sendKernel{parsed: parsed}, nil
}

func (k *sendKernel) Compute(ctx *OpKernelContext) error {
	input := ctx.Inputs[0]
	return ctx.Rendezvous.Send(k.parsed, input.Tensor, input.Dead)
}

type recvKernel struct {
	parsed rendezvous.ParsedKey
}

func newRecvKernel(node *graph.Node) (any, error) {
	key, _ := node.Attr(graph.AttrRendezvousKey).(string)
	parsed, err := rendezvous.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &recvKernel{parsed: parsed}, nil
}

func (k *recvKernel) ComputeAsync(ctx *OpKernelContext, done func(error)) {
	ctx.Rendezvous.RecvAsync(k.parsed, func(tensor *tensors.Tensor, isDead bool, err error) {
		if err != nil {
			done(err)
			return
		}
		ctx.Outputs[0] = Value{Tensor: tensor, Dead: isDead}
		done(nil)
	})
}

// deadInputAccepters are ops that still run when an input is dead.
var deadInputAccepters = map[string]bool{
	graph.OpSend: true,
}

// AcceptsDeadInputs reports whether the op runs even with dead inputs
// (everything else forwards deadness without computing).
func AcceptsDeadInputs(op string) bool { return deadInputAccepters[op] }
