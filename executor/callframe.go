// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/dataflow/status"
	"github.com/gomlx/dataflow/tensors"
)

// CallFrame is the executor's view of the arguments and return values of a
// step: _Arg kernels read slots, _Retval kernels write slots.
type CallFrame interface {
	NumArgs() int
	NumRetvals() int

	// GetArg returns the index-th argument tensor.
	GetArg(index int) (*tensors.Tensor, error)

	// SetRetval stores the index-th return value. Setting the same slot
	// twice is an error.
	SetRetval(index int, tensor *tensors.Tensor) error
}

// FunctionCallFrame is the standard CallFrame: argument and return slots
// with optional declared dtypes checked on access.
//
// Slot type mismatches are reported as internal errors: the session boundary
// converts them to invalid-argument, since they reflect client-supplied
// values.
type FunctionCallFrame struct {
	argTypes, retTypes []dtypes.DType

	mu      sync.Mutex
	args    []*tensors.Tensor
	retvals []*tensors.Tensor
	retSet  []bool
}

var _ CallFrame = (*FunctionCallFrame)(nil)

// NewFunctionCallFrame creates a frame with the given declared types; use
// dtypes.InvalidDType for slots whose type the graph doesn't declare.
func NewFunctionCallFrame(argTypes, retTypes []dtypes.DType) *FunctionCallFrame {
	return &FunctionCallFrame{
		argTypes: argTypes,
		retTypes: retTypes,
		args:     make([]*tensors.Tensor, len(argTypes)),
		retvals:  make([]*tensors.Tensor, len(retTypes)),
		retSet:   make([]bool, len(retTypes)),
	}
}

// SetArgs installs the argument tensors, checking count and declared types.
func (f *FunctionCallFrame) SetArgs(args []*tensors.Tensor) error {
	if len(args) != len(f.args) {
		return status.Internalf("call frame expects %d arguments, got %d", len(f.args), len(args))
	}
	for ii, arg := range args {
		if arg == nil {
			return status.Internalf("argument #%d is nil", ii)
		}
		if f.argTypes[ii] != dtypes.InvalidDType && arg.DType() != f.argTypes[ii] {
			return status.Internalf("argument #%d has dtype %s, expected %s", ii, arg.DType(), f.argTypes[ii])
		}
		f.args[ii] = arg
	}
	return nil
}

// NumArgs of the frame.
func (f *FunctionCallFrame) NumArgs() int { return len(f.args) }

// NumRetvals of the frame.
func (f *FunctionCallFrame) NumRetvals() int { return len(f.retvals) }

// GetArg returns the index-th argument tensor.
func (f *FunctionCallFrame) GetArg(index int) (*tensors.Tensor, error) {
	if index < 0 || index >= len(f.args) {
		return nil, status.Internalf("argument index %d out of range [0, %d)", index, len(f.args))
	}
	if f.args[index] == nil {
		return nil, status.Internalf("argument #%d was never set", index)
	}
	return f.args[index], nil
}

// SetRetval stores the index-th return value.
func (f *FunctionCallFrame) SetRetval(index int, tensor *tensors.Tensor) error {
	if index < 0 || index >= len(f.retvals) {
		return status.Internalf("return value index %d out of range [0, %d)", index, len(f.retvals))
	}
	if f.retTypes[index] != dtypes.InvalidDType && tensor != nil && tensor.DType() != f.retTypes[index] {
		return status.Internalf("return value #%d has dtype %s, expected %s", index, tensor.DType(), f.retTypes[index])
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retSet[index] {
		return status.Internalf("return value #%d set twice", index)
	}
	f.retvals[index] = tensor
	f.retSet[index] = true
	return nil
}

// ConsumeRetvals moves the return values out of the frame. Unset slots are
// an error unless allowDead.
func (f *FunctionCallFrame) ConsumeRetvals(allowDead bool) ([]*tensors.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*tensors.Tensor, len(f.retvals))
	for ii := range f.retvals {
		if !f.retSet[ii] && !allowDead {
			return nil, status.Internalf("return value #%d was never set", ii)
		}
		out[ii] = f.retvals[ii]
		f.retvals[ii] = nil
	}
	return out, nil
}

// TensorStore accumulates tensors a step wants to keep, keyed by name; at
// the end of a successful step the session persists the requested ones into
// its SessionState.
type TensorStore struct {
	mu      sync.Mutex
	tensors map[string]*tensors.Tensor
	dirty   bool
}

// NewTensorStore returns an empty store.
func NewTensorStore() *TensorStore {
	return &TensorStore{tensors: make(map[string]*tensors.Tensor)}
}

// Add saves a tensor under the given name.
func (s *TensorStore) Add(name string, tensor *tensors.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tensors[name] = tensor
	s.dirty = true
}

// IsDirty reports whether any tensor was added.
func (s *TensorStore) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// SaveTensors copies the named tensors into the session state. Names are
// matched exactly, so a bare node name does not match a tensor stored as
// "name:0". Names never stored are skipped.
func (s *TensorStore) SaveTensors(names []string, state *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if tensor, found := s.tensors[name]; found {
			state.Set(name, tensor)
		}
	}
}

// SessionState is the session-scoped name-keyed tensor map surviving across
// steps.
type SessionState struct {
	mu      sync.Mutex
	tensors map[string]*tensors.Tensor
}

// NewSessionState returns an empty session state.
func NewSessionState() *SessionState {
	return &SessionState{tensors: make(map[string]*tensors.Tensor)}
}

// Set stores the tensor under the name.
func (s *SessionState) Set(name string, tensor *tensors.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tensors[name] = tensor
}

// Get returns the tensor stored under the name.
func (s *SessionState) Get(name string) (*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tensor, found := s.tensors[name]; found {
		return tensor, nil
	}
	return nil, status.NotFoundf("no session tensor named %q", name)
}
