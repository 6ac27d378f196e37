// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the value type passed through the dataflow
// engine: a dense n-dimensional array with a dtype (see
// github.com/gomlx/gopjrt/dtypes) and its content stored as a flat (1D) Go
// slice.
//
// Tensors here are plain host values: the engine moves them between call
// frames, rendezvous and tensor stores, it doesn't compute with them beyond
// what the registered kernels do.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense n-dimensional array. The zero value is not valid, use one
// of the constructors.
//
// Tensors are immutable by convention: the engine hands the same *Tensor to
// multiple consumers (rendezvous fan-out, tensor store), so kernels must not
// modify the flat data of their inputs.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	flat  any // Flat slice of the Go type corresponding to dtype.
}

// FromFlatSlice creates a Tensor from a flat slice of values and the
// dimensions of the tensor. The product of dims must match len(flat).
func FromFlatSlice[T dtypes.Supported](flat []T, dims ...int) (*Tensor, error) {
	dtype := dtypes.FromGenericsType[T]()
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Errorf("tensors.FromFlatSlice: invalid dimension %d in %v", dim, dims)
		}
		size *= dim
	}
	if size != len(flat) {
		return nil, errors.Errorf("tensors.FromFlatSlice: dimensions %v require %d values, %d given", dims, size, len(flat))
	}
	flatCopy := make([]T, len(flat))
	copy(flatCopy, flat)
	return &Tensor{dtype: dtype, dims: append([]int{}, dims...), flat: flatCopy}, nil
}

// FromScalar creates a rank-0 Tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{
		dtype: dtypes.FromGenericsType[T](),
		flat:  []T{value},
	}
}

// FromValue creates a Tensor from a scalar Go value or a flat slice of a
// supported Go type. It returns an error if the type is not supported.
func FromValue(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		return t, nil
	}
	valueV := reflect.ValueOf(value)
	switch valueV.Kind() {
	case reflect.Slice:
		dtype := dtypes.FromGoType(valueV.Type().Elem())
		if dtype == dtypes.InvalidDType {
			return nil, errors.Errorf("tensors.FromValue: unsupported slice element type %s", valueV.Type().Elem())
		}
		flatCopy := reflect.MakeSlice(valueV.Type(), valueV.Len(), valueV.Len())
		reflect.Copy(flatCopy, valueV)
		return &Tensor{dtype: dtype, dims: []int{valueV.Len()}, flat: flatCopy.Interface()}, nil
	default:
		dtype := dtypes.FromGoType(valueV.Type())
		if dtype == dtypes.InvalidDType {
			return nil, errors.Errorf("tensors.FromValue: unsupported type %T", value)
		}
		flatV := reflect.MakeSlice(reflect.SliceOf(valueV.Type()), 1, 1)
		flatV.Index(0).Set(valueV)
		return &Tensor{dtype: dtype, flat: flatV.Interface()}, nil
	}
}

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Rank of the tensor: 0 for scalars.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dims returns the dimensions of the tensor. Don't modify the returned slice.
func (t *Tensor) Dims() []int { return t.dims }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr {
	return uintptr(t.Size()) * t.dtype.GoType().Size()
}

// Flat returns the underlying flat slice holding the data. Don't modify it.
func (t *Tensor) Flat() any { return t.flat }

// Value returns the tensor as a Go value: the scalar itself for rank-0
// tensors, a copy of the flat slice otherwise.
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.flat)
	if t.Rank() == 0 {
		return flatV.Index(0).Interface()
	}
	flatCopy := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(flatCopy, flatV)
	return flatCopy.Interface()
}

// Equal compares dtype, dimensions and contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.dtype != other.dtype || len(t.dims) != len(other.dims) {
		return false
	}
	for ii, dim := range t.dims {
		if other.dims[ii] != dim {
			return false
		}
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// String prints the dtype, shape and a summary of the values.
func (t *Tensor) String() string {
	if t == nil {
		return "(nil tensor)"
	}
	var data strings.Builder
	flatV := reflect.ValueOf(t.flat)
	const maxElements = 16
	numShown := min(flatV.Len(), maxElements)
	for ii := range numShown {
		if ii > 0 {
			data.WriteString(", ")
		}
		element := flatV.Index(ii).Interface()
		if f16, ok := element.(float16.Float16); ok {
			// Display Float16 as its float32 value.
			element = f16.Float32()
		}
		fmt.Fprintf(&data, "%v", element)
	}
	if flatV.Len() > maxElements {
		data.WriteString(", ...")
	}
	if t.Rank() == 0 {
		return fmt.Sprintf("(%s)[%s]", t.dtype, data.String())
	}
	dimsStr := make([]string, len(t.dims))
	for ii, dim := range t.dims {
		dimsStr[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]{%s}", t.dtype, strings.Join(dimsStr, "x"), data.String())
}
