// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromScalar(t *testing.T) {
	scalar := FromScalar(int32(7))
	require.Equal(t, dtypes.Int32, scalar.DType())
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, int32(7), scalar.Value())
}

func TestFromFlatSlice(t *testing.T) {
	tensor, err := FromFlatSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, []int{2, 3}, tensor.Dims())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, uintptr(24), tensor.Memory())

	_, err = FromFlatSlice([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
	_, err = FromFlatSlice([]float32{1}, 0)
	require.Error(t, err)
}

func TestFromValue(t *testing.T) {
	scalar, err := FromValue(3.5)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float64, scalar.DType())
	require.Equal(t, 3.5, scalar.Value())

	slice, err := FromValue([]int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, dtypes.Int64, slice.DType())
	require.Equal(t, []int64{1, 2, 3}, slice.Value())

	// The original slice must not alias the tensor storage.
	backing := []int32{1, 2}
	tensor, err := FromValue(backing)
	require.NoError(t, err)
	backing[0] = 99
	require.Equal(t, []int32{1, 2}, tensor.Value())

	_, err = FromValue(struct{}{})
	require.Error(t, err)

	// A tensor passes through unchanged.
	same, err := FromValue(tensor)
	require.NoError(t, err)
	require.Same(t, tensor, same)
}

func TestEqual(t *testing.T) {
	a, err := FromFlatSlice([]int32{1, 2}, 2)
	require.NoError(t, err)
	b, err := FromFlatSlice([]int32{1, 2}, 2)
	require.NoError(t, err)
	c, err := FromFlatSlice([]int32{2, 1}, 2)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.False(t, a.Equal(FromScalar(int32(1))))
}

func TestStringWithFloat16(t *testing.T) {
	half := FromScalar(float16.Fromfloat32(1.5))
	require.Equal(t, dtypes.Float16, half.DType())
	require.Contains(t, half.String(), "1.5")
}
