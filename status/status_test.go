// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := NotFoundf("no node %q", "x")
	require.True(t, IsNotFound(err))
	require.Equal(t, NotFound, KindOf(err))

	wrapped := errors.WithMessage(err, "while pruning")
	require.True(t, IsNotFound(wrapped))
	require.Contains(t, wrapped.Error(), "while pruning")
	require.Contains(t, wrapped.Error(), `no node "x"`)
}

func TestKindOfUntagged(t *testing.T) {
	require.Equal(t, OK, KindOf(nil))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestWithKind(t *testing.T) {
	require.NoError(t, WithKind(Internal, nil))
	err := WithKind(Cancelled, errors.New("stop"))
	require.True(t, IsCancelled(err))
}

func TestOuterKindWins(t *testing.T) {
	inner := InvalidArgumentf("bad input")
	outer := WithKind(Internal, inner)
	require.Equal(t, Internal, KindOf(outer))
}

func TestFormatPreservesStack(t *testing.T) {
	err := Internalf("boom")
	withStack := fmt.Sprintf("%+v", err)
	require.Contains(t, withStack, "boom")
	require.Contains(t, withStack, "status_test.go")
}

func TestKindStrings(t *testing.T) {
	for kind := OK; kind <= Unknown; kind++ {
		require.NotEmpty(t, kind.String())
	}
}
