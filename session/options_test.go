// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dataflow/status"
)

func TestReadBoolEnv(t *testing.T) {
	require.False(t, readBoolEnv("DATAFLOW_TEST_UNSET_BOOL", false, false))
	require.True(t, readBoolEnv("DATAFLOW_TEST_UNSET_BOOL", true, false))

	t.Setenv("DATAFLOW_TEST_BOOL", "true")
	require.True(t, readBoolEnv("DATAFLOW_TEST_BOOL", false, false))

	// Non-fatal parse failures fall back to the default.
	t.Setenv("DATAFLOW_TEST_BOOL", "maybe")
	require.True(t, readBoolEnv("DATAFLOW_TEST_BOOL", true, false))
}

func TestReadIntEnv(t *testing.T) {
	require.Equal(t, 7, readIntEnv("DATAFLOW_TEST_UNSET_INT", 7))
	t.Setenv("DATAFLOW_TEST_INT", "3")
	require.Equal(t, 3, readIntEnv("DATAFLOW_TEST_INT", 7))
	t.Setenv("DATAFLOW_TEST_INT", "many")
	require.Equal(t, 7, readIntEnv("DATAFLOW_TEST_INT", 7))
}

func TestInterOpThreadsEnvOverride(t *testing.T) {
	config := &Config{InterOpParallelismThreads: 2}
	require.Equal(t, 2, numInterOpThreads(config))
	t.Setenv(envNumInterOpThreads, "6")
	require.Equal(t, 6, numInterOpThreads(config))
}

func TestSyncOnFinishEnv(t *testing.T) {
	t.Setenv(envSyncOnFinish, "false")
	s, err := New(Options{Config: Config{UsePerSessionThreads: true}})
	require.NoError(t, err)
	require.False(t, s.syncOnFinish)
	require.NoError(t, s.Close())
}

func TestInlineExecutorEnv(t *testing.T) {
	t.Setenv(envUseInlineExecutor, "true")
	s, err := New(Options{Config: Config{UsePerSessionThreads: true}})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, s.Create(identityGraphDef()))
	outputs, err := s.Run(nil, []NamedTensor{feedInt32("x:0", 3)}, []string{"y:0"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), outputs[0].Value())
}

func TestGlobalNamePoolConflict(t *testing.T) {
	first, err := New(Options{Config: Config{
		SessionInterOpThreadPools: []ThreadPoolOptions{{NumThreads: 2, GlobalName: "options-test-shared"}},
	}})
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close()) }()

	_, err = New(Options{Config: Config{
		SessionInterOpThreadPools: []ThreadPoolOptions{{NumThreads: 4, GlobalName: "options-test-shared"}},
	}})
	require.True(t, status.IsInvalidArgument(err))
}
