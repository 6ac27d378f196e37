// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"sync"
	"time"
)

// NodeStats records the execution of one node for tracing and the cost
// model.
type NodeStats struct {
	Node        string
	Device      string
	Start       time.Time
	Duration    time.Duration
	OutputBytes int64
}

// StepStats is the finalized trace of one step, grouped by device.
type StepStats struct {
	PerDevice map[string][]NodeStats
}

// StatsCollector accumulates NodeStats while a step runs. One collector
// serves all executors of the step, so it is lock protected.
type StatsCollector struct {
	mu    sync.Mutex
	stats []NodeStats
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// Record one node execution. Nil collectors ignore the call, so executors
// don't branch on tracing.
func (c *StatsCollector) Record(stats NodeStats) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = append(c.stats, stats)
}

// Finalize groups the recorded stats by device.
func (c *StatsCollector) Finalize() *StepStats {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	step := &StepStats{PerDevice: make(map[string][]NodeStats)}
	for _, stats := range c.stats {
		step.PerDevice[stats.Device] = append(step.PerDevice[stats.Device], stats)
	}
	return step
}

// CostModel aggregates node wall times across sampled steps; the session
// rebuilds cost annotations from it when a run requests cost-graph output.
type CostModel struct {
	mu      sync.Mutex
	total   map[string]time.Duration
	samples map[string]int64
}

// NewCostModel returns an empty cost model.
func NewCostModel() *CostModel {
	return &CostModel{
		total:   make(map[string]time.Duration),
		samples: make(map[string]int64),
	}
}

// MergeStats folds one step's stats into the model.
func (m *CostModel) MergeStats(step *StepStats) {
	if step == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, deviceStats := range step.PerDevice {
		for _, stats := range deviceStats {
			m.total[stats.Node] += stats.Duration
			m.samples[stats.Node]++
		}
	}
}

// CostEstimate is the averaged cost of one node.
type CostEstimate struct {
	Node    string
	Mean    time.Duration
	Samples int64
}

// Estimates returns the per-node averaged costs.
func (m *CostModel) Estimates() []CostEstimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	estimates := make([]CostEstimate, 0, len(m.total))
	for node, total := range m.total {
		samples := m.samples[node]
		estimates = append(estimates, CostEstimate{
			Node:    node,
			Mean:    total / time.Duration(samples),
			Samples: samples,
		})
	}
	return estimates
}
