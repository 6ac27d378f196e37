// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dataflow_run loads a computation graph from a JSON file and runs it once,
// printing the fetched tensors.
//
// Example:
//
//	dataflow_run --graph=graph.json --feed=x:0=7 --fetch=y:0
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/dataflow/graph"
	"github.com/gomlx/dataflow/session"
	"github.com/gomlx/dataflow/tensors"
)

var (
	flagGraph   = flag.String("graph", "", "Path to the JSON GraphDef to run.")
	flagFetches = flag.String("fetch", "", "Comma-separated tensor names to fetch, e.g. \"y:0,z:0\".")
	flagTargets = flag.String("target", "", "Comma-separated node names to run for effect only.")
	flagTrace   = flag.Bool("trace", false, "Collect and print per-node execution stats.")
)

// feedFlags accumulates repeated --feed=name=value flags; values are parsed
// as int64 or float64 scalars.
type feedFlags []session.NamedTensor

func (f *feedFlags) String() string { return fmt.Sprintf("%d feeds", len(*f)) }

func (f *feedFlags) Set(text string) error {
	name, value, found := strings.Cut(text, "=")
	if !found {
		return fmt.Errorf("feed %q is not in name=value form", text)
	}
	if asInt, err := strconv.ParseInt(value, 10, 64); err == nil {
		*f = append(*f, session.NamedTensor{Name: name, Tensor: tensors.FromScalar(asInt)})
		return nil
	}
	asFloat, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("feed %q value is neither integer nor float", text)
	}
	*f = append(*f, session.NamedTensor{Name: name, Tensor: tensors.FromScalar(asFloat)})
	return nil
}

func main() {
	var feeds feedFlags
	flag.Var(&feeds, "feed", "Feed in name=value form; repeatable.")
	flag.Parse()
	if *flagGraph == "" || *flagFetches == "" {
		klog.Exitf("both --graph and --fetch are required")
	}

	var def graph.GraphDef
	must.M(json.Unmarshal(must.M1(os.ReadFile(*flagGraph)), &def))

	s := must.M1(session.New(session.Options{}))
	defer func() { must.M(s.Close()) }()
	must.M(s.Create(&def))

	fetches := strings.Split(*flagFetches, ",")
	var targets []string
	if *flagTargets != "" {
		targets = strings.Split(*flagTargets, ",")
	}

	runOptions := &session.RunOptions{}
	if *flagTrace {
		runOptions.TraceLevel = session.SoftwareTrace
	}
	var metadata session.RunMetadata
	outputs := must.M1(s.Run(runOptions, feeds, fetches, targets, &metadata))

	for ii, output := range outputs {
		fmt.Printf("%s = %s\n", fetches[ii], output)
	}
	if metadata.StepStats != nil {
		for device, nodeStats := range metadata.StepStats.PerDevice {
			fmt.Printf("# device %s\n", device)
			for _, stats := range nodeStats {
				fmt.Printf("#   %-30s %12s %6d bytes\n", stats.Node, stats.Duration, stats.OutputBytes)
			}
		}
	}
}
