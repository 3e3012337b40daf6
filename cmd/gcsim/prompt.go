// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements an interactive prompt for stepping through a simulation.

package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/common/expfmt"
	"sigs.k8s.io/yaml"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/gc/simulator"
	"github.com/intel/gcsched/pkg/metrics"
	"github.com/intel/gcsched/pkg/version"
)

// Prompt reads and runs simulator commands.
type Prompt struct {
	r   *bufio.Reader
	w   *bufio.Writer
	f   *flag.FlagSet
	sim *simulator.Simulator
	ps1 string
}

type promptAction int

const (
	paCommandOk promptAction = iota
	paQuit
)

// NewPrompt creates a prompt for the given simulation.
func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer, sim *simulator.Simulator) *Prompt {
	return &Prompt{
		r:   reader,
		w:   writer,
		ps1: ps1,
		sim: sim,
	}
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) interact(ctx context.Context) {
	pa := paCommandOk
	for pa != paQuit && ctx.Err() == nil {
		p.output(p.ps1)
		cmd, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quitting prompt: %s\n", err)
			break
		}
		pa = p.run(ctx, strings.Fields(cmd))
	}
	p.output("quitting prompt.\n")
}

// run runs a single command.
func (p *Prompt) run(ctx context.Context, cmd []string) promptAction {
	if len(cmd) == 0 {
		return paCommandOk
	}
	p.f = flag.NewFlagSet(cmd[0], flag.ContinueOnError)
	if p.w != nil {
		p.f.SetOutput(p.w)
	}
	switch cmd[0] {
	case "q", "quit":
		return p.cmdQuit(cmd[1:])
	case "s", "step":
		return p.cmdStep(ctx, cmd[1:])
	case "run":
		return p.cmdRun(ctx, cmd[1:])
	case "stats":
		return p.cmdStats(cmd[1:])
	case "snapshot":
		return p.cmdSnapshot(cmd[1:])
	case "metrics":
		return p.cmdMetrics(cmd[1:])
	case "config":
		return p.cmdConfig(cmd[1:])
	case "version":
		p.output("%s", version.Info())
	case "help":
		p.output("commands: step, run, stats, snapshot, metrics, config, version, quit\n")
	default:
		p.output("unknown command %q\n", cmd[0])
	}
	return paCommandOk
}

func (p *Prompt) cmdStep(ctx context.Context, args []string) promptAction {
	count := p.f.Int("n", 1, "run COUNT steps")
	quiet := p.f.Bool("q", false, "do not print the steps")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	for i := 0; i < *count; i++ {
		res, err := p.sim.Step(ctx)
		if err != nil {
			p.output("step failed: %v\n", err)
			break
		}
		if !*quiet {
			p.output("%s\n", res)
		}
	}
	return paCommandOk
}

func (p *Prompt) cmdRun(ctx context.Context, args []string) promptAction {
	count := p.f.Int("n", 0, "run COUNT steps, 0 for the configured count")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	sum, err := p.sim.Run(ctx, *count)
	if err != nil {
		p.output("run failed: %v\n", err)
	}
	p.output("%s", formatSummary(sum))
	return paCommandOk
}

func (p *Prompt) cmdStats(args []string) promptAction {
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	p.output("%s", formatSummary(p.sim.Summary()))
	return paCommandOk
}

func (p *Prompt) cmdSnapshot(args []string) promptAction {
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	data, err := yaml.Marshal(p.sim.GC().Delegate().Snapshot())
	if err != nil {
		p.output("failed to marshal scheduling state: %v\n", err)
		return paCommandOk
	}
	p.output("%s", data)
	return paCommandOk
}

func (p *Prompt) cmdMetrics(args []string) promptAction {
	prefix := p.f.String("prefix", "", "show only metrics starting with PREFIX")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		p.output("failed to create metrics gatherer: %v\n", err)
		return paCommandOk
	}
	families, err := g.Gather()
	if err != nil {
		p.output("failed to gather metrics: %v\n", err)
		return paCommandOk
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	buf := &bytes.Buffer{}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), *prefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(buf, f); err != nil {
			p.output("failed to format metric %s: %v\n", f.GetName(), err)
		}
	}
	p.output("%s", buf.String())
	return paCommandOk
}

func (p *Prompt) cmdConfig(args []string) promptAction {
	describe := p.f.Bool("d", false, "describe configuration instead of dumping it")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	if *describe {
		p.output("%s", config.Describe())
		return paCommandOk
	}
	data, err := config.GetYAML()
	if err != nil {
		p.output("failed to get configuration: %v\n", err)
		return paCommandOk
	}
	p.output("%s", data)
	return paCommandOk
}

func (p *Prompt) cmdQuit(args []string) promptAction {
	help := p.f.Bool("h", false, "print help")
	p.f.Parse(args)
	if *help {
		p.output("quit interactive prompt\n")
		return paCommandOk
	}
	return paQuit
}

// formatSummary formats a simulation summary for humans.
func formatSummary(sum simulator.Summary) string {
	c, h := sum.Collector, sum.Heap
	b := &strings.Builder{}
	fmt.Fprintf(b, "steps:       %d in %s\n", sum.Steps, sum.Elapsed)
	fmt.Fprintf(b, "allocated:   %d bytes, %d live\n", sum.Allocated, sum.LiveBytes)
	fmt.Fprintf(b, "heap:        %d/%d bytes committed, %d free regions\n",
		h.CommittedBytes, h.MaximumBytes, h.FreeRegions)
	fmt.Fprintf(b, "eden:        %d/%d bytes free\n", h.Snapshot.FreeEden, h.Snapshot.TotalEden)
	fmt.Fprintf(b, "survivor:    %d/%d bytes free\n", h.Snapshot.FreeSurvivor, h.Snapshot.TotalSurvivor)
	fmt.Fprintf(b, "old:         %d/%d bytes free\n", h.Snapshot.FreeOld, h.Snapshot.TotalOld)
	fmt.Fprintf(b, "PGCs:        %d copy-forward (%d aborted), %d mark-compact\n",
		c.CopyForwardPGCs, c.AbortedCopyForwards, c.MarkCompactPGCs)
	fmt.Fprintf(b, "GMPs:        %d cycles, %d increments, %d bytes marked concurrently\n",
		c.GMPCycles, c.GMPIncrements, c.ConcurrentBytesScanned)
	fmt.Fprintf(b, "global GCs:  %d\n", c.GlobalCollections)
	fmt.Fprintf(b, "pauses:      last %s, average %.2fms, max %.2fms\n",
		c.LastPause, c.PauseAverage, c.PauseMax)
	fmt.Fprintf(b, "heap resize: %d\n", c.HeapResizes)
	return b.String()
}
