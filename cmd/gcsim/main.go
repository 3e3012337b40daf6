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

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/intel/gcsched/pkg/config"
	"github.com/intel/gcsched/pkg/gc/heap"
	"github.com/intel/gcsched/pkg/gc/scheduling"
	"github.com/intel/gcsched/pkg/gc/simulator"
	"github.com/intel/gcsched/pkg/gc/vlhgc"
	"github.com/intel/gcsched/pkg/instrumentation"
	"github.com/intel/gcsched/pkg/instrumentation/http"
	logger "github.com/intel/gcsched/pkg/log"
	_ "github.com/intel/gcsched/pkg/version"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "gcsim: "+format+"\n", a...)
	os.Exit(1)
}

// registerCollectors exposes the metrics of all simulated components.
func registerCollectors(sim *simulator.Simulator) error {
	if err := heap.RegisterCollector("heap", sim.Heap()); err != nil {
		return err
	}
	if err := scheduling.RegisterCollector("scheduling", sim.GC().Delegate()); err != nil {
		return err
	}
	if err := vlhgc.RegisterCollector("collector", sim.GC()); err != nil {
		return err
	}
	return simulator.RegisterCollector("simulator", sim)
}

// registerHandlers exposes collector state on the instrumentation HTTP server.
func registerHandlers(mux *http.ServeMux, sim *simulator.Simulator) {
	mux.Handle("/gc/scheduling", http.YAMLHandler(func() (interface{}, error) {
		return sim.GC().Delegate().Snapshot(), nil
	}))
	mux.Handle("/gc/heap", http.YAMLHandler(func() (interface{}, error) {
		return sim.Heap().Status(), nil
	}))
	mux.Handle("/gc/collector", http.YAMLHandler(func() (interface{}, error) {
		return sim.GC().Stats(), nil
	}))
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read configuration from YAML FILE")
	optSteps := flag.Int("steps", 0, "-steps=COUNT run COUNT taxation points, 0 for the configured count")
	optPrompt := flag.Bool("prompt", false, "-prompt run an interactive prompt instead of a batch simulation")
	optDescribe := flag.Bool("describe", false, "-describe describe the configuration and exit")

	flag.Parse()

	if len(flag.Args()) != 0 {
		exit("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
	}

	if *optDescribe {
		fmt.Print(config.Describe())
		return
	}

	if *optConfig != "" {
		if err := config.SetYAMLFile(*optConfig); err != nil {
			exit("%v", err)
		}
	} else if err := config.Validate(); err != nil {
		exit("invalid default configuration: %v", err)
	}

	log := logger.Default()
	defer logger.Flush()

	if err := instrumentation.Start(); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	sim, err := simulator.New(simulator.Config{})
	if err != nil {
		log.Fatal("failed to create simulator: %v", err)
	}
	defer sim.Shutdown()

	if err := registerCollectors(sim); err != nil {
		log.Fatal("failed to register metrics collectors: %v", err)
	}
	registerHandlers(instrumentation.GetHTTPMux(), sim)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *optPrompt {
		p := NewPrompt("gcsim> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), sim)
		p.interact(ctx)
		return
	}

	sum, err := sim.Run(ctx, *optSteps)
	fmt.Print(formatSummary(sum))
	if err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
}
