// Copyright 2024 The rv64os Authors.
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
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AllocBench implements subcommands.Command for the "alloc-bench"
// command.
type AllocBench struct {
	rounds int
	frames int
}

// Name implements subcommands.Command.Name.
func (*AllocBench) Name() string {
	return "alloc-bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*AllocBench) Synopsis() string {
	return "storms the per-CPU frame allocator from one goroutine per CPU"
}

// Usage implements subcommands.Command.Usage.
func (*AllocBench) Usage() string {
	return `alloc-bench [-rounds N] [-frames N]`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *AllocBench) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.rounds, "rounds", 64, "alloc/free rounds per goroutine")
	f.IntVar(&b.frames, "frames", 512, "frames held per round; CPU 0 holds double to force stealing")
}

// Execute implements subcommands.Command.Execute.
func (b *AllocBench) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*Config)
	k, err := newMachine(conf)
	if err != nil {
		log.Errorf("building machine: %v", err)
		return subcommands.ExitFailure
	}

	before := k.FreeCount()
	start := time.Now()

	var g errgroup.Group
	for cpu := 0; cpu < k.CPUs(); cpu++ {
		cpu := cpu
		want := b.frames
		if cpu == 0 {
			// An oversubscribed CPU drains its own list and steals.
			want *= 2
		}
		g.Go(func() error {
			held := make([]uint64, 0, want)
			for round := 0; round < b.rounds; round++ {
				held = held[:0]
				for i := 0; i < want; i++ {
					pa, ok := k.AllocOn(cpu)
					if !ok {
						return fmt.Errorf("cpu %d: out of frames after %d allocations", cpu, i)
					}
					held = append(held, pa)
				}
				for _, pa := range held {
					k.DecRef(cpu, pa)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("bench failed: %v", err)
		return subcommands.ExitFailure
	}

	elapsed := time.Since(start)
	after := k.FreeCount()
	fmt.Printf("cpus:          %d\n", k.CPUs())
	fmt.Printf("rounds:        %d\n", b.rounds)
	fmt.Printf("free before:   %d\n", before)
	fmt.Printf("free after:    %d\n", after)
	fmt.Printf("elapsed:       %v\n", elapsed)
	if before != after {
		log.Errorf("frame leak: %d before, %d after", before, after)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
