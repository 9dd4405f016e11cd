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

// Binary rv64mm exercises the memory core on a simulated machine:
// allocator benchmarks, page-fault walkthroughs and configuration
// inspection.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine configuration; built-in defaults apply when empty")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(AllocBench), "")
	subcommands.Register(new(FaultDemo), "")
	subcommands.Register(new(DumpConfig), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
