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

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"rv64os.dev/rv64os/pkg/riscv"
)

// DumpConfig implements subcommands.Command for the "dump-config"
// command.
type DumpConfig struct{}

// Name implements subcommands.Command.Name.
func (*DumpConfig) Name() string {
	return "dump-config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DumpConfig) Synopsis() string {
	return "prints the resolved machine configuration"
}

// Usage implements subcommands.Command.Usage.
func (*DumpConfig) Usage() string {
	return `dump-config`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*DumpConfig) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*DumpConfig) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*Config)
	size, err := conf.PhysSize()
	if err != nil {
		log.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("ncpu:            %d\n", conf.NCPU)
	fmt.Printf("kernel base:     %#x\n", conf.KernelBase)
	fmt.Printf("physical memory: %d bytes (%d frames)\n", size, size/riscv.PageSize)
	fmt.Printf("physical top:    %#x\n", conf.KernelBase+size)
	return subcommands.ExitSuccess
}
