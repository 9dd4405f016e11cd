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
	"os"
	"strings"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"rv64os.dev/rv64os/pkg/fs"
	"rv64os.dev/rv64os/pkg/mm"
	"rv64os.dev/rv64os/pkg/riscv"
)

// FaultDemo implements subcommands.Command for the "fault-demo"
// command: it maps an in-memory file, touches it page by page through
// the fault dispatcher, mutates it and writes it back.
type FaultDemo struct {
	length int
}

// Name implements subcommands.Command.Name.
func (*FaultDemo) Name() string {
	return "fault-demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*FaultDemo) Synopsis() string {
	return "walks a memory-mapped file through the page-fault path"
}

// Usage implements subcommands.Command.Usage.
func (*FaultDemo) Usage() string {
	return `fault-demo [-length N]`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *FaultDemo) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.length, "length", 3*riscv.PageSize+97, "byte length of the file to map")
}

// Execute implements subcommands.Command.Execute.
func (d *FaultDemo) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*Config)
	k, err := newMachine(conf)
	if err != nil {
		log.Errorf("building machine: %v", err)
		return subcommands.ExitFailure
	}

	content := make([]byte, d.length)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	ip := fs.NewMemInode(content)
	file := fs.NewFile(ip, true, true)

	as, err := mm.NewAddressSpace(k, 0)
	if err != nil {
		log.Errorf("creating address space: %v", err)
		return subcommands.ExitFailure
	}
	defer as.Release()

	base, err := as.MapFile(file, uint64(d.length), mm.ProtRead|mm.ProtWrite, mm.MapShared, 0)
	if err != nil {
		log.Errorf("mmap: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("mapped %d bytes at %#x\n", d.length, base)

	for va := base; va < base+uint64(d.length); va += riscv.PageSize {
		if err := as.HandleFault(va); err != nil {
			log.Errorf("fault at %#x: %v", va, err)
			return subcommands.ExitFailure
		}
		fmt.Printf("faulted in page %#x\n", va)
	}

	// Flip the first page to upper case through the copy interface and
	// flush everything back to the file.
	head := make([]byte, riscv.PageSize)
	if err := as.CopyIn(head, base); err != nil {
		log.Errorf("copyin: %v", err)
		return subcommands.ExitFailure
	}
	if err := as.CopyOut(base, []byte(strings.ToUpper(string(head)))); err != nil {
		log.Errorf("copyout: %v", err)
		return subcommands.ExitFailure
	}
	if err := as.UnmapFile(base, uint64(d.length)); err != nil {
		log.Errorf("munmap: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("file head after write-back: %q\n", ip.Bytes()[:32])

	as.Dump(os.Stdout)
	return subcommands.ExitSuccess
}
