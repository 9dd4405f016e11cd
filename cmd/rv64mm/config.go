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
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"rv64os.dev/rv64os/pkg/kmem"
	"rv64os.dev/rv64os/pkg/riscv"
)

// Config describes the simulated machine.
type Config struct {
	// NCPU is the number of hardware threads, i.e. per-CPU freelists.
	NCPU int `toml:"ncpu"`
	// PhysicalMemory is the arena size, e.g. "128MiB" or a byte count.
	PhysicalMemory string `toml:"physical_memory"`
	// KernelBase is the first managed physical address.
	KernelBase uint64 `toml:"kernel_base"`
}

// loadConfig reads a TOML machine config, or returns the defaults when
// path is empty.
func loadConfig(path string) (*Config, error) {
	c := &Config{
		NCPU:           4,
		PhysicalMemory: "128MiB",
		KernelBase:     riscv.KernBase,
	}
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if c.NCPU <= 0 {
		return nil, fmt.Errorf("ncpu must be positive, got %d", c.NCPU)
	}
	return c, nil
}

// PhysSize resolves the configured arena size to bytes.
func (c *Config) PhysSize() (uint64, error) {
	s := strings.TrimSpace(c.PhysicalMemory)
	mult := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad physical_memory %q: %v", c.PhysicalMemory, err)
	}
	return n * mult, nil
}

// newMachine builds the frame allocator the config describes.
func newMachine(c *Config) (*kmem.Allocator, error) {
	size, err := c.PhysSize()
	if err != nil {
		return nil, err
	}
	arena, err := kmem.NewArena(c.KernelBase, size)
	if err != nil {
		return nil, err
	}
	return kmem.NewAllocator(arena, c.NCPU), nil
}
