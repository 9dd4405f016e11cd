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

// Package kmem implements the physical memory layer: a byte arena that
// stands in for RAM, and a frame allocator with per-CPU freelists,
// cross-CPU stealing and global reference counts.
package kmem

import (
	"fmt"

	"rv64os.dev/rv64os/pkg/riscv"
)

// Arena is the simulated physical memory. Physical addresses in
// [base, base+len(mem)) are backed by mem; everything outside that range
// is unmanaged and access to it panics, the same way a stray physical
// pointer would fault on hardware.
type Arena struct {
	base uint64
	mem  []byte
}

// NewArena creates an arena of the given size at the given base physical
// address. Both must be page-aligned and size must be non-zero.
func NewArena(base, size uint64) (*Arena, error) {
	if base%riscv.PageSize != 0 || size%riscv.PageSize != 0 {
		return nil, fmt.Errorf("kmem: arena base %#x size %#x not page-aligned", base, size)
	}
	if size == 0 {
		return nil, fmt.Errorf("kmem: zero-size arena")
	}
	return &Arena{
		base: base,
		mem:  make([]byte, size),
	}, nil
}

// Base returns the lowest managed physical address.
func (a *Arena) Base() uint64 { return a.base }

// End returns one beyond the highest managed physical address.
func (a *Arena) End() uint64 { return a.base + uint64(len(a.mem)) }

// Frames returns the number of frames the arena holds.
func (a *Arena) Frames() int { return len(a.mem) / riscv.PageSize }

// Contains returns whether pa lies in the managed range.
func (a *Arena) Contains(pa uint64) bool {
	return pa >= a.base && pa < a.End()
}

// Page returns the 4096-byte frame at pa. pa must be page-aligned and
// managed.
func (a *Arena) Page(pa uint64) []byte {
	if pa%riscv.PageSize != 0 || !a.Contains(pa) {
		panic("kmem: bad physical address")
	}
	off := pa - a.base
	return a.mem[off : off+riscv.PageSize : off+riscv.PageSize]
}
