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

// Package riscv defines the RISC-V Sv39 paging model: page geometry,
// page-table entry encoding and the virtual address split used by the
// three-level walk.
package riscv

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 1 << PageShift

	// EntriesPerTable is the number of 64-bit PTEs in one page-table page.
	EntriesPerTable = 512

	// LevelCount is the number of page-table levels in Sv39.
	LevelCount = 3

	// MaxVA is one beyond the highest virtual address usable by the
	// kernel. Sv39 supports 39 bits, but only the low half is used to
	// avoid sign-extended addresses.
	MaxVA = 1 << (9 + 9 + 9 + PageShift - 1)
)

// Default physical memory layout. The arena that stands in for RAM is
// placed at KernBase, mirroring a platform that loads the kernel at the
// bottom of physical memory.
const (
	// KernBase is the first managed physical address.
	KernBase = 0x8000_0000

	// DefaultPhysSize is the default amount of simulated physical memory.
	DefaultPhysSize = 128 << 20
)

// PTE is a single Sv39 page-table entry. Bits 0-7 are defined by the
// architecture; bit 8 is one of the two RSW bits, reserved for software,
// and is used here to mark copy-on-write mappings.
type PTE uint64

// PTE flag bits.
const (
	PTEValid    PTE = 1 << 0
	PTERead     PTE = 1 << 1
	PTEWrite    PTE = 1 << 2
	PTEExec     PTE = 1 << 3
	PTEUser     PTE = 1 << 4
	PTEGlobal   PTE = 1 << 5
	PTEAccessed PTE = 1 << 6
	PTEDirty    PTE = 1 << 7
	PTECOW      PTE = 1 << 8
)

// pteFlagMask covers the architectural flag bits plus both RSW bits.
const pteFlagMask = (1 << 10) - 1

// NewPTE encodes a physical address and flag set as a PTE. The address's
// page frame number occupies bits 10-53.
func NewPTE(pa uint64, flags PTE) PTE {
	return PTE(pa>>PageShift<<10) | flags
}

// PA returns the physical address the entry points at.
func (p PTE) PA() uint64 {
	return uint64(p) >> 10 << PageShift
}

// Flags returns the entry's flag bits.
func (p PTE) Flags() PTE {
	return p & pteFlagMask
}

// Valid returns whether the entry is present.
func (p PTE) Valid() bool { return p&PTEValid != 0 }

// Readable returns whether the entry permits loads.
func (p PTE) Readable() bool { return p&PTERead != 0 }

// Writable returns whether the entry permits stores.
func (p PTE) Writable() bool { return p&PTEWrite != 0 }

// Executable returns whether the entry permits instruction fetch.
func (p PTE) Executable() bool { return p&PTEExec != 0 }

// User returns whether the entry is accessible in user mode.
func (p PTE) User() bool { return p&PTEUser != 0 }

// COW returns whether the entry is marked copy-on-write.
func (p PTE) COW() bool { return p&PTECOW != 0 }

// Leaf returns whether the entry maps a frame directly. An entry with
// none of R/W/X set points at the next-level table instead.
func (p PTE) Leaf() bool {
	return p&(PTERead|PTEWrite|PTEExec) != 0
}

// PX extracts the 9-bit page-table index for the given level from a
// virtual address. Level 2 is the root.
func PX(level int, va uint64) uint64 {
	return (va >> (PageShift + 9*uint(level))) & (EntriesPerTable - 1)
}

// PageRoundDown rounds an address down to a page boundary.
func PageRoundDown(a uint64) uint64 {
	return a &^ (PageSize - 1)
}

// PageRoundUp rounds an address up to a page boundary.
func PageRoundUp(a uint64) uint64 {
	return (a + PageSize - 1) &^ (PageSize - 1)
}
