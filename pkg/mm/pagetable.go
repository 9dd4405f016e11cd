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

package mm

import (
	"rv64os.dev/rv64os/pkg/kmem"
	"rv64os.dev/rv64os/pkg/riscv"
)

// userPerm is the permission set for anonymous user pages.
const userPerm = riscv.PTERead | riscv.PTEWrite | riscv.PTEExec | riscv.PTEUser

// PageTable is one address space's Sv39 page-table tree. The root and
// every intermediate table page are frames from the allocator; the tree
// has a fixed depth of three.
type PageTable struct {
	k    *kmem.Allocator
	cpu  int
	root uint64
}

// NewPageTable allocates an empty root table page.
func NewPageTable(k *kmem.Allocator, cpu int) (PageTable, error) {
	root, ok := k.AllocOn(cpu)
	if !ok {
		return PageTable{}, ErrNoMemory
	}
	return PageTable{k: k, cpu: cpu, root: root}, nil
}

// Root returns the physical address of the root table page.
func (pt *PageTable) Root() uint64 { return pt.root }

// walk returns the address of the level-0 PTE for va, descending 9 bits
// per level. If alloc is set, missing intermediate table pages are
// created (zero-filled); otherwise, or if a table page cannot be
// allocated, walk returns nil. Addresses at or beyond MaxVA are a caller
// bug.
func (pt *PageTable) walk(va uint64, alloc bool) *riscv.PTE {
	if va >= riscv.MaxVA {
		panic("walk")
	}
	table := pt.root
	for level := riscv.LevelCount - 1; level > 0; level-- {
		pte := &pt.entries(table)[riscv.PX(level, va)]
		if pte.Valid() {
			table = pte.PA()
		} else {
			if !alloc {
				return nil
			}
			pa, ok := pt.k.AllocOn(pt.cpu)
			if !ok {
				return nil
			}
			*pte = riscv.NewPTE(pa, riscv.PTEValid)
			table = pa
		}
	}
	return &pt.entries(table)[riscv.PX(0, va)]
}

// WalkAddr looks up a user page and returns its frame address, or 0 if
// va is unmapped, invalid or not user-accessible.
func (pt *PageTable) WalkAddr(va uint64) uint64 {
	if va >= riscv.MaxVA {
		return 0
	}
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() || !pte.User() {
		return 0
	}
	return pte.PA()
}

// Map creates leaf mappings for every page of [va, va+size), advancing
// va and pa in page strides. Neither needs to be page-aligned. Mapping
// over a valid entry is always a programming error and panics; failure
// to allocate an intermediate table page is reported as ErrNoMemory.
func (pt *PageTable) Map(va, size, pa uint64, perm riscv.PTE) error {
	if size == 0 {
		panic("mappages: size")
	}
	a := riscv.PageRoundDown(va)
	last := riscv.PageRoundDown(va + size - 1)
	for {
		pte := pt.walk(a, true)
		if pte == nil {
			return ErrNoMemory
		}
		if pte.Valid() {
			panic("mappages: remap")
		}
		*pte = riscv.NewPTE(pa, perm|riscv.PTEValid)
		if a == last {
			return nil
		}
		a += riscv.PageSize
		pa += riscv.PageSize
	}
}

// Unmap clears the leaf entries covering [va, va+size). Pages that are
// already unmapped are skipped, so a partially built range can be torn
// down with one call. If free is set, each mapped frame's reference
// count is dropped, which frees the frame unless it is still shared.
func (pt *PageTable) Unmap(va, size uint64, free bool) {
	if size == 0 {
		return
	}
	a := riscv.PageRoundDown(va)
	last := riscv.PageRoundDown(va + size - 1)
	for {
		if pte := pt.walk(a, false); pte != nil && pte.Valid() {
			if pte.Flags() == riscv.PTEValid {
				panic("uvmunmap: not a leaf")
			}
			if free {
				pt.k.DecRef(pt.cpu, pte.PA())
			}
			*pte = 0
		}
		if a == last {
			return
		}
		a += riscv.PageSize
	}
}

// Grow eagerly allocates and maps zeroed anonymous pages to take the
// address space from oldsz to newsz, unwinding everything it mapped on
// failure. Returns the new size.
func (pt *PageTable) Grow(oldsz, newsz uint64) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	oldsz = riscv.PageRoundUp(oldsz)
	for a := oldsz; a < newsz; a += riscv.PageSize {
		pa, ok := pt.k.AllocOn(pt.cpu)
		if !ok {
			pt.Shrink(a, oldsz)
			return 0, ErrNoMemory
		}
		if err := pt.Map(a, riscv.PageSize, pa, userPerm); err != nil {
			pt.k.DecRef(pt.cpu, pa)
			pt.Shrink(a, oldsz)
			return 0, err
		}
	}
	return newsz, nil
}

// Shrink unmaps and releases pages to take the address space from oldsz
// down to newsz. Returns the new size.
func (pt *PageTable) Shrink(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if up := riscv.PageRoundUp(newsz); up < riscv.PageRoundUp(oldsz) {
		pt.Unmap(up, oldsz-up, true)
	}
	return newsz
}

// SetGuard makes the page at va inaccessible from user mode, turning it
// into a stack guard page. The page must be mapped.
func (pt *PageTable) SetGuard(va uint64) {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() {
		panic("uvmclear")
	}
	*pte &^= riscv.PTEUser
}

// LoadInit installs the first process's initial image at address 0. src
// must fit in one page.
func (pt *PageTable) LoadInit(src []byte) error {
	if len(src) >= riscv.PageSize {
		panic("inituvm: more than a page")
	}
	pa, ok := pt.k.AllocOn(pt.cpu)
	if !ok {
		return ErrNoMemory
	}
	if err := pt.Map(0, riscv.PageSize, pa, userPerm); err != nil {
		pt.k.DecRef(pt.cpu, pa)
		return err
	}
	copy(pt.k.Arena().Page(pa), src)
	return nil
}

// CopyAsCOW establishes copy-on-write sharing of every mapped page below
// size into dst: the same frame is mapped into dst with the write bit
// cleared and the COW bit set, the source entry is downgraded to the
// same flags, and the frame gains a reference. On failure everything
// already mapped into dst is unmapped and released; the source is
// consistent up to the failure point because it is only downgraded after
// the destination mapping succeeds.
func (pt *PageTable) CopyAsCOW(dst *PageTable, size uint64) error {
	for va := uint64(0); va < size; va += riscv.PageSize {
		pte := pt.walk(va, false)
		if pte == nil || !pte.Valid() {
			continue
		}
		pa := pte.PA()
		flags := pte.Flags()&^riscv.PTEWrite | riscv.PTECOW

		if err := dst.Map(va, riscv.PageSize, pa, flags); err != nil {
			if va > 0 {
				dst.Unmap(0, va, true)
			}
			return err
		}
		pt.Unmap(va, riscv.PageSize, false)
		if err := pt.Map(va, riscv.PageSize, pa, flags); err != nil {
			dst.Unmap(0, va+riscv.PageSize, true)
			return err
		}
		pt.k.IncRef(pa)
	}
	return nil
}

// Free releases all user pages below size and then the page-table pages
// themselves, bottom-up. Finding a surviving leaf while freeing table
// pages means a page was leaked and is fatal.
func (pt *PageTable) Free(size uint64) {
	if size > 0 {
		pt.Unmap(0, size, true)
	}
	pt.freeTable(pt.root)
}

// freeTable recursively frees one page-table page and its children. The
// recursion depth is bounded by the fixed three-level tree.
func (pt *PageTable) freeTable(table uint64) {
	entries := pt.entries(table)
	for i := range entries {
		pte := entries[i]
		if pte.Valid() && !pte.Leaf() {
			pt.freeTable(pte.PA())
			entries[i] = 0
		} else if pte.Valid() {
			panic("freewalk: leaf")
		}
	}
	pt.k.DecRef(pt.cpu, table)
}

// privatize replaces the COW-shared frame mapped at page with a private
// writable copy and releases the shared reference. pte must be the
// page's current entry.
func (pt *PageTable) privatize(page uint64, pte *riscv.PTE) error {
	pa, ok := pt.k.AllocOn(pt.cpu)
	if !ok {
		return ErrNoMemory
	}
	copy(pt.k.Arena().Page(pa), pt.k.Arena().Page(pte.PA()))
	flags := pte.Flags()&^riscv.PTECOW | riscv.PTEWrite

	pt.Unmap(page, riscv.PageSize, true)
	if err := pt.Map(page, riscv.PageSize, pa, flags); err != nil {
		pt.k.DecRef(pt.cpu, pa)
		return err
	}
	return nil
}
