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
	"strings"
	"testing"

	"rv64os.dev/rv64os/pkg/kmem"
	"rv64os.dev/rv64os/pkg/riscv"
)

func testAllocator(t *testing.T, frames int) *kmem.Allocator {
	t.Helper()
	arena, err := kmem.NewArena(riscv.KernBase, uint64(frames)*riscv.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return kmem.NewAllocator(arena, 1)
}

func testPageTable(t *testing.T, frames int) (*kmem.Allocator, *PageTable) {
	t.Helper()
	k := testAllocator(t, frames)
	pt, err := NewPageTable(k, 0)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	return k, &pt
}

// mapAnon backs one page at va with a fresh frame and returns the frame.
func mapAnon(t *testing.T, k *kmem.Allocator, pt *PageTable, va uint64) uint64 {
	t.Helper()
	pa, ok := k.AllocOn(0)
	if !ok {
		t.Fatalf("AllocOn failed for va %#x", va)
	}
	if err := pt.Map(va, riscv.PageSize, pa, userPerm); err != nil {
		t.Fatalf("Map(%#x): %v", va, err)
	}
	return pa
}

func mustPanic(t *testing.T, want string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic %q", want)
		}
		if s, ok := r.(string); !ok || s != want {
			t.Fatalf("panic = %v, want %q", r, want)
		}
	}()
	f()
}

func TestMapWalkUnmapRoundTrip(t *testing.T) {
	k, pt := testPageTable(t, 64)

	// Addresses spread over distinct level-1 and level-2 subtrees.
	vas := []uint64{0, riscv.PageSize, 3 * riscv.PageSize, 1 << 21, 1 << 30}
	want := make(map[uint64]uint64)
	for _, va := range vas {
		want[va] = mapAnon(t, k, pt, va)
	}
	for va, pa := range want {
		if got := pt.WalkAddr(va); got != pa {
			t.Errorf("WalkAddr(%#x) = %#x, want %#x", va, got, pa)
		}
	}

	for _, va := range vas {
		pt.Unmap(va, riscv.PageSize, true)
	}
	for _, va := range vas {
		if got := pt.WalkAddr(va); got != 0 {
			t.Errorf("WalkAddr(%#x) after unmap = %#x, want 0", va, got)
		}
	}
}

func TestWalkAddrFiltering(t *testing.T) {
	k, pt := testPageTable(t, 16)

	if got := pt.WalkAddr(riscv.MaxVA); got != 0 {
		t.Errorf("WalkAddr(MaxVA) = %#x, want 0", got)
	}
	if got := pt.WalkAddr(0); got != 0 {
		t.Errorf("WalkAddr on empty table = %#x, want 0", got)
	}

	// Kernel-only mappings are invisible to the user lookup.
	pa, _ := k.AllocOn(0)
	if err := pt.Map(0, riscv.PageSize, pa, riscv.PTERead|riscv.PTEWrite); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := pt.WalkAddr(0); got != 0 {
		t.Errorf("WalkAddr on non-user page = %#x, want 0", got)
	}
}

func TestMapPanics(t *testing.T) {
	k, pt := testPageTable(t, 16)
	pa := mapAnon(t, k, pt, 0)

	mustPanic(t, "mappages: size", func() { pt.Map(0, 0, pa, userPerm) })
	mustPanic(t, "mappages: remap", func() { pt.Map(0, riscv.PageSize, pa, userPerm) })
	mustPanic(t, "walk", func() { pt.Map(riscv.MaxVA, riscv.PageSize, pa, userPerm) })
}

func TestUnmapSkipsHoles(t *testing.T) {
	k, pt := testPageTable(t, 16)
	mapAnon(t, k, pt, 0)
	mapAnon(t, k, pt, 2*riscv.PageSize)

	// Page 1 was never mapped; the sweep must step over it.
	pt.Unmap(0, 3*riscv.PageSize, true)
	for va := uint64(0); va < 3*riscv.PageSize; va += riscv.PageSize {
		if got := pt.WalkAddr(va); got != 0 {
			t.Errorf("WalkAddr(%#x) = %#x, want 0", va, got)
		}
	}
}

func TestUnmapNonLeafPanics(t *testing.T) {
	k, pt := testPageTable(t, 16)
	pa, _ := k.AllocOn(0)
	// A valid entry with no permission bits is a next-level pointer, not
	// a leaf; sweeping over one means the range bookkeeping is corrupt.
	if err := pt.Map(0, riscv.PageSize, pa, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}
	mustPanic(t, "uvmunmap: not a leaf", func() { pt.Unmap(0, riscv.PageSize, true) })
}

func TestUnmapSharedFrameKeepsIt(t *testing.T) {
	k, pt := testPageTable(t, 16)
	pa := mapAnon(t, k, pt, 0)
	k.IncRef(pa)

	free := k.FreeCount()
	pt.Unmap(0, riscv.PageSize, true)
	if got := k.FreeCount(); got != free {
		t.Errorf("shared frame freed on unmap: FreeCount = %d, want %d", got, free)
	}
	if got := k.RefCount(pa); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	k.DecRef(0, pa)
}

func TestGrowShrink(t *testing.T) {
	k, pt := testPageTable(t, 64)
	free := k.FreeCount()

	// 3 pages plus a partial fourth: first-fit covers 4 pages.
	newsz := uint64(3*riscv.PageSize + 7)
	got, err := pt.Grow(0, newsz)
	if err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if got != newsz {
		t.Fatalf("Grow = %d, want %d", got, newsz)
	}
	for va := uint64(0); va < newsz; va += riscv.PageSize {
		if pt.WalkAddr(va) == 0 {
			t.Errorf("page %#x unmapped after Grow", va)
		}
	}

	if got := pt.Shrink(newsz, 0); got != 0 {
		t.Fatalf("Shrink = %d, want 0", got)
	}
	for va := uint64(0); va < newsz; va += riscv.PageSize {
		if pa := pt.WalkAddr(va); pa != 0 {
			t.Errorf("page %#x still mapped after Shrink", va)
		}
	}
	// Leaf frames came back; the two intermediate table pages for the
	// low range stay allocated until Free.
	if got := k.FreeCount(); got != free-2 {
		t.Errorf("FreeCount = %d, want %d", got, free-2)
	}

	// Growing downward is a no-op that keeps the old size.
	if got, err := pt.Grow(newsz, riscv.PageSize); err != nil || got != newsz {
		t.Errorf("Grow downward = (%d, %v), want (%d, nil)", got, err, newsz)
	}
}

func TestGrowFailureUnwinds(t *testing.T) {
	// Root + 2 intermediate tables + 2 leaves, then exhaustion.
	k, pt := testPageTable(t, 5)

	if _, err := pt.Grow(0, 8*riscv.PageSize); err != ErrNoMemory {
		t.Fatalf("Grow = %v, want ErrNoMemory", err)
	}
	for va := uint64(0); va < 8*riscv.PageSize; va += riscv.PageSize {
		if pa := pt.WalkAddr(va); pa != 0 {
			t.Errorf("page %#x left mapped after failed Grow", va)
		}
	}
	// The unwound leaves are allocatable again.
	if _, ok := k.AllocOn(0); !ok {
		t.Error("no frame reclaimed by the unwind")
	}
}

func TestCopyAsCOW(t *testing.T) {
	k, parent := testPageTable(t, 64)
	pa := mapAnon(t, k, parent, 0)
	copy(k.Arena().Page(pa), []byte("shared page"))

	child, err := NewPageTable(k, 0)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	if err := parent.CopyAsCOW(&child, riscv.PageSize); err != nil {
		t.Fatalf("CopyAsCOW: %v", err)
	}

	if got := k.RefCount(pa); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	if got := child.WalkAddr(0); got != pa {
		t.Errorf("child WalkAddr(0) = %#x, want %#x (same frame)", got, pa)
	}
	for name, pt := range map[string]*PageTable{"parent": parent, "child": &child} {
		pte := pt.walk(0, false)
		if pte == nil {
			t.Fatalf("%s entry missing", name)
		}
		if pte.Writable() {
			t.Errorf("%s entry still writable", name)
		}
		if !pte.COW() {
			t.Errorf("%s entry not marked copy-on-write", name)
		}
	}
	if got := string(k.Arena().Page(child.WalkAddr(0))[:11]); got != "shared page" {
		t.Errorf("child sees %q, want %q", got, "shared page")
	}

	// Tearing the child down leaves the parent's frame alive.
	child.Free(riscv.PageSize)
	if got := k.RefCount(pa); got != 1 {
		t.Errorf("RefCount after child Free = %d, want 1", got)
	}
	if got := parent.WalkAddr(0); got != pa {
		t.Errorf("parent lost its mapping: WalkAddr(0) = %#x", got)
	}
}

func TestCopyAsCOWFailureLeavesSourceIntact(t *testing.T) {
	// Parent: root + 2 intermediate tables + 1 leaf. Child: root. No
	// frames remain for the child's intermediate tables, so the copy
	// fails on the first page.
	k, parent := testPageTable(t, 5)
	pa := mapAnon(t, k, parent, 0)

	child, err := NewPageTable(k, 0)
	if err != nil {
		t.Fatalf("NewPageTable: %v", err)
	}
	if err := parent.CopyAsCOW(&child, riscv.PageSize); err != ErrNoMemory {
		t.Fatalf("CopyAsCOW = %v, want ErrNoMemory", err)
	}

	if got := k.RefCount(pa); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	pte := parent.walk(0, false)
	if pte == nil || !pte.Valid() {
		t.Fatal("parent entry gone after failed copy")
	}
	if !pte.Writable() || pte.COW() {
		t.Errorf("parent entry downgraded by failed copy: flags %#x", pte.Flags())
	}
}

func TestFreeReclaimsEverything(t *testing.T) {
	k, pt := testPageTable(t, 64)
	total := k.FreeCount() + 1 // the root is already out

	size := uint64(1)<<30 + riscv.PageSize // force two level-2 subtrees
	mapAnon(t, k, pt, 0)
	mapAnon(t, k, pt, 1<<30)

	pt.Free(size)
	if got := k.FreeCount(); got != total {
		t.Errorf("FreeCount after Free = %d, want %d", got, total)
	}
}

func TestFreeWithLeafAbovePanics(t *testing.T) {
	k, pt := testPageTable(t, 16)
	mapAnon(t, k, pt, 4*riscv.PageSize)
	// Freeing with a size that misses the leaf means a page leaked.
	mustPanic(t, "freewalk: leaf", func() { pt.Free(riscv.PageSize) })
}

func TestSetGuard(t *testing.T) {
	k, pt := testPageTable(t, 16)
	pa := mapAnon(t, k, pt, riscv.PageSize)

	pt.SetGuard(riscv.PageSize)
	if got := pt.WalkAddr(riscv.PageSize); got != 0 {
		t.Errorf("guard page still user-visible: WalkAddr = %#x", got)
	}
	pte := pt.walk(riscv.PageSize, false)
	if pte == nil || !pte.Valid() || pte.PA() != pa {
		t.Error("guard page lost its mapping")
	}

	mustPanic(t, "uvmclear", func() { pt.SetGuard(2 * riscv.PageSize) })
}

func TestLoadInit(t *testing.T) {
	k, pt := testPageTable(t, 16)
	src := []byte("initcode image")
	if err := pt.LoadInit(src); err != nil {
		t.Fatalf("LoadInit: %v", err)
	}
	pa := pt.WalkAddr(0)
	if pa == 0 {
		t.Fatal("page 0 unmapped after LoadInit")
	}
	if got := string(k.Arena().Page(pa)[:len(src)]); got != string(src) {
		t.Errorf("page 0 holds %q, want %q", got, src)
	}

	mustPanic(t, "inituvm: more than a page", func() {
		pt.LoadInit(make([]byte, riscv.PageSize))
	})
}

func TestDump(t *testing.T) {
	k, pt := testPageTable(t, 16)
	mapAnon(t, k, pt, 0)

	var sb strings.Builder
	pt.Dump(&sb)
	out := sb.String()
	if !strings.HasPrefix(out, "page table ") {
		t.Errorf("Dump output starts %q", out[:min(len(out), 20)])
	}
	// One line per level: header, level 2, level 1, leaf.
	if got := strings.Count(out, "\n"); got != 4 {
		t.Errorf("Dump produced %d lines, want 4:\n%s", got, out)
	}
	if !strings.Contains(out, " .. .. ..0: pte ") {
		t.Errorf("Dump missing depth-3 leaf line:\n%s", out)
	}
}
