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
	"testing"

	"rv64os.dev/rv64os/pkg/kmem"
	"rv64os.dev/rv64os/pkg/riscv"
)

func testAddressSpace(t *testing.T, frames int) (*kmem.Allocator, *AddressSpace) {
	t.Helper()
	k := testAllocator(t, frames)
	as, err := NewAddressSpace(k, 0)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return k, as
}

func TestFaultBounds(t *testing.T) {
	_, as := testAddressSpace(t, 64)
	as.Size = 2 * riscv.PageSize

	if err := as.HandleFault(as.Size - 1); err != nil {
		t.Errorf("fault at last byte: %v", err)
	}
	if as.WalkAddr(as.Size-riscv.PageSize) == 0 {
		t.Error("last page not mapped after fault")
	}
	if err := as.HandleFault(as.Size); err != ErrBadAddress {
		t.Errorf("fault at size = %v, want ErrBadAddress", err)
	}
	if err := as.HandleFault(riscv.MaxVA + 1); err != ErrBadAddress {
		t.Errorf("fault far beyond size = %v, want ErrBadAddress", err)
	}
}

func TestFaultAnonymousZeroFill(t *testing.T) {
	k, as := testAddressSpace(t, 64)
	as.Size = riscv.PageSize

	if err := as.HandleFault(17); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	pa := as.WalkAddr(0)
	if pa == 0 {
		t.Fatal("page not mapped after fault")
	}
	for i, b := range k.Arena().Page(pa) {
		if b != 0 {
			t.Fatalf("byte %d of demand page = %#x, want 0", i, b)
		}
	}
	pte := as.walk(0, false)
	if got := pte.Flags(); got != userPerm|riscv.PTEValid {
		t.Errorf("demand page flags = %#x, want %#x", got, userPerm|riscv.PTEValid)
	}
}

func TestFaultGuardPage(t *testing.T) {
	k, as := testAddressSpace(t, 64)
	as.Size = 4 * riscv.PageSize

	mapAnon(t, k, &as.PageTable, riscv.PageSize)
	as.SetGuard(riscv.PageSize)

	if err := as.HandleFault(riscv.PageSize + 100); err != ErrGuardPage {
		t.Errorf("fault on guard page = %v, want ErrGuardPage", err)
	}
}

func TestFaultResolvesCOW(t *testing.T) {
	k, parent := testAddressSpace(t, 64)
	parent.Size = riscv.PageSize
	pa := mapAnon(t, k, &parent.PageTable, 0)
	copy(k.Arena().Page(pa), []byte("before fork"))

	child, err := NewAddressSpace(k, 0)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	child.Size = parent.Size
	if err := parent.CopyAsCOW(&child.PageTable, parent.Size); err != nil {
		t.Fatalf("CopyAsCOW: %v", err)
	}

	if err := child.HandleFault(0); err != nil {
		t.Fatalf("child fault: %v", err)
	}
	childPA := child.WalkAddr(0)
	if childPA == pa {
		t.Fatal("child still shares the parent's frame after resolution")
	}
	if got := string(k.Arena().Page(childPA)[:11]); got != "before fork" {
		t.Errorf("child copy holds %q, want %q", got, "before fork")
	}
	pte := child.walk(0, false)
	if !pte.Writable() || pte.COW() {
		t.Errorf("child entry flags = %#x, want writable and not copy-on-write", pte.Flags())
	}
	if got := k.RefCount(pa); got != 1 {
		t.Errorf("parent frame refcount = %d, want 1", got)
	}

	// Writes no longer cross the fork boundary.
	copy(k.Arena().Page(childPA), []byte("child only!"))
	if got := string(k.Arena().Page(pa)[:11]); got != "before fork" {
		t.Errorf("parent frame changed to %q", got)
	}
}

func TestFaultOutOfMemory(t *testing.T) {
	k, as := testAddressSpace(t, 4)
	as.Size = 16 * riscv.PageSize

	// Drain what the root left behind.
	for {
		if _, ok := k.AllocOn(0); !ok {
			break
		}
	}
	if err := as.HandleFault(0); err != ErrNoMemory {
		t.Errorf("HandleFault = %v, want ErrNoMemory", err)
	}
}
