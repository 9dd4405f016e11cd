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

// Package mm implements virtual memory for one address space: the
// three-level Sv39 page-table engine, copy-on-write fork, the
// user/kernel copy interface, the page-fault dispatcher and the mmap
// region tracker.
//
// An address space is only ever mutated by the thread executing on its
// behalf (or by a parent constructing a child before it runs), so the
// package takes no locks of its own; all cross-CPU shared state lives in
// pkg/kmem.
package mm

import (
	"errors"

	"rv64os.dev/rv64os/pkg/fs"
	"rv64os.dev/rv64os/pkg/kmem"
)

// Recoverable failures. Structural invariant violations panic instead;
// see the package's panic strings.
var (
	// ErrNoMemory indicates physical frame or region-slot exhaustion
	// that the caller may handle, typically by failing the syscall or
	// killing the process.
	ErrNoMemory = errors.New("out of memory")

	// ErrBadAddress indicates an access outside the process's declared
	// address-space size, or to an unmapped page where fabricating one
	// is not permitted.
	ErrBadAddress = errors.New("bad address")

	// ErrGuardPage indicates a fault on the stack guard page.
	ErrGuardPage = errors.New("stack guard page violation")

	// ErrNoSlots indicates the per-process mmap region table is full.
	ErrNoSlots = errors.New("no free mmap region slots")

	// ErrPermission indicates an mmap protection incompatible with the
	// backing file's open mode.
	ErrPermission = errors.New("permission denied")

	// ErrNoTerminator indicates a user string with no NUL within the
	// caller's bound.
	ErrNoTerminator = errors.New("string not terminated")
)

// AddressSpace is one process's view of memory: its page table, its
// declared size, and its memory-mapped file regions. The declared size
// may exceed what is currently backed; first touch allocates.
type AddressSpace struct {
	PageTable

	// Size is the process-declared address-space size in bytes. Faults
	// at or above it are invalid accesses.
	Size uint64

	// Journal brackets mmap write-back in filesystem transactions.
	Journal fs.Journal

	regions [MaxRegions]region
}

// NewAddressSpace creates an empty address space drawing frames on
// behalf of the given CPU.
func NewAddressSpace(k *kmem.Allocator, cpu int) (*AddressSpace, error) {
	pt, err := NewPageTable(k, cpu)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		PageTable: pt,
		Journal:   fs.NopJournal{},
	}, nil
}

// Release tears the address space down: every still-used mmap region
// drops its file reference, then all user pages and the page-table pages
// themselves are freed. The address space must not be used afterwards.
func (as *AddressSpace) Release() {
	for i := range as.regions {
		r := &as.regions[i]
		if r.used {
			r.file.Drop()
			*r = region{}
		}
	}
	as.Free(as.Size)
}
