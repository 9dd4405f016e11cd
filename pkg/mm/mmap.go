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
	"rv64os.dev/rv64os/pkg/fs"
	"rv64os.dev/rv64os/pkg/riscv"
)

// MaxRegions is the capacity of the per-process mmap region table.
const MaxRegions = 64

// Prot is an mmap protection set.
type Prot int

// Protection bits.
const (
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x10
)

// MapFlags is an mmap sharing mode.
type MapFlags int

// Sharing modes. Writes through a shared mapping reach the backing file
// when the region is unmapped; writes through a private mapping do not.
const (
	MapShared  MapFlags = 0x1
	MapPrivate MapFlags = 0x10
)

// region records that a virtual range is backed by a file region. The
// mapping itself is fully lazy: reserving a region touches no page-table
// state, and pages are filled one at a time by the fault path.
type region struct {
	base   uint64 // first virtual address, page-aligned
	length uint64 // region length in bytes
	prot   Prot
	flags  MapFlags
	file   *fs.File

	// off is the requested file offset. It is recorded but the fill and
	// write-back paths treat it as zero; mapped content always starts
	// at the beginning of the file.
	off uint64

	// pages counts the region's pages not yet unmapped; the slot is
	// recycled when it reaches zero.
	pages int

	used bool
}

// MapFile reserves a lazily-filled mapping of f's contents at the
// current top of the address space and grows the declared size over it.
// Returns the chosen base address.
func (as *AddressSpace) MapFile(f *fs.File, length uint64, prot Prot, flags MapFlags, off uint64) (uint64, error) {
	if !f.Readable && prot&ProtRead != 0 {
		return 0, ErrPermission
	}
	// Writing through a private mapping never reaches the file, so it
	// is allowed even when the file is read-only.
	if !f.Writable && prot&ProtWrite != 0 && flags&MapPrivate == 0 {
		return 0, ErrPermission
	}

	base := riscv.PageRoundUp(as.Size)
	r := as.reserveRegion()
	if r == nil {
		return 0, ErrNoSlots
	}
	*r = region{
		base:   base,
		length: length,
		prot:   prot,
		flags:  flags,
		file:   f,
		off:    off,
		pages:  int((length + riscv.PageSize - 1) / riscv.PageSize),
		used:   true,
	}
	f.Dup()
	as.Size = base + length
	return base, nil
}

// UnmapFile unmaps [va, va+length) from a mapped region, writing shared
// pages back to the file first. The region's slot is recycled once its
// last page is gone.
func (as *AddressSpace) UnmapFile(va, length uint64) error {
	va = riscv.PageRoundDown(va)
	r := as.findRegion(va)
	if r == nil || r.pages == 0 {
		return ErrBadAddress
	}
	for off := uint64(0); off < length; off += riscv.PageSize {
		if r.flags&MapShared != 0 {
			if err := as.writeBack(r, va); err != nil {
				return err
			}
		}
		as.Unmap(va, riscv.PageSize, true)
		r.pages--
		if r.pages == 0 {
			// The region is gone; a length overshooting it must not
			// touch the recycled slot or the dropped file handle.
			r.file.Drop()
			r.used = false
			return nil
		}
		va += riscv.PageSize
	}
	return nil
}

// writeBack flushes the page at va to the region's file, clamped so the
// final partial page never writes past the region's declared length.
// Pages never faulted in have nothing to flush.
func (as *AddressSpace) writeBack(r *region, va uint64) error {
	off := va - r.base
	if off >= r.length {
		return nil
	}
	pa := as.WalkAddr(va)
	if pa == 0 {
		return nil
	}
	n := uint64(riscv.PageSize)
	if rem := r.length - off; rem < n {
		n = rem
	}

	ip := r.file.Inode
	as.Journal.Begin()
	ip.Lock()
	_, err := ip.WriteAt(as.k.Arena().Page(pa)[:n], off)
	ip.Unlock()
	as.Journal.End()
	return err
}

// fillFromFile backs the faulting page at va with the frame pa, filled
// from the region's file at the page's offset within the region and
// clamped to the region's remaining length. The frame is released on
// failure.
func (as *AddressSpace) fillFromFile(r *region, va, pa uint64) error {
	perm := riscv.PTEUser
	if r.prot&ProtRead != 0 {
		perm |= riscv.PTERead
	}
	if r.prot&ProtWrite != 0 {
		perm |= riscv.PTEWrite
	}

	off := va - r.base
	n := uint64(riscv.PageSize)
	if rem := r.length - off; rem < n {
		n = rem
	}

	// A short read leaves the tail of the frame zeroed, matching a file
	// shorter than the declared region.
	ip := r.file.Inode
	ip.Lock()
	_, err := ip.ReadAt(as.k.Arena().Page(pa)[:n], off)
	ip.Unlock()
	if err != nil {
		as.k.DecRef(as.cpu, pa)
		return err
	}

	if err := as.Map(va, riscv.PageSize, pa, perm); err != nil {
		as.k.DecRef(as.cpu, pa)
		return err
	}
	return nil
}

// findRegion returns the used region containing va, or nil.
func (as *AddressSpace) findRegion(va uint64) *region {
	for i := range as.regions {
		r := &as.regions[i]
		if r.used && va >= r.base && va < r.base+r.length {
			return r
		}
	}
	return nil
}

// reserveRegion claims the first unused slot, or nil if the table is
// full.
func (as *AddressSpace) reserveRegion() *region {
	for i := range as.regions {
		if !as.regions[i].used {
			return &as.regions[i]
		}
	}
	return nil
}
