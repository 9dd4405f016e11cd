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

package kmem

import (
	"sync"
	"sync/atomic"

	"rv64os.dev/rv64os/pkg/riscv"
)

// freeSentinel fills freed frames so dangling readers see garbage
// instead of stale contents.
const freeSentinel = 0x01

// Frame states tracked for double-free detection.
const (
	frameAllocated uint32 = iota
	frameFree
)

// freelist is one CPU's share of the free frames. Frames are tracked by
// index rather than by linking the freed memory itself, so a dangling
// write into a freed frame cannot corrupt the allocator.
type freelist struct {
	mu   sync.Mutex
	free []uint32
}

// Allocator hands out physical frames from an Arena. Each CPU owns a
// freelist guarded by its own lock; an allocation on a CPU whose list is
// empty steals a single frame from another CPU's list, holding at most
// one victim lock at a time. Reference counts and the free/allocated
// state are kept in global per-frame atomics, so two CPUs adjusting the
// same frame's count never race regardless of which freelist lock they
// hold.
type Allocator struct {
	arena *Arena
	cpus  []freelist

	// refs[i] is the reference count of frame i. Nonzero exactly while
	// the frame is allocated.
	refs []atomic.Int32

	// state[i] distinguishes free from allocated frames; transitions
	// happen by compare-and-swap so a double free is caught no matter
	// which CPUs are involved.
	state []atomic.Uint32
}

// NewAllocator creates an allocator with ncpu freelists and registers
// every frame of the arena as free, distributed round-robin across the
// lists.
func NewAllocator(arena *Arena, ncpu int) *Allocator {
	if ncpu <= 0 {
		panic("kmem: ncpu must be positive")
	}
	n := arena.Frames()
	k := &Allocator{
		arena: arena,
		cpus:  make([]freelist, ncpu),
		refs:  make([]atomic.Int32, n),
		state: make([]atomic.Uint32, n),
	}
	for i := range k.cpus {
		k.cpus[i].free = make([]uint32, 0, n/ncpu+1)
	}
	for i := 0; i < n; i++ {
		k.state[i].Store(frameFree)
		k.fill(k.frameAddr(uint32(i)), freeSentinel)
		c := &k.cpus[i%ncpu]
		c.free = append(c.free, uint32(i))
	}
	return k
}

// Arena returns the arena the allocator manages.
func (k *Allocator) Arena() *Arena { return k.arena }

// CPUs returns the number of freelists.
func (k *Allocator) CPUs() int { return len(k.cpus) }

// AllocOn allocates one zero-filled frame on behalf of the given CPU,
// stealing from another CPU's freelist if the local one is empty. The
// frame's reference count is 1. Returns false if no frame is available
// anywhere.
func (k *Allocator) AllocOn(cpu int) (uint64, bool) {
	idx, ok := k.pop(cpu)
	if !ok {
		idx, ok = k.steal(cpu)
	}
	if !ok {
		return 0, false
	}
	pa := k.frameAddr(idx)
	k.fill(pa, 0)
	k.refs[idx].Store(1)
	return pa, true
}

// FreeOn returns a frame to the calling CPU's freelist, which need not
// be the list it was allocated from. The frame is filled with a sentinel
// pattern to catch dangling references. FreeOn bypasses reference
// counting and is only correct for frames whose count is already zero;
// shared frames must be released through DecRef.
func (k *Allocator) FreeOn(cpu int, pa uint64) {
	if pa%riscv.PageSize != 0 || !k.arena.Contains(pa) {
		panic("kfree")
	}
	idx := k.frameIndex(pa)
	if !k.state[idx].CompareAndSwap(frameAllocated, frameFree) {
		panic("kfree: double free")
	}
	k.fill(pa, freeSentinel)

	c := &k.cpus[cpu]
	c.mu.Lock()
	c.free = append(c.free, idx)
	c.mu.Unlock()
}

// IncRef adds a reference to an allocated frame.
func (k *Allocator) IncRef(pa uint64) {
	if pa%riscv.PageSize != 0 || !k.arena.Contains(pa) {
		panic("kmem: incref of unmanaged frame")
	}
	k.refs[k.frameIndex(pa)].Add(1)
}

// DecRef drops a reference; when the count reaches zero the frame is
// freed onto the given CPU's list. Decrementing a count already at zero
// panics.
func (k *Allocator) DecRef(cpu int, pa uint64) {
	if pa%riscv.PageSize != 0 || !k.arena.Contains(pa) {
		panic("kmem: decref of unmanaged frame")
	}
	n := k.refs[k.frameIndex(pa)].Add(-1)
	if n < 0 {
		panic("kmem: refcount underflow")
	}
	if n == 0 {
		k.FreeOn(cpu, pa)
	}
}

// RefCount returns the current reference count of a frame.
func (k *Allocator) RefCount(pa uint64) int32 {
	return k.refs[k.frameIndex(pa)].Load()
}

// FreeCount returns the total number of free frames across all CPUs.
func (k *Allocator) FreeCount() uint64 {
	var n uint64
	for i := range k.cpus {
		n += k.FreeCountOn(i)
	}
	return n
}

// FreeCountOn returns the number of free frames on one CPU's list.
func (k *Allocator) FreeCountOn(cpu int) uint64 {
	c := &k.cpus[cpu]
	c.mu.Lock()
	n := uint64(len(c.free))
	c.mu.Unlock()
	return n
}

// pop removes a frame from cpu's own freelist.
func (k *Allocator) pop(cpu int) (uint32, bool) {
	c := &k.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return k.popLocked(c)
}

// steal takes one frame from another CPU's freelist. The first pass
// skips lists whose lock is contended; a second blocking pass confirms
// exhaustion before giving up. At most one victim lock is held at a
// time, and never together with the caller's own.
func (k *Allocator) steal(cpu int) (uint32, bool) {
	for pass := 0; pass < 2; pass++ {
		for i := range k.cpus {
			if i == cpu {
				continue
			}
			c := &k.cpus[i]
			if pass == 0 {
				if !c.mu.TryLock() {
					continue
				}
			} else {
				c.mu.Lock()
			}
			idx, ok := k.popLocked(c)
			c.mu.Unlock()
			if ok {
				return idx, true
			}
		}
	}
	return 0, false
}

// popLocked removes the most recently freed frame from c. c.mu must be
// held.
func (k *Allocator) popLocked(c *freelist) (uint32, bool) {
	if len(c.free) == 0 {
		return 0, false
	}
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	if !k.state[idx].CompareAndSwap(frameFree, frameAllocated) {
		panic("kmem: frame on freelist not free")
	}
	return idx, true
}

func (k *Allocator) frameAddr(idx uint32) uint64 {
	return k.arena.base + uint64(idx)*riscv.PageSize
}

func (k *Allocator) frameIndex(pa uint64) uint32 {
	return uint32((pa - k.arena.base) / riscv.PageSize)
}

func (k *Allocator) fill(pa uint64, b byte) {
	p := k.arena.Page(pa)
	for i := range p {
		p[i] = b
	}
}
