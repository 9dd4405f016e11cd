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

// Package slab implements a Bonwick-style object cache on top of the
// frame allocator, for kernel objects smaller than a page. A cache
// manages objects of one size; each slab is exactly one frame, acquired
// from pkg/kmem on demand and returned when its last object is freed.
//
// Cache descriptors live in a fixed arena with a free-index stack, and
// the per-cache slab chain is linked by descriptor index, so the
// bookkeeping contains no pointers into reusable storage.
package slab

import (
	"encoding/binary"
	"errors"
	"sync"

	"rv64os.dev/rv64os/pkg/kmem"
	"rv64os.dev/rv64os/pkg/riscv"
)

const (
	// SlabLimit is the payload capacity of one slab.
	SlabLimit = riscv.PageSize

	// minObjSize is the smallest supported object: the first word of a
	// free slot holds the free marker.
	minObjSize = 4

	tableSize = 200
	none      = int16(-1)
)

// freeMark tags a free slot in a slab.
const freeMark = 0xFFFF_FFFF

var (
	// ErrObjectSize indicates an object size no slab can hold.
	ErrObjectSize = errors.New("slab: bad object size")

	// ErrNoCaches indicates descriptor-arena exhaustion.
	ErrNoCaches = errors.New("slab: no free cache descriptors")
)

// node is one cache descriptor: a single slab plus chain links.
type node struct {
	objSize  int
	slab     uint64 // frame pa, 0 until first allocation
	count    int    // live objects
	capacity int
	prev     int16
	next     int16
}

// Table is the descriptor arena shared by all caches created from it.
type Table struct {
	k   *kmem.Allocator
	cpu int

	mu      sync.Mutex
	nodes   [tableSize]node
	freeIdx []int16
}

// NewTable creates an empty descriptor arena drawing slab frames on
// behalf of the given CPU.
func NewTable(k *kmem.Allocator, cpu int) *Table {
	t := &Table{
		k:       k,
		cpu:     cpu,
		freeIdx: make([]int16, 0, tableSize),
	}
	for i := tableSize - 1; i >= 0; i-- {
		t.freeIdx = append(t.freeIdx, int16(i))
	}
	return t
}

// Cache allocates objects of one fixed size.
type Cache struct {
	t    *Table
	head int16
}

// NewCache creates a cache for objects of objSize bytes.
func (t *Table) NewCache(objSize int) (*Cache, error) {
	if objSize < minObjSize || objSize > SlabLimit {
		return nil, ErrObjectSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.reserveLocked(objSize)
	if !ok {
		return nil, ErrNoCaches
	}
	return &Cache{t: t, head: idx}, nil
}

// Alloc returns the physical address of a zero-marked free slot,
// growing the slab chain when every slab is full. Returns false on frame
// or descriptor exhaustion.
func (c *Cache) Alloc() (uint64, bool) {
	if c.head == none {
		panic("slab: use of destroyed cache")
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := c.head
	for {
		n := &t.nodes[idx]
		if n.slab == 0 {
			pa, ok := t.k.AllocOn(t.cpu)
			if !ok {
				return 0, false
			}
			n.slab = pa
			n.count = 0
			t.markAllFree(n)
		}
		if n.count < n.capacity {
			off, ok := t.takeFreeSlot(n)
			if !ok {
				panic("slab: full slab below capacity")
			}
			n.count++
			return n.slab + uint64(off), true
		}
		if n.next == none {
			next, ok := t.reserveLocked(n.objSize)
			if !ok {
				return 0, false
			}
			t.nodes[next].prev = idx
			n.next = next
		}
		idx = n.next
	}
}

// Free returns an object to its slab. When the slab's last object goes,
// the frame is returned to the frame allocator and the descriptor is
// unlinked from the chain (the chain head survives empty, so the cache
// stays usable). Freeing an address the cache does not own, or a slot
// already free, panics.
func (c *Cache) Free(pa uint64) {
	if c.head == none {
		panic("slab: use of destroyed cache")
	}
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	for idx := c.head; idx != none; {
		n := &t.nodes[idx]
		next := n.next
		if n.slab != 0 && pa >= n.slab && pa < n.slab+SlabLimit {
			off := int(pa - n.slab)
			if off%n.objSize != 0 {
				break
			}
			page := t.k.Arena().Page(n.slab)
			if binary.LittleEndian.Uint32(page[off:]) == freeMark {
				panic("slab: double free")
			}
			binary.LittleEndian.PutUint32(page[off:], freeMark)
			n.count--
			if n.count == 0 {
				t.releaseLocked(c, idx)
			}
			return
		}
		idx = next
	}
	panic("slab: free of foreign object")
}

// Destroy releases every slab and descriptor of the cache. The cache
// must not be used afterwards; Alloc and Free on it panic.
func (c *Cache) Destroy() {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()

	for idx := c.head; idx != none; {
		n := &t.nodes[idx]
		next := n.next
		if n.slab != 0 {
			t.k.DecRef(t.cpu, n.slab)
		}
		*n = node{prev: none, next: none}
		t.freeIdx = append(t.freeIdx, idx)
		idx = next
	}
	c.head = none
}

// Slabs returns the number of slabs currently backed by a frame.
func (c *Cache) Slabs() int {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	var s int
	for idx := c.head; idx != none; idx = t.nodes[idx].next {
		if t.nodes[idx].slab != 0 {
			s++
		}
	}
	return s
}

// Live returns the number of live objects across the chain.
func (c *Cache) Live() int {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	var live int
	for idx := c.head; idx != none; idx = t.nodes[idx].next {
		live += t.nodes[idx].count
	}
	return live
}

// reserveLocked claims a descriptor from the free-index stack.
func (t *Table) reserveLocked(objSize int) (int16, bool) {
	if len(t.freeIdx) == 0 {
		return none, false
	}
	idx := t.freeIdx[len(t.freeIdx)-1]
	t.freeIdx = t.freeIdx[:len(t.freeIdx)-1]
	t.nodes[idx] = node{
		objSize:  objSize,
		capacity: SlabLimit / objSize,
		prev:     none,
		next:     none,
	}
	return idx, true
}

// releaseLocked gives an empty descriptor's frame back and unlinks it.
// The chain head is kept (slab-less) so the Cache handle stays valid.
func (t *Table) releaseLocked(c *Cache, idx int16) {
	n := &t.nodes[idx]
	t.k.DecRef(t.cpu, n.slab)
	n.slab = 0

	if idx == c.head {
		if n.next == none {
			return
		}
		c.head = n.next
		t.nodes[n.next].prev = none
	} else {
		if n.prev != none {
			t.nodes[n.prev].next = n.next
		}
		if n.next != none {
			t.nodes[n.next].prev = n.prev
		}
	}
	*n = node{prev: none, next: none}
	t.freeIdx = append(t.freeIdx, idx)
}

// markAllFree stamps the free marker on every slot of a fresh slab.
func (t *Table) markAllFree(n *node) {
	page := t.k.Arena().Page(n.slab)
	for off := 0; off+n.objSize <= SlabLimit; off += n.objSize {
		binary.LittleEndian.PutUint32(page[off:], freeMark)
	}
}

// takeFreeSlot claims the first free slot in n's slab.
func (t *Table) takeFreeSlot(n *node) (int, bool) {
	page := t.k.Arena().Page(n.slab)
	for off := 0; off+n.objSize <= SlabLimit; off += n.objSize {
		if binary.LittleEndian.Uint32(page[off:]) == freeMark {
			binary.LittleEndian.PutUint32(page[off:], 0)
			return off, true
		}
	}
	return 0, false
}
