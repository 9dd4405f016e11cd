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
	"bytes"

	"rv64os.dev/rv64os/pkg/riscv"
)

// The copy interface moves bytes across the kernel/user boundary through
// the page table. A process may declare a larger size than is currently
// backed, so kernel-mediated copies honor the same first-touch contract
// as explicit page faults: a missing page is allocated and mapped as a
// side effect of the copy, and a copy-on-write page is privatized before
// the kernel writes to it.

// CopyOut copies src to user virtual address dstVA.
func (as *AddressSpace) CopyOut(dstVA uint64, src []byte) error {
	for len(src) > 0 {
		va0 := riscv.PageRoundDown(dstVA)
		if va0 >= riscv.MaxVA {
			return ErrBadAddress
		}
		var pa0 uint64
		if pte := as.walk(va0, false); pte == nil || !pte.Valid() {
			pa, err := as.lazyMap(va0)
			if err != nil {
				return err
			}
			pa0 = pa
		} else {
			pa0 = as.WalkAddr(va0)
			if !pte.Writable() && pte.COW() {
				if err := as.privatize(va0, pte); err != nil {
					return err
				}
				pa0 = as.WalkAddr(va0)
			}
		}

		n := riscv.PageSize - int(dstVA-va0)
		if n > len(src) {
			n = len(src)
		}
		if pa0 != 0 {
			copy(as.k.Arena().Page(pa0)[dstVA-va0:], src[:n])
		}
		src = src[n:]
		dstVA = va0 + riscv.PageSize
	}
	return nil
}

// CopyIn copies from user virtual address srcVA into dst.
func (as *AddressSpace) CopyIn(dst []byte, srcVA uint64) error {
	for len(dst) > 0 {
		va0 := riscv.PageRoundDown(srcVA)
		if va0 >= riscv.MaxVA {
			return ErrBadAddress
		}
		var pa0 uint64
		if pte := as.walk(va0, false); pte == nil || !pte.Valid() {
			pa, err := as.lazyMap(va0)
			if err != nil {
				return err
			}
			pa0 = pa
		} else {
			pa0 = as.WalkAddr(va0)
		}

		n := riscv.PageSize - int(srcVA-va0)
		if n > len(dst) {
			n = len(dst)
		}
		if pa0 != 0 {
			copy(dst[:n], as.k.Arena().Page(pa0)[srcVA-va0:])
		}
		dst = dst[n:]
		srcVA = va0 + riscv.PageSize
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from user virtual address
// srcVA, reading at most max bytes including the terminator. Unlike
// CopyIn it never fabricates missing pages: an unmapped page is a hard
// failure, as is a string with no terminator within max.
func (as *AddressSpace) CopyInStr(srcVA uint64, max int) (string, error) {
	var out []byte
	for max > 0 {
		va0 := riscv.PageRoundDown(srcVA)
		pa0 := as.WalkAddr(va0)
		if pa0 == 0 {
			return "", ErrBadAddress
		}
		n := riscv.PageSize - int(srcVA-va0)
		if n > max {
			n = max
		}
		chunk := as.k.Arena().Page(pa0)[srcVA-va0:][:n]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		max -= n
		srcVA = va0 + riscv.PageSize
	}
	return "", ErrNoTerminator
}

// lazyMap backs an untouched page with a zeroed anonymous frame, the
// first-touch side effect of a kernel-mediated copy.
func (as *AddressSpace) lazyMap(va0 uint64) (uint64, error) {
	pa, ok := as.k.AllocOn(as.cpu)
	if !ok {
		return 0, ErrNoMemory
	}
	if err := as.Map(va0, riscv.PageSize, pa, userPerm); err != nil {
		as.k.DecRef(as.cpu, pa)
		return 0, err
	}
	return pa, nil
}
