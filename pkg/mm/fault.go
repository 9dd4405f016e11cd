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
	log "github.com/sirupsen/logrus"

	"rv64os.dev/rv64os/pkg/riscv"
)

// HandleFault resolves a page fault at va. It distinguishes invalid
// accesses, guard-page violations, copy-on-write resolution, mmap-backed
// lazy fill and anonymous lazy fill, performing the one-time allocation
// and mapping for the last three. The caller (the trap handler) decides
// whether a returned error is fatal to the process.
func (as *AddressSpace) HandleFault(va uint64) error {
	if va >= as.Size {
		return ErrBadAddress
	}
	page := riscv.PageRoundDown(va)

	if pte := as.walk(page, false); pte != nil {
		// A valid but user-inaccessible entry is the stack guard page.
		if pte.Valid() && !pte.User() {
			return ErrGuardPage
		}
		if pte.Valid() && !pte.Writable() && pte.COW() {
			if err := as.privatize(page, pte); err != nil {
				return err
			}
			log.WithFields(log.Fields{"va": page}).Debug("fault: copy-on-write resolved")
			return nil
		}
		// An existing entry that is neither guard nor COW falls through
		// to the lazy path; it does not occur in a consistent system.
	}

	pa, ok := as.k.AllocOn(as.cpu)
	if !ok {
		return ErrNoMemory
	}

	if r := as.findRegion(page); r != nil {
		if err := as.fillFromFile(r, page, pa); err != nil {
			return err
		}
		log.WithFields(log.Fields{"va": page, "base": r.base}).Debug("fault: mmap page filled")
		return nil
	}

	if err := as.Map(page, riscv.PageSize, pa, userPerm); err != nil {
		as.k.DecRef(as.cpu, pa)
		return err
	}
	log.WithFields(log.Fields{"va": page}).Debug("fault: anonymous page mapped")
	return nil
}
