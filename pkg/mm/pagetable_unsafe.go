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
	"unsafe"

	"rv64os.dev/rv64os/pkg/riscv"
)

// entries views the frame at pa as a page-table page. The arena's
// backing storage is at least 8-byte aligned and pa is page-aligned
// within it, so the cast is safe.
func (pt *PageTable) entries(pa uint64) *[riscv.EntriesPerTable]riscv.PTE {
	page := pt.k.Arena().Page(pa)
	return (*[riscv.EntriesPerTable]riscv.PTE)(unsafe.Pointer(&page[0]))
}
