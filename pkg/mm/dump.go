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
	"fmt"
	"io"
	"strings"
)

// Dump writes an indented listing of every valid entry in the table
// tree, one line per entry, leaves at depth three.
func (pt *PageTable) Dump(w io.Writer) {
	fmt.Fprintf(w, "page table %#x\n", pt.root)
	pt.dumpTable(w, pt.root, 1)
}

func (pt *PageTable) dumpTable(w io.Writer, table uint64, depth int) {
	entries := pt.entries(table)
	for i, pte := range entries {
		if !pte.Valid() {
			continue
		}
		fmt.Fprintf(w, "%s%d: pte %#x pa %#x\n", strings.Repeat(" ..", depth), i, uint64(pte), pte.PA())
		if !pte.Leaf() {
			pt.dumpTable(w, pte.PA(), depth+1)
		}
	}
}
