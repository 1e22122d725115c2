// Copyright 2026 The rvisor Authors.
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

package pagetables

import (
	"fmt"
	"io"
	"strings"

	"rvisor.dev/rvisor/pkg/hostarch"
)

// Dumps number levels from the root down: a root table is level 2 and a
// table of 4 KiB leaves is level 0.
const rootLevel = levels - 1

// DumpShadow writes every valid entry of the shadow table at pa, recursing
// into child tables. Pass RootPA(r) and level 2 to dump a whole root.
func (p *PageTables) DumpShadow(w io.Writer, pa uint64, level int) {
	for i := uint64(0); i < hostarch.EntriesPerPage; i++ {
		pte := p.Entry(pa, i)
		if !pte.Valid() {
			continue
		}
		indent := strings.Repeat("  ", 4-level)
		fmt.Fprintf(w, "%s%#x: %#x\n", indent, i*hostarch.PTESize, uint64(pte))
		if !pte.IsPointer() {
			continue
		}
		if level == 0 {
			fmt.Fprintf(w, "%s  (pointer below leaf level)\n", indent)
			continue
		}
		p.DumpShadow(w, pte.Address(), level-1)
	}
}

// DumpGuest writes the guest table at guest physical pa, which maps virtual
// addresses starting at base. Pass the guest root, level 2 and base 0 to dump
// a whole guest address space. Entries pointing outside guest memory are
// marked and not followed.
func DumpGuest(w io.Writer, mem GuestMemory, pa uint64, level int, base uint64) {
	if _, ok := mem.Get(pa); !ok {
		fmt.Fprintln(w, "[SATP Invalid]")
		return
	}
	for i := uint64(0); i < hostarch.EntriesPerPage; i++ {
		v, ok := mem.Get(pa + i*hostarch.PTESize)
		if !ok {
			fmt.Fprintf(w, "%#x: (truncated table)\n", pa+i*hostarch.PTESize)
			return
		}
		if v == 0 {
			continue
		}
		pte := PTE(v)
		addr := base + i<<(hostarch.PageShift+level*indexBits)
		fmt.Fprint(w, strings.Repeat("__ ", rootLevel-level))
		switch {
		case pte.IsPointer():
			child := pte.Address()
			if _, ok := mem.Get(child); !ok {
				fmt.Fprintf(w, "%#x: %#x (bad ppn)\n", addr, v)
			} else if level == 0 {
				fmt.Fprintf(w, "%#x: %#x (pointer below leaf level)\n", addr, v)
			} else {
				fmt.Fprintf(w, "%#x: %#x\n", addr, v)
				DumpGuest(w, mem, child, level-1, addr)
			}
		case pte.Valid():
			fmt.Fprintf(w, "%#x -> %#x\n", addr, pte.Address())
		default:
			fmt.Fprintf(w, "%#x: %#x (not valid)\n", addr, v)
		}
	}
}
