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
	"strings"
)

// PTE is an Sv39 page table entry.
type PTE uint64

// Bits of a PTE.
const (
	Valid    PTE = 0x1
	Read     PTE = 0x2
	Write    PTE = 0x4
	Execute  PTE = 0x8
	User     PTE = 0x10
	Global   PTE = 0x20
	Accessed PTE = 0x40
	Dirty    PTE = 0x80

	// Reserved is the software-reserved RSW field.
	Reserved PTE = 0x300

	// AD marks an entry as both accessed and dirty, so hardware never
	// needs to update it.
	AD = Accessed | Dirty

	// RWXV is the mask that distinguishes pointers from leaves.
	RWXV = Read | Write | Execute | Valid
)

// ppnShift is the position of the PPN field.
const ppnShift = 10

// PointerPTE returns an entry pointing at the table at pa.
func PointerPTE(pa uint64) PTE {
	return PTE(pa>>2) | Valid
}

// LeafPTE returns a leaf entry mapping pa with the given flags.
func LeafPTE(pa uint64, flags PTE) PTE {
	return PTE(pa>>2) | flags
}

// Valid returns true if the valid bit is set.
func (p PTE) Valid() bool {
	return p&Valid != 0
}

// IsPointer returns true if p points to another table.
func (p PTE) IsPointer() bool {
	return p&RWXV == Valid
}

// IsLeaf returns true if p is valid and carries any of R, W or X.
func (p PTE) IsLeaf() bool {
	return p.Valid() && p&(Read|Write|Execute) != 0
}

// PPN returns the physical page number field.
func (p PTE) PPN() uint64 {
	return uint64(p) >> ppnShift
}

// Address returns the physical address of the page or table p refers to.
func (p PTE) Address() uint64 {
	return p.PPN() << 12
}

// Flags returns the low flag bits.
func (p PTE) Flags() PTE {
	return p & (1<<ppnShift - 1)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit PTE
		c   byte
	}{
		{Dirty, 'd'}, {Accessed, 'a'}, {Global, 'g'}, {User, 'u'},
		{Execute, 'x'}, {Write, 'w'}, {Read, 'r'}, {Valid, 'v'},
	} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
