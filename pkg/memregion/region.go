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

package memregion

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/hostarch"
)

// MemoryRegion is a window of memory addressed by [base, base+len).
//
// Get is bounds checked and is the only accessor used on guest-controlled
// addresses. Index is not: it is for addresses the hypervisor itself derived.
type MemoryRegion struct {
	data        []byte
	base        uint64
	virtualBase uint64
}

// Base returns the first address of the region.
func (r *MemoryRegion) Base() uint64 {
	return r.base
}

// Len returns the length of the region in bytes.
func (r *MemoryRegion) Len() uint64 {
	return uint64(len(r.data))
}

// VirtualBase returns the direct map address of the start of the region.
func (r *MemoryRegion) VirtualBase() uint64 {
	return r.virtualBase
}

// Range returns the address range of the region.
func (r *MemoryRegion) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.base), End: hostarch.Addr(r.base + r.Len())}
}

// InRegion returns true if addr lies inside the region.
func (r *MemoryRegion) InRegion(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.Len()
}

// Get returns the 64-bit word at addr, or false if any byte of the word
// lies outside the region or addr is misaligned.
func (r *MemoryRegion) Get(addr uint64) (uint64, bool) {
	if addr%8 != 0 || !r.InRegion(addr) || r.Len()-(addr-r.base) < 8 {
		return 0, false
	}
	off := addr - r.base
	return hostarch.ByteOrder.Uint64(r.data[off : off+8]), true
}

// Index returns the 64-bit word at addr. A bad address panics.
func (r *MemoryRegion) Index(addr uint64) uint64 {
	off := addr - r.base
	return hostarch.ByteOrder.Uint64(r.data[off : off+8])
}

// set writes the 64-bit word at addr. A bad address panics.
func (r *MemoryRegion) set(addr, v uint64) {
	off := addr - r.base
	hostarch.ByteOrder.PutUint64(r.data[off:off+8], v)
}

// Write copies b into the region at addr.
func (r *MemoryRegion) Write(addr uint64, b []byte) error {
	end, ok := hostarch.Addr(addr).AddLength(uint64(len(b)))
	if !ok || !r.Range().IsSupersetOf(hostarch.AddrRange{Start: hostarch.Addr(addr), End: end}) {
		return fmt.Errorf("write of %d bytes at %#x exceeds region %v", len(b), addr, r.Range())
	}
	copy(r.data[addr-r.base:], b)
	return nil
}

// String implements fmt.Stringer.String.
func (r *MemoryRegion) String() string {
	return fmt.Sprintf("%v@%#x", r.Range(), r.virtualBase)
}

// PageTableRegion is a MemoryRegion that holds hypervisor-owned page tables.
//
// Its writes are unchecked: only addresses of table slots the hypervisor
// allocated itself are ever passed in.
type PageTableRegion struct {
	*MemoryRegion
}

// NewPageTableRegion wraps r.
//
// Precondition: r is page aligned in both base and length.
func NewPageTableRegion(r *MemoryRegion) PageTableRegion {
	if !hostarch.Addr(r.Base()).IsPageAligned() || !hostarch.Addr(r.Len()).IsPageAligned() {
		panic(fmt.Sprintf("page table region %v is not page aligned", r.Range()))
	}
	return PageTableRegion{r}
}

// SetLeafPTE writes a leaf entry.
func (r PageTableRegion) SetLeafPTE(addr, pte uint64) {
	r.set(addr, pte)
}

// SetNonLeafPTE writes an entry pointing to another table.
func (r PageTableRegion) SetNonLeafPTE(addr, pte uint64) {
	r.set(addr, pte)
}

// SetInvalidPTE writes an entry with the valid bit clear. The free list uses
// the remaining bits to link pages.
func (r PageTableRegion) SetInvalidPTE(addr, pte uint64) {
	r.set(addr, pte)
}
