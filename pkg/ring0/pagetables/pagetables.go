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

// Package pagetables maintains the hypervisor's shadow Sv39 page tables and
// walks guest-owned page tables.
//
// All shadow tables live in a single PageTableRegion. Pages in the region are
// handed out by a free list threaded through slot 0 of each free page, and
// every page carries an ownership tag. Four roots share the pool; each maps
// the direct map and hypervisor code identically.
package pagetables

import (
	"fmt"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/memregion"
)

// Root selects one of the shadow address spaces.
type Root int

// Roots, in slot order.
const (
	// MPA maps guest physical memory.
	MPA Root = iota

	// UVA shadows guest user virtual addresses.
	UVA

	// KVA shadows guest kernel virtual addresses.
	KVA

	// MVA shadows guest virtual addresses as seen by the hypervisor on
	// the guest's behalf.
	MVA

	numRoots
)

// String implements fmt.Stringer.String.
func (r Root) String() string {
	switch r {
	case MPA:
		return "MPA"
	case UVA:
		return "UVA"
	case KVA:
		return "KVA"
	case MVA:
		return "MVA"
	default:
		return fmt.Sprintf("Root(%d)", int(r))
	}
}

// Roots lists every root in slot order.
var Roots = [...]Root{MPA, UVA, KVA, MVA}

// PageTables is the set of shadow page tables.
//
// PageTables is not safe for concurrent use. It is owned by the single hart
// that traps into the hypervisor.
type PageTables struct {
	// region holds every table page.
	region memregion.PageTableRegion

	// roots are the physical addresses of the root tables, indexed by Root.
	roots [numRoots]uint64

	// freeHead is the first free page, or nullPage.
	freeHead uint64

	// freeCount is the length of the free list.
	freeCount int

	// states records the owner of each page in region.
	states []PageState
}

// New returns page tables whose pages come from region. Pages overlapping
// any of the excluded ranges are never handed out.
//
// The free list is seeded in ascending address order, so the highest page is
// allocated first. The four roots are allocated immediately.
func New(region memregion.PageTableRegion, excluded ...hostarch.AddrRange) *PageTables {
	p := &PageTables{
		region:   region,
		freeHead: nullPage,
		states:   make([]PageState, region.Len()/hostarch.PageSize),
	}
	for addr := region.Base(); addr < region.Base()+region.Len(); addr += hostarch.PageSize {
		page := hostarch.AddrRange{Start: hostarch.Addr(addr), End: hostarch.Addr(addr + hostarch.PageSize)}
		if overlapsAny(page, excluded) {
			p.states[p.pageNumber(addr)] = PageReserved
			continue
		}
		p.push(addr)
	}
	for _, r := range Roots {
		p.roots[r] = p.allocPage()
		p.states[p.pageNumber(p.roots[r])] = PageRoot
	}
	freePages.Set(int64(p.freeCount))
	log.Debugf("Page tables: region %v, %d free pages, roots %#x", region.Range(), p.freeCount, p.roots)
	return p
}

func overlapsAny(page hostarch.AddrRange, excluded []hostarch.AddrRange) bool {
	for _, r := range excluded {
		if r.WellFormed() && page.Overlaps(r) {
			return true
		}
	}
	return false
}

// Region returns the backing region.
func (p *PageTables) Region() memregion.PageTableRegion {
	return p.region
}

// RootPA returns the physical address of the given root table.
func (p *PageTables) RootPA(root Root) uint64 {
	return p.roots[root]
}

// Entry returns the entry at slot of the table at pa.
func (p *PageTables) Entry(table uint64, slot uint64) PTE {
	return PTE(p.region.Index(table + slot*hostarch.PTESize))
}

// SetRootEntry writes a leaf or invalid entry directly into a root table.
// It is used at boot to install the shared kernel mappings.
func (p *PageTables) SetRootEntry(root Root, slot uint64, pte PTE) {
	if slot >= hostarch.EntriesPerPage {
		panic(fmt.Sprintf("root slot %d out of range", slot))
	}
	p.region.SetLeafPTE(p.roots[root]+slot*hostarch.PTESize, uint64(pte))
}

// ZeroRoot clears every slot of a root table without releasing children.
func (p *PageTables) ZeroRoot(root Root) {
	p.zero(p.roots[root])
}

// SetMapping installs pte as the leaf for va in root, allocating
// intermediate tables as needed.
func (p *PageTables) SetMapping(root Root, va uint64, pte PTE) {
	p.region.SetLeafPTE(p.LeafSlot(root, va), uint64(pte))
}

// LeafSlot returns the physical address of the level 2 entry for va in root,
// allocating intermediate tables as needed.
//
// Preconditions:
//   - va is a canonical Sv39 address below the direct map.
//   - root is not MPA.
func (p *PageTables) LeafSlot(root Root, va uint64) uint64 {
	if va >= DirectMapOffset {
		panic(fmt.Sprintf("LeafSlot: %#x is inside the hypervisor mappings", va))
	}
	if !IsSv39(va) {
		panic(fmt.Sprintf("LeafSlot: %#x is not an Sv39 address", va))
	}
	if root == MPA {
		panic("LeafSlot: MPA is not a shadow address space")
	}
	table := p.roots[root]
	for level := 0; level < levels-1; level++ {
		table = p.descend(table, pteIndex(va, level))
	}
	return table + pteIndex(va, levels-1)*hostarch.PTESize
}

// SetMegaMapping installs pte as a 2 MiB leaf for va in root, allocating the
// level 1 table if needed.
//
// Precondition: va is 2 MiB aligned and below 512 GiB.
func (p *PageTables) SetMegaMapping(root Root, va uint64, pte PTE) {
	if !hostarch.Addr(va).IsHugePageAligned() || va>>hostarch.GigaPageShift >= hostarch.EntriesPerPage {
		panic(fmt.Sprintf("SetMegaMapping: bad address %#x", va))
	}
	table := p.descend(p.roots[root], va>>hostarch.GigaPageShift)
	p.region.SetLeafPTE(table+pteIndex(va, 1)*hostarch.PTESize, uint64(pte))
}

// descend returns the table referenced by slot of table, allocating and
// installing a new one if the slot is invalid.
func (p *PageTables) descend(table, slot uint64) uint64 {
	addr := table + slot*hostarch.PTESize
	pte := PTE(p.region.Index(addr))
	if !pte.Valid() {
		child := p.allocPage()
		p.region.SetNonLeafPTE(addr, uint64(PointerPTE(child)))
		return child
	}
	if pte&(Read|Write|Execute) != 0 {
		panic(fmt.Sprintf("descend: entry %#x at %#x is a leaf (%v)", uint64(pte), addr, pte))
	}
	return pte.Address()
}

// ClearRange invalidates slots [start, end) of the table at pa. Child tables
// referenced from those slots are cleared recursively and returned to the
// free list.
//
// Precondition: start <= end <= 512.
func (p *PageTables) ClearRange(pa, start, end uint64) {
	if start > end || end > hostarch.EntriesPerPage {
		panic(fmt.Sprintf("ClearRange: bad range [%d, %d)", start, end))
	}
	p.clearRange(pa, start, end, 0)
}

func (p *PageTables) clearRange(pa, start, end uint64, depth int) {
	for i := start; i < end; i++ {
		addr := pa + i*hostarch.PTESize
		pte := PTE(p.region.Index(addr))
		if pte.IsPointer() {
			if depth == levels-1 {
				panic(fmt.Sprintf("ClearRange: pointer %#x at %#x below the leaf level", uint64(pte), addr))
			}
			child := pte.Address()
			p.clearRange(child, 0, hostarch.EntriesPerPage, depth+1)
			p.freePage(child)
		}
		p.region.SetInvalidPTE(addr, 0)
	}
}
