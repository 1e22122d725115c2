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

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/metric"
)

// nullPage terminates the free list. It is never page aligned.
const nullPage = 2

// PageState is the owner of a page in the table region.
type PageState uint8

// Page states.
const (
	// PageFree pages are on the free list.
	PageFree PageState = iota

	// PageTable pages are interior or leaf tables below a root.
	PageTable

	// PageRoot pages are root tables.
	PageRoot

	// PageReserved pages overlap an excluded range and are never used.
	PageReserved
)

// String implements fmt.Stringer.String.
func (s PageState) String() string {
	switch s {
	case PageFree:
		return "free"
	case PageTable:
		return "table"
	case PageRoot:
		return "root"
	case PageReserved:
		return "reserved"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

var (
	pagesAllocated = metric.MustCreateNewUint64Metric("/pagetables/pages_allocated", "Number of shadow page table pages allocated.")
	pagesFreed     = metric.MustCreateNewUint64Metric("/pagetables/pages_freed", "Number of shadow page table pages returned to the free list.")
	freePages      = metric.MustCreateNewInt64GaugeMetric("/pagetables/free_pages", "Number of pages on the shadow page table free list.")
)

// pageNumber returns the index of pa in states.
func (p *PageTables) pageNumber(pa uint64) uint64 {
	return (pa - p.region.Base()) >> hostarch.PageShift
}

// PageOwner returns the state of the page containing pa, or false if pa is
// outside the region.
func (p *PageTables) PageOwner(pa uint64) (PageState, bool) {
	if !p.region.InRegion(pa) {
		return 0, false
	}
	return p.states[p.pageNumber(pa)], true
}

// FreePages returns the number of pages on the free list.
func (p *PageTables) FreePages() int {
	return p.freeCount
}

// allocPage pops the free list and returns a zeroed page.
func (p *PageTables) allocPage() uint64 {
	page := p.freeHead
	if page == nullPage {
		panic("out of hypervisor memory for page tables")
	}
	if !hostarch.Addr(page).IsPageAligned() || !p.region.InRegion(page) {
		panic(fmt.Sprintf("free list corrupted: head %#x", page))
	}
	if s := p.states[p.pageNumber(page)]; s != PageFree {
		panic(fmt.Sprintf("free list corrupted: page %#x is %v", page, s))
	}
	p.freeHead = p.region.Index(page)
	p.freeCount--
	p.zero(page)
	p.states[p.pageNumber(page)] = PageTable
	pagesAllocated.Increment()
	freePages.Set(int64(p.freeCount))
	return page
}

// freePage pushes page onto the free list. The caller guarantees that
// nothing references it any more.
func (p *PageTables) freePage(page uint64) {
	p.push(page)
	pagesFreed.Increment()
	freePages.Set(int64(p.freeCount))
}

func (p *PageTables) push(page uint64) {
	p.region.SetInvalidPTE(page, p.freeHead)
	p.freeHead = page
	p.freeCount++
	p.states[p.pageNumber(page)] = PageFree
}

// zero clears all slots of the page at pa.
func (p *PageTables) zero(pa uint64) {
	for i := uint64(0); i < hostarch.EntriesPerPage; i++ {
		p.region.SetInvalidPTE(pa+i*hostarch.PTESize, 0)
	}
}
