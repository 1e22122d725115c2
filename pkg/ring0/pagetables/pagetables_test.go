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
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/memregion"
	"rvisor.dev/rvisor/pkg/ring0"
)

const testBase = 0x80400000

func page(n int) uint64 {
	return testBase + uint64(n)*hostarch.PageSize
}

func newTestTables(t *testing.T, pages int, excluded ...hostarch.AddrRange) *PageTables {
	t.Helper()
	length := uint64(pages) * hostarch.PageSize
	a, err := memregion.NewArena(testBase, length)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	t.Cleanup(func() { a.Release() })
	return New(memregion.NewPageTableRegion(a.Region(testBase, length, testBase, PA2VA(testBase))), excluded...)
}

func expectPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Errorf("expected panic %q, got none", want)
			return
		}
		if got := fmt.Sprint(r); want != "" && got != want {
			t.Errorf("panic = %q, want %q", got, want)
		}
	}()
	fn()
}

func countState(p *PageTables, s PageState) int {
	n := 0
	for _, st := range p.states {
		if st == s {
			n++
		}
	}
	return n
}

func TestNew(t *testing.T) {
	// The initrd partially covers pages 3 and 4.
	initrd := hostarch.AddrRange{Start: hostarch.Addr(page(3) + 100), End: hostarch.Addr(page(5) - 1)}
	p := newTestTables(t, 16, initrd)

	got := []uint64{p.RootPA(MPA), p.RootPA(UVA), p.RootPA(KVA), p.RootPA(MVA)}
	want := []uint64{page(15), page(14), page(13), page(12)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("root addresses mismatch (-want +got):\n%s", diff)
	}
	if got, want := p.FreePages(), 16-2-4; got != want {
		t.Errorf("FreePages() = %d, want %d", got, want)
	}
	for _, tc := range []struct {
		pa   uint64
		want PageState
	}{
		{page(0), PageFree},
		{page(3), PageReserved},
		{page(4) + 8, PageReserved},
		{page(5), PageFree},
		{page(12), PageRoot},
		{page(15), PageRoot},
	} {
		if got, ok := p.PageOwner(tc.pa); !ok || got != tc.want {
			t.Errorf("PageOwner(%#x) = %v, %t, want %v", tc.pa, got, ok, tc.want)
		}
	}
	if _, ok := p.PageOwner(page(16)); ok {
		t.Errorf("PageOwner outside region succeeded")
	}

	// Reserved pages are never handed out.
	for p.FreePages() > 0 {
		pa := p.allocPage()
		if pa == page(3) || pa == page(4) {
			t.Fatalf("allocated reserved page %#x", pa)
		}
	}
}

func TestAllocZeroesPage(t *testing.T) {
	p := newTestTables(t, 8)
	pa := p.allocPage()
	for i := uint64(0); i < hostarch.EntriesPerPage; i++ {
		p.region.SetLeafPTE(pa+i*hostarch.PTESize, ^uint64(0))
	}
	p.freePage(pa)
	if got := p.allocPage(); got != pa {
		t.Fatalf("allocPage() = %#x, want %#x", got, pa)
	}
	for i := uint64(0); i < hostarch.EntriesPerPage; i++ {
		if e := p.Entry(pa, i); e != 0 {
			t.Fatalf("slot %d of reallocated page = %#x, want 0", i, uint64(e))
		}
	}
	if s, _ := p.PageOwner(pa); s != PageTable {
		t.Errorf("PageOwner = %v, want %v", s, PageTable)
	}
}

func TestFreeListLIFO(t *testing.T) {
	p := newTestTables(t, 8)
	a := p.allocPage()
	b := p.allocPage()
	p.freePage(a)
	p.freePage(b)
	if got := p.allocPage(); got != b {
		t.Errorf("first allocPage() = %#x, want %#x", got, b)
	}
	if got := p.allocPage(); got != a {
		t.Errorf("second allocPage() = %#x, want %#x", got, a)
	}
}

func TestOutOfMemory(t *testing.T) {
	p := newTestTables(t, 4)
	if p.FreePages() != 0 {
		t.Fatalf("FreePages() = %d, want 0", p.FreePages())
	}
	expectPanic(t, "out of hypervisor memory for page tables", func() {
		p.LeafSlot(UVA, 0x1000)
	})
}

func TestFreeListCorruption(t *testing.T) {
	p := newTestTables(t, 8)
	p.freeHead = p.RootPA(KVA)
	expectPanic(t, "", func() { p.allocPage() })
}

func TestLeafSlot(t *testing.T) {
	p := newTestTables(t, 16)
	free := p.FreePages()

	slot := p.LeafSlot(UVA, 0x1000)
	if got := p.FreePages(); got != free-2 {
		t.Errorf("FreePages() after first lookup = %d, want %d", got, free-2)
	}
	if again := p.LeafSlot(UVA, 0x1000); again != slot {
		t.Errorf("second LeafSlot = %#x, want %#x", again, slot)
	}
	if next := p.LeafSlot(UVA, 0x2fff); next != slot+hostarch.PTESize {
		t.Errorf("LeafSlot(0x2fff) = %#x, want %#x", next, slot+hostarch.PTESize)
	}
	if got := p.FreePages(); got != free-2 {
		t.Errorf("FreePages() after repeated lookups = %d, want %d", got, free-2)
	}
	if other := p.LeafSlot(KVA, 0x1000); other == slot {
		t.Errorf("KVA and UVA share leaf slot %#x", slot)
	}
	if got := p.FreePages(); got != free-4 {
		t.Errorf("FreePages() after KVA lookup = %d, want %d", got, free-4)
	}

	// The path from the root is made of pointer entries.
	l1 := p.Entry(p.RootPA(UVA), 0)
	if !l1.IsPointer() {
		t.Fatalf("root slot 0 = %#x, want pointer", uint64(l1))
	}
	l2 := p.Entry(l1.Address(), 0)
	if !l2.IsPointer() || l2.Address()+1*hostarch.PTESize != slot {
		t.Errorf("level 1 slot 0 = %#x, does not lead to %#x", uint64(l2), slot)
	}
}

func TestLeafSlotPreconditions(t *testing.T) {
	p := newTestTables(t, 16)
	for _, tc := range []struct {
		name string
		root Root
		va   uint64
	}{
		{"direct map", UVA, DirectMapOffset},
		{"hypervisor", KVA, 0xffffffffc0000000},
		{"not sv39", MVA, 0x0000800000000000},
		{"mpa", MPA, 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			expectPanic(t, "", func() { p.LeafSlot(tc.root, tc.va) })
		})
	}
}

func TestLeafSlotRejectsLeafOnPath(t *testing.T) {
	p := newTestTables(t, 16)
	p.SetRootEntry(UVA, 0, DirectMapPTE(0))
	expectPanic(t, "", func() { p.LeafSlot(UVA, 0x1000) })
}

func TestSetMapping(t *testing.T) {
	p := newTestTables(t, 16)
	pte := LeafPTE(0x82000000, AD|User|RWXV)
	p.SetMapping(MVA, 0x7fff000, pte)
	if got := PTE(p.region.Index(p.LeafSlot(MVA, 0x7fff000))); got != pte {
		t.Errorf("leaf = %#x, want %#x", uint64(got), uint64(pte))
	}
}

func TestSetMegaMapping(t *testing.T) {
	p := newTestTables(t, 16)
	free := p.FreePages()
	p.SetMegaMapping(MPA, 0x80000000, LeafPTE(0x82000000, AD|User|RWXV))
	p.SetMegaMapping(MPA, 0x80200000, LeafPTE(0x82200000, AD|User|RWXV))
	if got := p.FreePages(); got != free-1 {
		t.Errorf("FreePages() = %d, want %d", got, free-1)
	}
	l1 := p.Entry(p.RootPA(MPA), 2).Address()
	if got := p.Entry(l1, 1); got != LeafPTE(0x82200000, AD|User|RWXV) {
		t.Errorf("level 1 slot 1 = %#x", uint64(got))
	}
	expectPanic(t, "", func() { p.SetMegaMapping(MPA, 0x80001000, 0) })
}

func TestClearRangeReclaimsSubtrees(t *testing.T) {
	p := newTestTables(t, 32)
	p.SetRootEntry(UVA, DirectMapSlot, DirectMapPTE(0))
	free := p.FreePages()

	for _, va := range []uint64{0x1000, 0x201000, 0x40000000, 0x7bfffff000} {
		p.SetMapping(UVA, va, LeafPTE(0x80000000, AD|RWXV))
	}
	if p.FreePages() >= free {
		t.Fatalf("mappings allocated no pages")
	}

	p.ClearRange(p.RootPA(UVA), 0, DirectMapSlot)
	if got := p.FreePages(); got != free {
		t.Errorf("FreePages() = %d, want %d", got, free)
	}
	if n := countState(p, PageTable); n != 0 {
		t.Errorf("%d pages still tagged as tables", n)
	}
	for i := uint64(0); i < DirectMapSlot; i++ {
		if e := p.Entry(p.RootPA(UVA), i); e != 0 {
			t.Errorf("root slot %d = %#x after clear", i, uint64(e))
		}
	}
	if e := p.Entry(p.RootPA(UVA), DirectMapSlot); e != DirectMapPTE(0) {
		t.Errorf("direct map slot = %#x, want preserved", uint64(e))
	}

	// A fresh walk must build new level 1 and level 2 tables.
	p.LeafSlot(UVA, 0x1000)
	if got := p.FreePages(); got != free-2 {
		t.Errorf("FreePages() after walk = %d, want %d", got, free-2)
	}
	if n := countState(p, PageTable); n != 2 {
		t.Errorf("%d pages tagged as tables after walk, want 2", n)
	}
}

func TestClearRangeBounds(t *testing.T) {
	p := newTestTables(t, 8)
	p.ClearRange(p.RootPA(UVA), 3, 3)
	expectPanic(t, "", func() { p.ClearRange(p.RootPA(UVA), 4, 3) })
	expectPanic(t, "", func() { p.ClearRange(p.RootPA(UVA), 0, 513) })
}

func TestClearRangePointerAtLeafLevel(t *testing.T) {
	p := newTestTables(t, 8)
	p.SetMapping(UVA, 0x1000, Valid)
	want := fmt.Sprintf("ClearRange: pointer 0x1 at %#x below the leaf level", p.LeafSlot(UVA, 0x1000))
	expectPanic(t, want, func() { p.ClearRange(p.RootPA(UVA), 0, DirectMapSlot) })
}

func TestInstallRoot(t *testing.T) {
	p := newTestTables(t, 8)
	var cpu ring0.CPU
	installs := rootInstalls.Value()

	p.InstallRoot(&cpu, UVA)
	if want := ring0.MakeSATP(p.RootPA(UVA)); cpu.SATP() != want {
		t.Errorf("satp = %#x, want %#x", cpu.SATP(), want)
	}
	p.InstallRoot(&cpu, UVA)
	if cpu.SATPWrites() != 1 || cpu.Fences() != 1 {
		t.Errorf("repeated install: %v, want one write and one fence", &cpu)
	}
	p.InstallRoot(&cpu, KVA)
	if cpu.SATPWrites() != 2 || cpu.Fences() != 2 {
		t.Errorf("switching roots: %v, want two writes and two fences", &cpu)
	}
	if got := rootInstalls.Value() - installs; got != 2 {
		t.Errorf("root_installs increased by %d, want 2", got)
	}
}

func TestFlush(t *testing.T) {
	p := newTestTables(t, 32)
	for _, r := range Roots {
		p.SetRootEntry(r, DirectMapSlot, DirectMapPTE(0))
		p.SetRootEntry(r, HypervisorSlot, HypervisorPTE)
	}
	p.SetMegaMapping(MPA, 0x80000000, LeafPTE(0x82000000, AD|User|RWXV))
	free := p.FreePages()
	for _, r := range shadowRoots {
		p.SetMapping(r, 0x10000, LeafPTE(0x82000000, AD|RWXV))
	}

	var cpu ring0.CPU
	p.Flush(&cpu)
	if cpu.Fences() != 1 || cpu.SATPWrites() != 0 {
		t.Errorf("Flush: %v, want exactly one fence", &cpu)
	}
	if got := p.FreePages(); got != free {
		t.Errorf("FreePages() = %d, want %d", got, free)
	}
	for _, r := range shadowRoots {
		if e := p.Entry(p.RootPA(r), 0); e != 0 {
			t.Errorf("%v slot 0 = %#x after flush", r, uint64(e))
		}
	}
	for _, r := range Roots {
		if e := p.Entry(p.RootPA(r), HypervisorSlot); e != HypervisorPTE {
			t.Errorf("%v hypervisor slot = %#x after flush", r, uint64(e))
		}
	}
	if e := p.Entry(p.RootPA(MPA), 2); !e.IsPointer() {
		t.Errorf("MPA guest mapping lost: %#x", uint64(e))
	}
}
