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
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvisor.dev/rvisor/pkg/hostarch"
)

// guestMemory is guest physical [0, size) backed by a sparse map.
type guestMemory struct {
	size  uint64
	words map[uint64]uint64
}

func newGuestMemory(size uint64) *guestMemory {
	return &guestMemory{size: size, words: make(map[uint64]uint64)}
}

func (m *guestMemory) Get(addr uint64) (uint64, bool) {
	if addr%8 != 0 || addr >= m.size {
		return 0, false
	}
	return m.words[addr], true
}

func (m *guestMemory) set(table, slot uint64, pte PTE) {
	m.words[table+slot*hostarch.PTESize] = uint64(pte)
}

// va returns the address selecting the given slot at each level.
func va(l0, l1, l2, offset uint64) uint64 {
	return l0<<30 | l1<<21 | l2<<12 | offset
}

func TestTranslate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(m *guestMemory)
		root  uint64
		va    uint64
		want  AddressTranslation
		ok    bool
	}{
		{
			name: "4k",
			setup: func(m *guestMemory) {
				m.set(0x1000, 1, PointerPTE(0x2000))
				m.set(0x2000, 2, PointerPTE(0x3000))
				m.set(0x3000, 3, LeafPTE(0x5000, Read|Write|Valid))
			},
			root: 0x1000,
			va:   va(1, 2, 3, 0x123),
			want: AddressTranslation{GuestPA: 0x5123, PTEAddr: 0x3018, PTEValue: 0x1407},
			ok:   true,
		},
		{
			name: "megapage",
			setup: func(m *guestMemory) {
				m.set(0x1000, 1, PointerPTE(0x2000))
				m.set(0x2000, 2, LeafPTE(0x600000, Read|Valid))
			},
			root: 0x1000,
			va:   va(1, 2, 0x12, 0x345),
			want: AddressTranslation{GuestPA: 0x612345, PTEAddr: 0x2010, PTEValue: 0x180003},
			ok:   true,
		},
		{
			name: "gigapage ignores low ppn bits",
			setup: func(m *guestMemory) {
				m.set(0x1000, 2, LeafPTE(0xc0200000, Read|Execute|Valid))
			},
			root: 0x1000,
			va:   0x81234567,
			want: AddressTranslation{GuestPA: 0xc1234567, PTEAddr: 0x1010, PTEValue: 0x3008000b},
			ok:   true,
		},
		{
			name: "execute only leaf",
			setup: func(m *guestMemory) {
				m.set(0x1000, 0, PointerPTE(0x2000))
				m.set(0x2000, 0, PointerPTE(0x3000))
				m.set(0x3000, 1, LeafPTE(0x4000, Execute|Valid))
			},
			root: 0x1000,
			va:   0x1008,
			want: AddressTranslation{GuestPA: 0x4008, PTEAddr: 0x3008, PTEValue: 0x1009},
			ok:   true,
		},
		{
			name: "write without read",
			setup: func(m *guestMemory) {
				m.set(0x1000, 0, PointerPTE(0x2000))
				m.set(0x2000, 0, LeafPTE(0x400000, Write|Valid))
			},
			root: 0x1000,
			va:   0x1000,
		},
		{
			name: "invalid",
			setup: func(m *guestMemory) {
				m.set(0x1000, 0, LeafPTE(0x400000, Read|Write))
			},
			root: 0x1000,
			va:   0x1000,
		},
		{
			name: "pointer outside memory",
			setup: func(m *guestMemory) {
				m.set(0x1000, 0, PointerPTE(0x7fff0000))
			},
			root: 0x1000,
			va:   0x1000,
		},
		{
			name: "no leaf after three levels",
			setup: func(m *guestMemory) {
				m.set(0x1000, 0, PointerPTE(0x2000))
				m.set(0x2000, 0, PointerPTE(0x3000))
				m.set(0x3000, 1, PointerPTE(0x4000))
			},
			root: 0x1000,
			va:   0x1000,
		},
		{
			name: "root outside memory",
			root: 0x100000000,
			va:   0x1000,
		},
		{
			name: "unaligned root",
			root: 0x1008,
			va:   0x1000,
		},
		{
			name: "not sv39",
			root: 0x1000,
			va:   0x0000800000000000,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newGuestMemory(0x10000)
			if tc.setup != nil {
				tc.setup(m)
			}
			got, ok := Translate(m, tc.root, tc.va)
			if ok != tc.ok {
				t.Fatalf("Translate(%#x) ok = %t, want %t", tc.va, ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Translate(%#x) mismatch (-want +got):\n%s", tc.va, diff)
			}
		})
	}
}

func TestTranslateCountsMisses(t *testing.T) {
	m := newGuestMemory(0x4000)
	walks, misses := guestTranslations.Value(), guestTranslationMisses.Value()
	Translate(m, 0x1000, 0x1000)
	Translate(m, 0x1000, 0x2000)
	if got := guestTranslations.Value() - walks; got != 2 {
		t.Errorf("guest_translations increased by %d, want 2", got)
	}
	if got := guestTranslationMisses.Value() - misses; got != 2 {
		t.Errorf("guest_translation_misses increased by %d, want 2", got)
	}
}

// TestTranslateGarbage walks tables made of random words and checks that
// every successful walk read its leaf from inside guest memory.
func TestTranslateGarbage(t *testing.T) {
	const size = 0x4000
	rng := rand.New(rand.NewSource(1))
	m := newGuestMemory(size)
	for addr := uint64(0); addr < size; addr += 8 {
		if rng.Intn(2) == 0 {
			m.words[addr] = rng.Uint64()
		} else {
			m.words[addr] = uint64(PointerPTE(uint64(rng.Intn(8))<<12) | PTE(rng.Intn(16)))
		}
	}
	for i := 0; i < 10000; i++ {
		root := uint64(rng.Intn(8)) << 12
		addr := rng.Uint64()
		if i%2 == 0 {
			addr &= 1<<39 - 1
		}
		tr, ok := Translate(m, root, addr)
		if !ok {
			continue
		}
		if tr.PTEAddr >= size || m.words[tr.PTEAddr] != tr.PTEValue {
			t.Fatalf("Translate(%#x, %#x) = %+v, leaf not read from memory", root, addr, tr)
		}
		if !PTE(tr.PTEValue).IsLeaf() {
			t.Fatalf("Translate(%#x, %#x) returned non-leaf %#x", root, addr, tr.PTEValue)
		}
	}
}

func TestReadGuest64(t *testing.T) {
	m := newGuestMemory(0x10000)
	m.set(0x1000, 1, PointerPTE(0x2000))
	m.set(0x2000, 2, PointerPTE(0x3000))
	m.set(0x3000, 3, LeafPTE(0x5000, Read|Write|Valid))
	m.words[0x5128] = 0xdeadbeefcafef00d

	if got, ok := ReadGuest64(m, 1, va(1, 2, 3, 0x128)); !ok || got != 0xdeadbeefcafef00d {
		t.Errorf("ReadGuest64 = %#x, %t, want 0xdeadbeefcafef00d, true", got, ok)
	}
	if _, ok := ReadGuest64(m, 1, va(1, 2, 4, 0x128)); ok {
		t.Errorf("ReadGuest64 of unmapped page succeeded")
	}
	if _, ok := ReadGuest64(m, 1, va(1, 2, 3, 0x12c)); ok {
		t.Errorf("ReadGuest64 of unaligned address succeeded")
	}
}

func TestDumpGuest(t *testing.T) {
	m := newGuestMemory(0x10000)
	m.set(0x1000, 1, PointerPTE(0x2000))
	m.set(0x2000, 2, PointerPTE(0x3000))
	m.set(0x3000, 3, LeafPTE(0x5000, Read|Write|Valid))
	m.set(0x1000, 5, User)
	m.set(0x1000, 6, PointerPTE(0x7fff0000))

	var b strings.Builder
	DumpGuest(&b, m, 0x1000, 2, 0)
	want := strings.Join([]string{
		"0x40000000: 0x801",
		"__ 0x40400000: 0xc01",
		"__ __ 0x40403000 -> 0x5000",
		"0x140000000: 0x10 (not valid)",
		"0x180000000: 0x1fffc001 (bad ppn)",
		"",
	}, "\n")
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("DumpGuest mismatch (-want +got):\n%s", diff)
	}

	b.Reset()
	DumpGuest(&b, m, 0x20000, 2, 0)
	if got := b.String(); got != "[SATP Invalid]\n" {
		t.Errorf("DumpGuest of bad root = %q", got)
	}
}

func TestDumpShadow(t *testing.T) {
	p := newTestTables(t, 16)
	p.SetRootEntry(UVA, DirectMapSlot, DirectMapPTE(0))
	p.SetMapping(UVA, 0x1000, LeafPTE(0x80000000, AD|RWXV))
	l1 := p.Entry(p.RootPA(UVA), 0)
	l2 := p.Entry(l1.Address(), 0)

	var b strings.Builder
	p.DumpShadow(&b, p.RootPA(UVA), 2)
	want := strings.Join([]string{
		fmt.Sprintf("    0x0: %#x", uint64(l1)),
		fmt.Sprintf("      0x0: %#x", uint64(l2)),
		"        0x8: 0x200000cf",
		"    0xf80: 0xcf",
		"",
	}, "\n")
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("DumpShadow mismatch (-want +got):\n%s", diff)
	}
}

