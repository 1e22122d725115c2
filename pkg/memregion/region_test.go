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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := NewArena(0x80000000, 0x10000)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Release(); err != nil {
			t.Errorf("Release failed: %v", err)
		}
	})
	return a
}

func TestNewArenaUnaligned(t *testing.T) {
	if _, err := NewArena(0x80000001, 0x1000); err == nil {
		t.Errorf("NewArena with unaligned base succeeded")
	}
	if _, err := NewArena(0x80000000, 0x1001); err == nil {
		t.Errorf("NewArena with unaligned length succeeded")
	}
}

func TestArenaLoadStore(t *testing.T) {
	a := newTestArena(t)
	a.Store64(0x80000008, 0x1122334455667788)
	if got := a.Load64(0x80000008); got != 0x1122334455667788 {
		t.Errorf("Load64 = %#x, want 0x1122334455667788", got)
	}
	a.Zero(0x80000000, 0x1000)
	if got := a.Load64(0x80000008); got != 0 {
		t.Errorf("Load64 after Zero = %#x, want 0", got)
	}
	if err := a.CopyIn(0x8000fff8, make([]byte, 16)); err == nil {
		t.Errorf("CopyIn past the end succeeded")
	}
}

func TestRegionView(t *testing.T) {
	a := newTestArena(t)
	// Guest physical 0x1000 is backed by host physical 0x80002000.
	r := a.Region(0x80002000, 0x2000, 0x1000, 0xfffffffc80002000)
	a.Store64(0x80002010, 42)

	for _, tc := range []struct {
		addr uint64
		want uint64
		ok   bool
	}{
		{addr: 0x1010, want: 42, ok: true},
		{addr: 0x1000, want: 0, ok: true},
		{addr: 0x2ff8, want: 0, ok: true},
		{addr: 0x3000, ok: false},
		{addr: 0xff8, ok: false},
		{addr: 0x1004, ok: false},
		{addr: ^uint64(7), ok: false},
	} {
		got, ok := r.Get(tc.addr)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Get(%#x) = %#x, %t, want %#x, %t", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
	if got := r.Index(0x1010); got != 42 {
		t.Errorf("Index(0x1010) = %d, want 42", got)
	}
	if !r.InRegion(0x2fff) || r.InRegion(0x3000) || r.InRegion(0xfff) {
		t.Errorf("InRegion boundaries wrong for %v", r)
	}
	if err := r.Write(0x2ff0, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Errorf("Write inside region failed: %v", err)
	}
	if got := a.Load64(0x80003ff0); got != 0x0807060504030201 {
		t.Errorf("host word after Write = %#x", got)
	}
	if err := r.Write(0x2ff8, make([]byte, 9)); err == nil {
		t.Errorf("Write past end succeeded")
	}
}

func TestPageTableRegionWrites(t *testing.T) {
	a := newTestArena(t)
	r := NewPageTableRegion(a.Region(0x80000000, 0x10000, 0x80000000, 0))
	r.SetNonLeafPTE(0x80000000, 0x20000401)
	r.SetLeafPTE(0x80000008, 0x200000cf)
	r.SetInvalidPTE(0x80000010, 2)
	var got []uint64
	for addr := uint64(0x80000000); addr < 0x80000018; addr += 8 {
		got = append(got, r.Index(addr))
	}
	if diff := cmp.Diff([]uint64{0x20000401, 0x200000cf, 2}, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestRegionOutsideArenaPanics(t *testing.T) {
	a := newTestArena(t)
	defer func() {
		if recover() == nil {
			t.Errorf("Region outside arena did not panic")
		}
	}()
	a.Region(0x8000f000, 0x2000, 0, 0)
}
