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

// Package memregion provides access to simulated physical memory.
//
// An Arena is a contiguous range of host physical memory, backed by an
// anonymous mapping and indexed by physical address. A MemoryRegion is a
// bounds-checked view of part of an arena, addressed in its own address space
// (for guest memory, guest physical addresses). A PageTableRegion is a
// MemoryRegion holding hypervisor-owned page tables, whose writes are trusted.
package memregion

import (
	"fmt"

	"golang.org/x/sys/unix"
	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
)

// Arena is simulated host physical memory covering [Base, Base+len).
type Arena struct {
	base uint64
	data []byte
}

// NewArena maps length bytes of zeroed memory representing physical
// addresses starting at base.
//
// Precondition: base and length are page aligned.
func NewArena(base, length uint64) (*Arena, error) {
	if !hostarch.Addr(base).IsPageAligned() || !hostarch.Addr(length).IsPageAligned() {
		return nil, fmt.Errorf("arena [%#x, +%#x) is not page aligned", base, length)
	}
	if _, ok := hostarch.Addr(base).AddLength(length); !ok {
		return nil, fmt.Errorf("arena [%#x, +%#x) overflows", base, length)
	}
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping arena of %#x bytes: %w", length, err)
	}
	log.Debugf("arena: physical [%#x, %#x)", base, base+length)
	return &Arena{base: base, data: data}, nil
}

// Release unmaps the arena. The arena and any region derived from it must
// not be used afterwards.
func (a *Arena) Release() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}

// Range returns the physical range covered by the arena.
func (a *Arena) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(a.base), End: hostarch.Addr(a.base + uint64(len(a.data)))}
}

// Contains returns true if [pa, pa+length) lies within the arena.
func (a *Arena) Contains(pa, length uint64) bool {
	end, ok := hostarch.Addr(pa).AddLength(length)
	return ok && a.Range().IsSupersetOf(hostarch.AddrRange{Start: hostarch.Addr(pa), End: end})
}

// Load64 reads the 64-bit word at physical address pa.
//
// Precondition: pa is 8-byte aligned and inside the arena.
func (a *Arena) Load64(pa uint64) uint64 {
	off := pa - a.base
	return hostarch.ByteOrder.Uint64(a.data[off : off+8])
}

// Store64 writes the 64-bit word v at physical address pa.
//
// Precondition: pa is 8-byte aligned and inside the arena.
func (a *Arena) Store64(pa, v uint64) {
	off := pa - a.base
	hostarch.ByteOrder.PutUint64(a.data[off:off+8], v)
}

// Zero clears [pa, pa+length).
func (a *Arena) Zero(pa, length uint64) {
	clear(a.data[pa-a.base : pa-a.base+length])
}

// CopyIn copies b into memory starting at pa.
func (a *Arena) CopyIn(pa uint64, b []byte) error {
	if !a.Contains(pa, uint64(len(b))) {
		return fmt.Errorf("copy of %d bytes to %#x exceeds arena %v", len(b), pa, a.Range())
	}
	copy(a.data[pa-a.base:], b)
	return nil
}

// Region returns a view of host physical [hostPA, hostPA+length) addressed
// as [base, base+length). virtualBase is the address the hypervisor uses to
// reach hostPA through the direct map; it is recorded for diagnostics only.
//
// Precondition: the host range lies inside the arena.
func (a *Arena) Region(hostPA, length, base, virtualBase uint64) *MemoryRegion {
	if !a.Contains(hostPA, length) {
		panic(fmt.Sprintf("region [%#x, +%#x) outside arena %v", hostPA, length, a.Range()))
	}
	off := hostPA - a.base
	return &MemoryRegion{
		data:        a.data[off : off+length : off+length],
		base:        base,
		virtualBase: virtualBase,
	}
}
