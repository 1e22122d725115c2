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
)

const (
	// levels is the number of levels of an Sv39 table.
	levels = 3

	// indexBits is the number of address bits consumed by each level.
	indexBits = 9

	// indexMask masks a single table index.
	indexMask = hostarch.EntriesPerPage - 1
)

// Direct map layout, shared by every root.
const (
	// DirectMapSlot is the first top-level slot of the direct map.
	DirectMapSlot = 0xf80 / hostarch.PTESize

	// DirectMapPages is the number of 1 GiB leaves making up the direct map.
	DirectMapPages = 4

	// DirectMapSize is the amount of physical memory visible through the
	// direct map.
	DirectMapSize = DirectMapPages * hostarch.GigaPageSize

	// DirectMapOffset is the virtual address of physical address zero.
	DirectMapOffset uint64 = 0xf80<<27 | ^uint64(1<<39-1)

	// HypervisorSlot is the top-level slot mapping hypervisor code and data.
	HypervisorSlot = 0xff8 / hostarch.PTESize

	// HypervisorPTE maps physical [0x80000000, +1 GiB) at HypervisorSlot.
	HypervisorPTE PTE = 0x20000000 | AD | RWXV
)

// DirectMapPTE returns the leaf for the i-th gigabyte of the direct map.
func DirectMapPTE(i int) PTE {
	return PTE(uint64(i)<<28) | AD | RWXV
}

// IsSv39 returns true if va is a canonical Sv39 address: bits 63..38 are
// all equal.
func IsSv39(va uint64) bool {
	top := va >> 38
	return top == 0 || top == 0x3ffffff
}

// PA2VA returns the direct map address of pa.
func PA2VA(pa uint64) uint64 {
	return pa + DirectMapOffset
}

// VA2PA returns the physical address behind the direct map address va.
//
// Precondition: va lies inside the direct map.
func VA2PA(va uint64) uint64 {
	if va < DirectMapOffset || va-DirectMapOffset >= DirectMapSize {
		panic(fmt.Sprintf("VA2PA: %#x is outside the direct map", va))
	}
	return va - DirectMapOffset
}

// pteIndex returns the index of va's entry in a table at the given level,
// where level 0 is the root.
func pteIndex(va uint64, level int) uint64 {
	return (va >> (hostarch.GigaPageShift - indexBits*level)) & indexMask
}
