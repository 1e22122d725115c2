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
	"time"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/metric"
)

// GuestMemory is read-only, bounds-checked access to guest physical memory.
type GuestMemory interface {
	// Get returns the 64-bit word at guest physical addr, or false if it
	// is not backed.
	Get(addr uint64) (uint64, bool)
}

// AddressTranslation is the result of a guest page table walk.
type AddressTranslation struct {
	// GuestPA is the guest physical address va translates to.
	GuestPA uint64

	// PTEAddr is the guest physical address of the leaf entry.
	PTEAddr uint64

	// PTEValue is the leaf entry.
	PTEValue uint64
}

var (
	guestTranslations      = metric.MustCreateNewUint64Metric("/pagetables/guest_translations", "Number of guest page table walks.")
	guestTranslationMisses = metric.MustCreateNewUint64Metric("/pagetables/guest_translation_misses", "Number of guest page table walks that found no mapping.")

	missLog = log.BasicRateLimitedLogger(time.Second)
)

// Translate walks the guest Sv39 table rooted at guest physical root and
// returns the translation of va. It never writes guest memory.
//
// Translate returns false if va is not an Sv39 address, root is not page
// aligned, an entry is out of bounds or invalid, an entry has W without R, or
// no leaf is found within three levels.
func Translate(mem GuestMemory, root, va uint64) (AddressTranslation, bool) {
	guestTranslations.Increment()
	tr, ok := translate(mem, root, va)
	if !ok {
		guestTranslationMisses.Increment()
		missLog.Debugf("Guest translation of %#x under root %#x failed", va, root)
	}
	return tr, ok
}

// leafMasks are the offset masks of a leaf found at each level.
var leafMasks = [levels]uint64{
	hostarch.GigaPageSize - 1,
	hostarch.HugePageSize - 1,
	hostarch.PageSize - 1,
}

func translate(mem GuestMemory, root, va uint64) (AddressTranslation, bool) {
	if !IsSv39(va) || !hostarch.Addr(root).IsPageAligned() {
		return AddressTranslation{}, false
	}
	table := root
	for level := 0; level < levels; level++ {
		addr := table + pteIndex(va, level)*hostarch.PTESize
		v, ok := mem.Get(addr)
		if !ok {
			return AddressTranslation{}, false
		}
		pte := PTE(v)
		if !pte.Valid() || pte&(Read|Write) == Write {
			return AddressTranslation{}, false
		}
		if pte&(Read|Execute) != 0 {
			mask := leafMasks[level]
			return AddressTranslation{
				GuestPA:  pte.Address()&^mask | va&mask,
				PTEAddr:  addr,
				PTEValue: v,
			}, true
		}
		table = pte.Address()
	}
	return AddressTranslation{}, false
}

// ReadGuest64 reads the 64-bit word at guest virtual va, translated through
// the guest table whose root page number is satpPPN.
func ReadGuest64(mem GuestMemory, satpPPN, va uint64) (uint64, bool) {
	page := hostarch.Addr(va).RoundDown()
	tr, ok := Translate(mem, satpPPN<<hostarch.PageShift, uint64(page))
	if !ok {
		return 0, false
	}
	gpa := uint64(hostarch.Addr(tr.GuestPA).RoundDown()) | hostarch.Addr(va).PageOffset()
	return mem.Get(gpa)
}
