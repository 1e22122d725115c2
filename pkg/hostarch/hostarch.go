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

// Package hostarch describes the Sv39 page geometry shared by the host and the
// guest: page sizes, address rounding and the byte order of page table
// entries.
package hostarch

import "encoding/binary"

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a megapage (a level 1 leaf).
	HugePageShift = 21

	// HugePageSize is the megapage size.
	HugePageSize = 1 << HugePageShift

	// GigaPageShift is the binary log of a gigapage (a level 0 leaf).
	GigaPageShift = 30

	// GigaPageSize is the gigapage size.
	GigaPageSize = 1 << GigaPageShift

	// PTESize is the size of one page table entry.
	PTESize = 8

	// EntriesPerPage is the number of entries in one table page.
	EntriesPerPage = PageSize / PTESize
)

// ByteOrder is the byte order of RISC-V memory.
var ByteOrder = binary.LittleEndian
