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

// Package machine describes the physical memory layout the hypervisor boots
// on.
package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"rvisor.dev/rvisor/pkg/hostarch"
)

// Extent is a physical address range [Start, End).
type Extent struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Range returns e as an AddrRange.
func (e Extent) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(e.Start), End: hostarch.Addr(e.End)}
}

// Meta is the physical memory layout.
type Meta struct {
	// PhysBase and PhysSize bound host physical memory.
	PhysBase uint64 `toml:"phys_base" yaml:"phys_base"`
	PhysSize uint64 `toml:"phys_size" yaml:"phys_size"`

	// HPMOffset is the start of hypervisor physical memory.
	HPMOffset uint64 `toml:"hpm_offset" yaml:"hpm_offset"`

	// VMReservationSize is the amount of memory above HPMOffset kept by
	// the hypervisor. Shadow page tables are carved from its tail.
	VMReservationSize uint64 `toml:"vm_reservation_size" yaml:"vm_reservation_size"`

	// MaxStackPA is the top of the hypervisor stacks. Shadow page tables
	// start here.
	MaxStackPA uint64 `toml:"max_stack_pa" yaml:"max_stack_pa"`

	// GPMOffset and GPMSize bound guest physical memory, in guest
	// physical addresses.
	GPMOffset uint64 `toml:"gpm_offset" yaml:"gpm_offset"`
	GPMSize   uint64 `toml:"gpm_size" yaml:"gpm_size"`

	// GuestShift is added to a guest physical address to get the host
	// physical address backing it.
	GuestShift uint64 `toml:"guest_shift" yaml:"guest_shift"`

	// BootPageTable is the page table installed by the boot code.
	BootPageTable uint64 `toml:"boot_page_table" yaml:"boot_page_table"`

	// UARTBase is the physical address of the console.
	UARTBase uint64 `toml:"uart_base" yaml:"uart_base"`

	// InitrdStart and InitrdEnd bound the init ramdisk, if any.
	InitrdStart uint64 `toml:"initrd_start" yaml:"initrd_start"`
	InitrdEnd   uint64 `toml:"initrd_end" yaml:"initrd_end"`

	// Reserved lists further ranges that must not hold page tables.
	Reserved []Extent `toml:"reserved" yaml:"reserved"`
}

// RequiredGPMOffset is the only guest physical base the hypervisor supports.
const RequiredGPMOffset = 0x80000000

// Default returns the layout of the reference board: 96 MiB of RAM at
// 0x80000000, the first 32 MiB for the hypervisor and 64 MiB for the guest.
func Default() *Meta {
	return &Meta{
		PhysBase:          0x80000000,
		PhysSize:          0x6000000,
		HPMOffset:         0x80000000,
		VMReservationSize: 0x2000000,
		MaxStackPA:        0x80400000,
		GPMOffset:         RequiredGPMOffset,
		GPMSize:           0x4000000,
		GuestShift:        0x2000000,
		BootPageTable:     0x80017000,
		UARTBase:          0x10000000,
	}
}

// LoadFile reads a layout from path. Fields missing from the file keep their
// default values. The format is chosen by extension: .toml, .yaml or .yml.
func LoadFile(path string) (*Meta, error) {
	m := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, m)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("decoding %q: unknown keys %v", path, keys)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %q: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown layout format %q for %q", ext, path)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return m, nil
}

// Clone returns a deep copy of m.
func (m *Meta) Clone() *Meta {
	return deepcopy.Copy(m).(*Meta)
}

// PhysRange returns host physical memory.
func (m *Meta) PhysRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(m.PhysBase), End: hostarch.Addr(m.PhysBase + m.PhysSize)}
}

// TableRange returns the host physical range holding shadow page tables.
func (m *Meta) TableRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(m.MaxStackPA), End: hostarch.Addr(m.HPMOffset + m.VMReservationSize)}
}

// GuestHostRange returns the host physical range backing guest memory.
func (m *Meta) GuestHostRange() hostarch.AddrRange {
	start := m.GPMOffset + m.GuestShift
	return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(start + m.GPMSize)}
}

// Excluded returns the ranges that must never hold page tables.
func (m *Meta) Excluded() []hostarch.AddrRange {
	var rs []hostarch.AddrRange
	if m.InitrdEnd > m.InitrdStart {
		rs = append(rs, hostarch.AddrRange{Start: hostarch.Addr(m.InitrdStart), End: hostarch.Addr(m.InitrdEnd)})
	}
	for _, e := range m.Reserved {
		rs = append(rs, e.Range())
	}
	return rs
}

// Validate checks that the layout is one the hypervisor can boot on.
func (m *Meta) Validate() error {
	phys := m.PhysRange()
	if !hostarch.Addr(m.PhysBase).IsPageAligned() || !hostarch.Addr(m.PhysSize).IsPageAligned() || m.PhysSize == 0 {
		return fmt.Errorf("physical memory %v is not page aligned", phys)
	}
	if !phys.WellFormed() {
		return fmt.Errorf("physical memory %v overflows", phys)
	}
	tables := m.TableRange()
	if !hostarch.Addr(tables.Start).IsPageAligned() || !hostarch.Addr(tables.End).IsPageAligned() {
		return fmt.Errorf("page table region %v is not page aligned", tables)
	}
	if !tables.WellFormed() || tables.Length() == 0 || !phys.IsSupersetOf(tables) {
		return fmt.Errorf("page table region %v is not inside physical memory %v", tables, phys)
	}
	if m.GPMOffset != RequiredGPMOffset {
		return fmt.Errorf("guest physical memory must start at %#x, not %#x", RequiredGPMOffset, m.GPMOffset)
	}
	if m.GPMSize == 0 || m.GPMSize%hostarch.HugePageSize != 0 {
		return fmt.Errorf("guest memory size %#x is not a multiple of %#x", m.GPMSize, hostarch.HugePageSize)
	}
	if !hostarch.Addr(m.GuestShift).IsHugePageAligned() {
		return fmt.Errorf("guest shift %#x is not megapage aligned", m.GuestShift)
	}
	guest := m.GuestHostRange()
	if !guest.WellFormed() || !phys.IsSupersetOf(guest) {
		return fmt.Errorf("guest memory %v is not inside physical memory %v", guest, phys)
	}
	if guest.Overlaps(tables) {
		return fmt.Errorf("guest memory %v overlaps page tables %v", guest, tables)
	}
	boot := hostarch.AddrRange{Start: hostarch.Addr(m.BootPageTable), End: hostarch.Addr(m.BootPageTable + hostarch.PageSize)}
	if !hostarch.Addr(m.BootPageTable).IsPageAligned() || !phys.IsSupersetOf(boot) {
		return fmt.Errorf("boot page table %#x is not a page inside physical memory %v", m.BootPageTable, phys)
	}
	if boot.Overlaps(tables) {
		return fmt.Errorf("boot page table %#x is inside the page table region %v", m.BootPageTable, tables)
	}
	if m.InitrdEnd < m.InitrdStart {
		return fmt.Errorf("initrd end %#x is below start %#x", m.InitrdEnd, m.InitrdStart)
	}
	for _, e := range m.Reserved {
		if !e.Range().WellFormed() {
			return fmt.Errorf("reserved extent %v is malformed", e.Range())
		}
	}
	return nil
}

// String implements fmt.Stringer.String.
func (m *Meta) String() string {
	return fmt.Sprintf("phys %v, tables %v, guest %#x+%#x at %v", m.PhysRange(), m.TableRange(), m.GPMOffset, m.GPMSize, m.GuestHostRange())
}
