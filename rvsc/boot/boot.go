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

// Package boot sets up the hypervisor's memory virtualization state and
// handles the traps that touch it.
package boot

import (
	"fmt"
	"io"
	"os"

	"rvisor.dev/rvisor/pkg/hostarch"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/machine"
	"rvisor.dev/rvisor/pkg/memregion"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
)

// Context is the state threaded through every trap handler.
type Context struct {
	// Meta is the layout the hypervisor booted on. It is a private copy.
	Meta *machine.Meta

	// Arena is host physical memory.
	Arena *memregion.Arena

	// CPU is the hart running the hypervisor.
	CPU *ring0.CPU

	// Console is the relocated UART.
	Console *Console

	// PageTables are the shadow page tables.
	PageTables *pagetables.PageTables

	// GuestMemory is guest physical memory, addressed by guest physical
	// address.
	GuestMemory *memregion.MemoryRegion
}

// NewArena maps the host physical memory described by meta.
func NewArena(meta *machine.Meta) (*memregion.Arena, error) {
	return memregion.NewArena(meta.PhysBase, meta.PhysSize)
}

// Init builds the shadow page tables for the layout in meta and switches cpu
// to the MPA root. The console is relocated into the direct map.
//
// Any layout violation is fatal.
func Init(arena *memregion.Arena, meta *machine.Meta, cpu *ring0.CPU, console *Console) *Context {
	end := metric.StartStage(metric.InitMachine)
	meta = meta.Clone()
	log.Infof("Booting on %v", meta)
	end()

	end = metric.StartStage(metric.InitDirectMap)
	for i := 0; i < pagetables.DirectMapPages; i++ {
		arena.Store64(meta.BootPageTable+uint64(pagetables.DirectMapSlot+i)*hostarch.PTESize, uint64(pagetables.DirectMapPTE(i)))
	}
	end()

	guestBase := meta.GPMOffset + meta.GuestShift
	guest := arena.Region(guestBase, meta.GPMSize, meta.GPMOffset, pagetables.PA2VA(guestBase))

	end = metric.StartStage(metric.InitPageTables)
	tables := meta.TableRange()
	region := memregion.NewPageTableRegion(arena.Region(uint64(tables.Start), tables.Length(), uint64(tables.Start), pagetables.PA2VA(uint64(tables.Start))))
	pt := pagetables.New(region, meta.Excluded()...)
	for _, r := range pagetables.Roots {
		pt.ZeroRoot(r)
		for i := 0; i < pagetables.DirectMapPages; i++ {
			pt.SetRootEntry(r, uint64(pagetables.DirectMapSlot+i), pagetables.DirectMapPTE(i))
		}
		pt.SetRootEntry(r, pagetables.HypervisorSlot, pagetables.HypervisorPTE)
	}
	pt.InstallRoot(cpu, pagetables.MPA)
	console.Relocate(pagetables.PA2VA(console.Base()))
	end()

	end = metric.StartStage(metric.InitGuestMap)
	if meta.GPMOffset != machine.RequiredGPMOffset {
		panic(fmt.Sprintf("guest physical memory at %#x, want %#x", meta.GPMOffset, uint64(machine.RequiredGPMOffset)))
	}
	if meta.GPMSize%hostarch.HugePageSize != 0 {
		panic(fmt.Sprintf("guest memory size %#x is not a multiple of 2 MiB", meta.GPMSize))
	}
	for p := uint64(0); p < meta.GPMSize/hostarch.HugePageSize; p++ {
		va := meta.GPMOffset + p*hostarch.HugePageSize
		pa := va + meta.GuestShift
		pt.SetMegaMapping(pagetables.MPA, va, pagetables.LeafPTE(pa, pagetables.AD|pagetables.User|pagetables.RWXV))
	}
	end()

	log.Infof("Guest memory %v at host %#x, %d free page table pages", guest.Range(), guestBase, pt.FreePages())
	return &Context{
		Meta:        meta,
		Arena:       arena,
		CPU:         cpu,
		Console:     console,
		PageTables:  pt,
		GuestMemory: guest,
	}
}

// Release unmaps host physical memory. ctx must not be used afterwards.
func (ctx *Context) Release() error {
	return ctx.Arena.Release()
}

// LoadImage copies the file at path into guest memory at gpa.
func (ctx *Context) LoadImage(path string, gpa uint64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	if err := ctx.GuestMemory.Write(gpa, b); err != nil {
		return fmt.Errorf("loading image %q: %w", path, err)
	}
	log.Infof("Loaded %d bytes from %q at guest physical %#x", len(b), path, gpa)
	return nil
}

// DumpRoots writes every shadow root to w.
func (ctx *Context) DumpRoots(w io.Writer) {
	for _, r := range pagetables.Roots {
		fmt.Fprintf(w, "%v @ %#x:\n", r, ctx.PageTables.RootPA(r))
		ctx.PageTables.DumpShadow(w, ctx.PageTables.RootPA(r), 2)
	}
}
