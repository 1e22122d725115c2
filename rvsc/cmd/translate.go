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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/rvsc/cmd/util"
	"rvisor.dev/rvisor/rvsc/config"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	satp   uint64
	images imageList
	read   bool

	// stdout overrides os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translates guest virtual addresses through a guest page table"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate -satp PPN [-image path@gpa]... [-read] <va>... - walks the guest page table rooted at PPN.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&t.satp, "satp", 0, "page number of the guest root page table.")
	f.Var(&t.images, "image", "raw file to load into guest memory, as path@gpa. May be repeated.")
	f.BoolVar(&t.read, "read", false, "also read the 64-bit word at each address.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	vas := make([]uint64, 0, f.NArg())
	for _, arg := range f.Args() {
		va, err := parseAddr(arg)
		if err != nil {
			util.Fatalf("%v", err)
		}
		vas = append(vas, va)
	}
	conf := args[0].(*config.Config)
	out := output(t.stdout)

	ctx, err := startHypervisor(conf, out, t.images)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	defer ctx.Release()

	root := t.satp << 12
	for _, va := range vas {
		tr, ok := pagetables.Translate(ctx.GuestMemory, root, va)
		if !ok {
			fmt.Fprintf(out, "%#x: not mapped\n", va)
			continue
		}
		fmt.Fprintf(out, "%#x -> %#x (pte %#x at %#x, %v)", va, tr.GuestPA, tr.PTEValue, tr.PTEAddr, pagetables.PTE(tr.PTEValue))
		if t.read {
			if v, ok := pagetables.ReadGuest64(ctx.GuestMemory, t.satp, va); ok {
				fmt.Fprintf(out, " = %#x", v)
			} else {
				fmt.Fprintf(out, " = <unreadable>")
			}
		}
		fmt.Fprintln(out)
	}
	return subcommands.ExitSuccess
}
