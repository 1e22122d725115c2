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
	"io"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/ring0/pagetables"
	"rvisor.dev/rvisor/rvsc/cmd/util"
	"rvisor.dev/rvisor/rvsc/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	satp   uint64
	images imageList

	// stdout overrides os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "prints a guest page table"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump -satp PPN [-image path@gpa]... - prints the guest page table rooted at PPN.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&d.satp, "satp", 0, "page number of the guest root page table.")
	f.Var(&d.images, "image", "raw file to load into guest memory, as path@gpa. May be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := output(d.stdout)

	ctx, err := startHypervisor(conf, out, d.images)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	defer ctx.Release()

	pagetables.DumpGuest(out, ctx.GuestMemory, d.satp<<12, 2, 0)
	return subcommands.ExitSuccess
}
