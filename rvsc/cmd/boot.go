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
	"rvisor.dev/rvisor/rvsc/cmd/util"
	"rvisor.dev/rvisor/rvsc/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	dump   bool
	sfence int
	insns  sfenceList

	// stdout overrides os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "builds the shadow page tables and reports their state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-dump] [-sfence N] [-insn encoding]... - boots on the configured layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "dump every shadow root after booting.")
	f.IntVar(&b.sfence, "sfence", 0, "number of guest sfence.vma traps to deliver after booting.")
	f.Var(&b.insns, "insn", "raw sfence.vma encoding to deliver as a trap after booting. May be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || b.sfence < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := output(b.stdout)

	ctx, err := startHypervisor(conf, out, nil)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	defer ctx.Release()
	runSfence(ctx, b.sfence, b.insns)

	ctx.Console.Printf("layout: %v\n", ctx.Meta)
	ctx.Console.Printf("cpu: %v\n", ctx.CPU)
	ctx.Console.Printf("free page table pages: %d\n", ctx.PageTables.FreePages())
	if b.dump {
		ctx.DumpRoots(out)
	}
	return subcommands.ExitSuccess
}
