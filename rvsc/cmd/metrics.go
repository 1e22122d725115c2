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
	"time"

	"github.com/google/subcommands"
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/prometheus"
	"rvisor.dev/rvisor/rvsc/cmd/util"
	"rvisor.dev/rvisor/rvsc/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	sfence int
	insns  sfenceList

	// stdout overrides os.Stdout.
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "boots and prints metric data in Prometheus metric format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-sfence N] [-insn encoding]... - boots, delivers sfence.vma traps and exports metrics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.sfence, "sfence", 0, "number of guest sfence.vma traps to deliver before exporting.")
	f.Var(&m.insns, "insn", "raw sfence.vma encoding to deliver as a trap before exporting. May be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.sfence < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := output(m.stdout)

	ctx, err := startHypervisor(conf, io.Discard, nil)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	defer ctx.Release()
	runSfence(ctx, m.sfence, m.insns)
	metric.EmitMetricUpdate()

	opts := prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("rvsc metrics exported at %s", time.Now().UTC().Format(time.RFC3339)),
		ExporterPrefix: conf.MetricsPrefix,
	}
	if err := prometheus.Write(out, metric.GetSnapshot(), opts); err != nil {
		util.Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
