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

// Package cmd holds implementations of the rvsc commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/ring0"
	"rvisor.dev/rvisor/rvsc/boot"
	"rvisor.dev/rvisor/rvsc/config"
)

// image is a raw file loaded into guest memory at a guest physical address.
type image struct {
	path string
	gpa  uint64
}

// imageList implements flag.Value for repeated -image path@gpa flags.
type imageList []image

// String implements flag.Value.String.
func (l *imageList) String() string {
	var s []string
	for _, im := range *l {
		s = append(s, fmt.Sprintf("%s@%#x", im.path, im.gpa))
	}
	return strings.Join(s, ",")
}

// Set implements flag.Value.Set.
func (l *imageList) Set(v string) error {
	i := strings.LastIndexByte(v, '@')
	if i <= 0 {
		return fmt.Errorf("image %q is not of the form path@address", v)
	}
	gpa, err := parseAddr(v[i+1:])
	if err != nil {
		return fmt.Errorf("image %q: %w", v, err)
	}
	*l = append(*l, image{path: v[:i], gpa: gpa})
	return nil
}

// sfenceList implements flag.Value for repeated -insn flags, each a raw
// sfence.vma encoding.
type sfenceList []ring0.SfenceVMA

// String implements flag.Value.String.
func (l *sfenceList) String() string {
	var s []string
	for _, insn := range *l {
		s = append(s, fmt.Sprintf("%#x", insn.Encode()))
	}
	return strings.Join(s, ",")
}

// Set implements flag.Value.Set.
func (l *sfenceList) Set(v string) error {
	raw, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid instruction %q: %w", v, err)
	}
	insn, ok := ring0.DecodeSfenceVMA(uint32(raw))
	if !ok {
		return fmt.Errorf("instruction %#x is not sfence.vma", raw)
	}
	*l = append(*l, insn)
	return nil
}

// parseAddr parses a decimal, 0x hex or 0o octal address.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// startHypervisor boots on the layout named by conf and loads images into
// guest memory.
func startHypervisor(conf *config.Config, out io.Writer, images imageList) (*boot.Context, error) {
	meta, err := conf.Machine()
	if err != nil {
		return nil, err
	}
	arena, err := boot.NewArena(meta)
	if err != nil {
		return nil, err
	}
	ctx := boot.Init(arena, meta, &ring0.CPU{}, boot.NewConsole(meta.UARTBase, out))
	for _, im := range images {
		if err := ctx.LoadImage(im.path, im.gpa); err != nil {
			ctx.Release()
			return nil, err
		}
	}
	return ctx, nil
}

// runSfence delivers n global sfence.vma traps followed by one trap per
// decoded instruction in insns.
func runSfence(ctx *boot.Context, n int, insns sfenceList) {
	for i := 0; i < n; i++ {
		boot.HandleSfenceVMA(ctx, ring0.SfenceVMA{})
	}
	for _, insn := range insns {
		boot.HandleSfenceVMA(ctx, insn)
	}
	if total := n + len(insns); total > 0 {
		log.Infof("Handled %d sfence.vma traps, %v", total, ctx.CPU)
	}
}

// output returns w, or os.Stdout if w is nil.
func output(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
