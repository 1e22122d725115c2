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

package boot

import (
	"fmt"
	"io"
)

// Console is the UART the hypervisor prints through.
type Console struct {
	base uint64
	out  io.Writer
}

// NewConsole returns a console at physical address base that writes to out.
func NewConsole(base uint64, out io.Writer) *Console {
	return &Console{base: base, out: out}
}

// Base returns the address the console is reached at.
func (c *Console) Base() uint64 {
	return c.base
}

// Relocate moves the console to base. It is called once paging is on and
// the physical address is only reachable through the direct map.
func (c *Console) Relocate(base uint64) {
	c.base = base
}

// Printf writes formatted output to the console.
func (c *Console) Printf(format string, v ...any) {
	fmt.Fprintf(c.out, format, v...)
}
