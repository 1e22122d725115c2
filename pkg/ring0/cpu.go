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

// Package ring0 models the supervisor-visible state of a RISC-V hart that the
// hypervisor manipulates directly: the satp CSR and address translation
// fences.
package ring0

import (
	"fmt"
)

const (
	// SATPModeShift is the position of the MODE field in satp.
	SATPModeShift = 60

	// SATPModeSv39 selects Sv39 translation.
	SATPModeSv39 = 8

	// satpPPNMask covers the root page number field of satp.
	satpPPNMask = 1<<44 - 1
)

// MakeSATP returns the Sv39 satp value for the root table at rootPA.
func MakeSATP(rootPA uint64) uint64 {
	return SATPModeSv39<<SATPModeShift | rootPA>>12
}

// SATPRoot returns the physical address of the root table selected by satp.
func SATPRoot(satp uint64) uint64 {
	return (satp & satpPPNMask) << 12
}

// SATPMode returns the translation mode selected by satp.
func SATPMode(satp uint64) uint64 {
	return satp >> SATPModeShift
}

// CPU is a single hart.
//
// CPU is not safe for concurrent use; it is only touched from the hart's own
// trap path.
type CPU struct {
	// satp is the current value of the satp CSR.
	satp uint64

	// satpWrites counts writes to satp.
	satpWrites uint64

	// fences counts executed sfence.vma instructions.
	fences uint64
}

// SATP returns the current satp value.
func (c *CPU) SATP() uint64 {
	return c.satp
}

// SetSATP writes satp.
func (c *CPU) SetSATP(v uint64) {
	c.satp = v
	c.satpWrites++
}

// FenceVMA executes a global sfence.vma, discarding all cached translations.
func (c *CPU) FenceVMA() {
	c.fences++
}

// SATPWrites returns the number of satp writes so far.
func (c *CPU) SATPWrites() uint64 {
	return c.satpWrites
}

// Fences returns the number of fences executed so far.
func (c *CPU) Fences() uint64 {
	return c.fences
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("satp=%#x (mode %d, root %#x) writes=%d fences=%d",
		c.satp, SATPMode(c.satp), SATPRoot(c.satp), c.satpWrites, c.fences)
}
