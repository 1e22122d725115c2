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

package pagetables

import (
	"rvisor.dev/rvisor/pkg/metric"
	"rvisor.dev/rvisor/pkg/ring0"
)

// Hart is the translation state of the hart running the hypervisor.
type Hart interface {
	// SATP returns the current satp value.
	SATP() uint64

	// SetSATP writes satp.
	SetSATP(uint64)

	// FenceVMA discards all cached translations.
	FenceVMA()
}

var (
	rootInstalls = metric.MustCreateNewUint64Metric("/pagetables/root_installs", "Number of satp writes that switched the active root.")
	flushes      = metric.MustCreateNewUint64Metric("/pagetables/flushes", "Number of shadow page table flushes.")
)

// shadowRoots are the roots whose guest half is discarded by Flush.
var shadowRoots = [...]Root{UVA, KVA, MVA}

// InstallRoot makes root the active address space on h. If it already is,
// InstallRoot does nothing.
func (p *PageTables) InstallRoot(h Hart, root Root) {
	satp := ring0.MakeSATP(p.roots[root])
	if h.SATP() == satp {
		return
	}
	h.SetSATP(satp)
	h.FenceVMA()
	rootInstalls.Increment()
}

// Flush discards every shadow mapping below the direct map in UVA, KVA and
// MVA, then fences once. MPA and the shared kernel slots are preserved.
func (p *PageTables) Flush(h Hart) {
	for _, r := range shadowRoots {
		p.ClearRange(p.roots[r], 0, DirectMapSlot)
	}
	h.FenceVMA()
	flushes.Increment()
}
