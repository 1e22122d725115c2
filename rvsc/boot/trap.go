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
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/ring0"
)

// HandleSfenceVMA emulates a guest sfence.vma. The operands are ignored:
// every shadow mapping is discarded.
func HandleSfenceVMA(ctx *Context, insn ring0.SfenceVMA) {
	if insn.Global() {
		log.Debugf("Trap: %v, global", insn)
	} else {
		log.Debugf("Trap: %v, flushing every address", insn)
	}
	ctx.PageTables.Flush(ctx.CPU)
}
