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

package ring0

import (
	"fmt"
)

// Fields of the sfence.vma encoding.
const (
	opcodeSystem    = 0x73
	funct7SfenceVMA = 0x09

	opcodeMask = 0x7f
	regMask    = 0x1f
)

// SfenceVMA is a decoded sfence.vma instruction.
//
// RS1 names the register holding the virtual address to flush and RS2 the
// register holding the ASID; register zero means "all".
type SfenceVMA struct {
	RS1 uint8
	RS2 uint8
}

// Global returns true if the instruction flushes every address and ASID.
func (s SfenceVMA) Global() bool {
	return s.RS1 == 0 && s.RS2 == 0
}

// Encode returns the 32-bit encoding of s.
func (s SfenceVMA) Encode() uint32 {
	return funct7SfenceVMA<<25 | uint32(s.RS2&regMask)<<20 | uint32(s.RS1&regMask)<<15 | opcodeSystem
}

// String implements fmt.Stringer.String.
func (s SfenceVMA) String() string {
	return fmt.Sprintf("sfence.vma x%d, x%d", s.RS1, s.RS2)
}

// DecodeSfenceVMA decodes raw as sfence.vma. It returns false if raw is any
// other instruction.
func DecodeSfenceVMA(raw uint32) (SfenceVMA, bool) {
	if raw&opcodeMask != opcodeSystem {
		return SfenceVMA{}, false
	}
	rd := (raw >> 7) & regMask
	funct3 := (raw >> 12) & 0x7
	funct7 := raw >> 25
	if rd != 0 || funct3 != 0 || funct7 != funct7SfenceVMA {
		return SfenceVMA{}, false
	}
	return SfenceVMA{
		RS1: uint8((raw >> 15) & regMask),
		RS2: uint8((raw >> 20) & regMask),
	}, true
}
