// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	a64InsnLen = 4
	// B imm26
	a64B = uint32(0x14000000)
	// LDR X17, #8
	a64LdrX17 = uint32(0x58000051)
	// BR X17
	a64BrX17 = uint32(0xd61f0220)
	a64Nop   = uint32(0xd503201f)

	a64BranchRange = 1 << 27
)

// A64 patches 64-bit ARM code.
//
// The redirect is a single B when the replacement lies within ±128 MiB of
// the target, otherwise the absolute sequence
//
//	LDR X17, #8
//	BR  X17
//	.quad dest
//
// X17 is the intra-procedure-call scratch register, free at a function entry.
type A64 struct{}

func (A64) Name() string { return "arm64" }

// MinimumPatchSize holds the absolute sequence: two instructions and an
// 8-byte literal.
func (A64) MinimumPatchSize() int { return 16 }

func (A64) CheckAddress(addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("%w: null address", ErrInvalidArgument)
	}
	if addr%a64InsnLen != 0 {
		return fmt.Errorf("%w: %#x is not instruction aligned", ErrInvalidArgument, addr)
	}
	return nil
}

func (A64) EncodeNearJump(from, to uintptr) ([]byte, bool) {
	off := int64(to) - int64(from)
	if off%a64InsnLen != 0 || off < -a64BranchRange || off >= a64BranchRange {
		return nil, false
	}
	return a64Words(a64B | uint32(off>>2)&0x03ffffff), true
}

func (A64) EncodeFarJump(to uintptr) []byte {
	seq := a64Words(a64LdrX17, a64BrX17)
	return binary.LittleEndian.AppendUint64(seq, uint64(to))
}

func (a A64) BuildReturnSequence(to uintptr) []byte {
	return a.EncodeFarJump(to)
}

func (A64) DecodeBranch(code []byte, pc uintptr) (uintptr, bool) {
	if len(code) < a64InsnLen {
		return 0, false
	}
	insn := binary.LittleEndian.Uint32(code)
	if insn&0xfc000000 == a64B {
		// sign extend imm26 and scale to bytes
		off := int64(int32(insn<<6)>>6) << 2
		return uintptr(int64(pc) + off), true
	}
	if insn == a64LdrX17 && len(code) >= 16 && binary.LittleEndian.Uint32(code[4:]) == a64BrX17 {
		return uintptr(binary.LittleEndian.Uint64(code[8:])), true
	}
	return 0, false
}

func (A64) Nop() []byte { return a64Words(a64Nop) }

func (A64) Disassemble(code []byte, pc uintptr) []Instruction {
	var out []Instruction
	for x := 0; x+a64InsnLen <= len(code); x += a64InsnLen {
		in := Instruction{
			Addr: pc + uintptr(x),
			Len:  a64InsnLen,
			Raw:  binary.LittleEndian.Uint32(code[x:]),
		}
		inst, err := arm64asm.Decode(code[x:])
		if err != nil {
			in.Err = err
			in.Text = fmt.Sprintf(".word %#08x", in.Raw)
			out = append(out, in)
			continue
		}
		in.Text = inst.String()
		for _, a := range inst.Args {
			if a == nil {
				break
			}
			if _, ok := a.(arm64asm.PCRel); ok {
				in.Relative = true
			}
		}
		switch inst.Op {
		case arm64asm.RET, arm64asm.BR, arm64asm.ERET, arm64asm.B:
			in.Exit = true
		}
		out = append(out, in)
	}
	return out
}

func a64Words(words ...uint32) []byte {
	out := make([]byte, 0, len(words)*a64InsnLen)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
