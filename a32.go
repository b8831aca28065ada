// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

const (
	a32InsnLen = 4
	// LDR PC, [PC, #-4]
	a32LdrPC = uint32(0xe51ff004)
	// LDR R12, [PC, #0]
	a32LdrR12 = uint32(0xe59fc000)
	// BX R12
	a32BxR12 = uint32(0xe12fff1c)
	// MOV R0, R0
	a32Nop = uint32(0xe1a00000)
)

// A32 patches 32-bit ARM (A32 state) code. Thumb targets are refused.
//
// There is no single instruction reaching an arbitrary address, so the
// redirect is always
//
//	LDR PC, [PC, #-4]
//	.word dest
//
// and the trampoline tail goes through R12 (IP), the call scratch register:
//
//	LDR R12, [PC, #0]
//	BX  R12
//	.word dest
type A32 struct{}

func (A32) Name() string { return "arm" }

func (A32) MinimumPatchSize() int { return 8 }

func (A32) CheckAddress(addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("%w: null address", ErrInvalidArgument)
	}
	if addr&1 != 0 {
		return fmt.Errorf("%w: %#x is a thumb address", ErrUnsupportedMode, addr)
	}
	if addr%a32InsnLen != 0 {
		return fmt.Errorf("%w: %#x is not instruction aligned", ErrInvalidArgument, addr)
	}
	return nil
}

func (A32) EncodeNearJump(from, to uintptr) ([]byte, bool) {
	return nil, false
}

func (A32) EncodeFarJump(to uintptr) []byte {
	return a32Words(a32LdrPC, uint32(to))
}

func (A32) BuildReturnSequence(to uintptr) []byte {
	return a32Words(a32LdrR12, a32BxR12, uint32(to))
}

func (A32) DecodeBranch(code []byte, pc uintptr) (uintptr, bool) {
	if len(code) < a32InsnLen {
		return 0, false
	}
	insn := binary.LittleEndian.Uint32(code)
	switch {
	case insn&0xff000000 == 0xea000000:
		// B (always); the pc reads two instructions ahead
		off := int64(int32(insn<<8)>>8) << 2
		return uintptr(int64(pc) + 8 + off), true
	case insn == a32LdrPC && len(code) >= 8:
		return uintptr(binary.LittleEndian.Uint32(code[4:])), true
	case insn == a32LdrR12 && len(code) >= 12 && binary.LittleEndian.Uint32(code[4:]) == a32BxR12:
		return uintptr(binary.LittleEndian.Uint32(code[8:])), true
	}
	return 0, false
}

func (A32) Nop() []byte { return a32Words(a32Nop) }

func (A32) Disassemble(code []byte, pc uintptr) []Instruction {
	var out []Instruction
	for x := 0; x+a32InsnLen <= len(code); x += a32InsnLen {
		in := Instruction{
			Addr: pc + uintptr(x),
			Len:  a32InsnLen,
			Raw:  binary.LittleEndian.Uint32(code[x:]),
		}
		inst, err := armasm.Decode(code[x:], armasm.ModeARM)
		if err != nil {
			in.Err = err
			in.Text = fmt.Sprintf(".word %#08x", in.Raw)
			out = append(out, in)
			continue
		}
		in.Text = inst.String()
		in.Relative, in.Exit = a32Classify(inst)
		out = append(out, in)
	}
	return out
}

// a32Classify reports whether inst reads the pc and whether it writes it.
func a32Classify(inst armasm.Inst) (relative, exit bool) {
	op := inst.Op.String()
	if strings.HasPrefix(op, "BX") {
		exit = true
	}
	for i, a := range inst.Args {
		if a == nil {
			break
		}
		switch arg := a.(type) {
		case armasm.PCRel:
			relative = true
		case armasm.Mem:
			if arg.Base == armasm.PC || arg.Index == armasm.PC {
				relative = true
			}
		case armasm.RegShift:
			if arg.Reg == armasm.PC {
				relative = true
			}
		case armasm.RegShiftReg:
			if arg.Reg == armasm.PC || arg.RegCount == armasm.PC {
				relative = true
			}
		case armasm.RegList:
			if arg&(1<<15) != 0 {
				exit = true
			}
		case armasm.Reg:
			if arg != armasm.PC {
				continue
			}
			if i == 0 && !strings.HasPrefix(op, "STR") && !strings.HasPrefix(op, "CMP") && !strings.HasPrefix(op, "TST") {
				exit = true
			} else {
				relative = true
			}
		}
	}
	return relative, exit
}

func a32Words(words ...uint32) []byte {
	out := make([]byte, 0, len(words)*a32InsnLen)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}
