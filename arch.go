// Copyright (C) 2022 K2 Cyber Security Inc.

package vhook

import (
	"fmt"
	"runtime"
)

// Arch is the capability set of one CPU architecture. A strategy is
// selected once when the engine initializes and is used for every hook.
type Arch interface {
	// Name is the GOARCH style name of the architecture.
	Name() string
	// MinimumPatchSize is the number of bytes overwritten at a target. It
	// holds the largest redirect sequence the strategy can emit.
	MinimumPatchSize() int
	// CheckAddress rejects addresses the strategy cannot patch or jump to.
	CheckAddress(addr uintptr) error
	// EncodeNearJump encodes a single pc-relative branch from from to to,
	// reporting false when the displacement does not fit.
	EncodeNearJump(from, to uintptr) ([]byte, bool)
	// EncodeFarJump encodes an absolute, position independent jump to to.
	EncodeFarJump(to uintptr) []byte
	// BuildReturnSequence encodes the trampoline tail jumping back to to.
	BuildReturnSequence(to uintptr) []byte
	// DecodeBranch reports the destination of a branch emitted by this
	// strategy, or of a plain unconditional branch, at the start of code.
	DecodeBranch(code []byte, pc uintptr) (uintptr, bool)
	// Nop is the padding instruction.
	Nop() []byte
	// Disassemble decodes code located at pc.
	Disassemble(code []byte, pc uintptr) []Instruction
}

// Instruction is one decoded instruction of a patch window.
type Instruction struct {
	Addr uintptr
	Len  int
	Raw  uint32
	Text string
	// Relative means the instruction computes an address from the pc and
	// would be wrong once copied into a trampoline.
	Relative bool
	// Exit means the instruction leaves the function (return or tail jump).
	Exit bool
	// Err is set when the bytes could not be decoded.
	Err error
}

// ArchFor returns the strategy for a GOARCH name.
func ArchFor(goarch string) (Arch, error) {
	switch goarch {
	case "arm64":
		return A64{}, nil
	case "arm":
		return A32{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, goarch)
}

// HostArch returns the strategy for the running process.
func HostArch() (Arch, error) {
	return ArchFor(runtime.GOARCH)
}

// CheckWindow verifies that the instructions covering a patch window can be
// moved verbatim into a trampoline. Position dependent or undecodable
// instructions fail with ErrRelativeAddr, and a function exit before the
// last instruction of the window fails with ErrFunctionTooShort.
func CheckWindow(arch Arch, code []byte, pc uintptr) error {
	insts := arch.Disassemble(code, pc)
	covered := 0
	for i, in := range insts {
		if in.Err != nil {
			return fmt.Errorf("%w: cannot decode at %#x: %v", ErrRelativeAddr, in.Addr, in.Err)
		}
		if in.Relative {
			return fmt.Errorf("%w: %s at %#x", ErrRelativeAddr, in.Text, in.Addr)
		}
		if in.Exit && i != len(insts)-1 {
			return fmt.Errorf("%w: %s at %#x", ErrFunctionTooShort, in.Text, in.Addr)
		}
		covered += in.Len
	}
	if covered != len(code) {
		return fmt.Errorf("%w: window of %d bytes ends inside an instruction", ErrRelativeAddr, len(code))
	}
	return nil
}

func padTo(seq, nop []byte, size int) []byte {
	out := make([]byte, 0, size)
	out = append(out, seq...)
	for len(out)+len(nop) <= size {
		out = append(out, nop...)
	}
	return out
}
