// Copyright (C) 2022 K2 Cyber Security Inc.

// Package elftest writes small AArch64 ELF libraries and maps files for
// tests. It is test support only; nothing outside _test.go files imports it.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// LinkBase is the virtual address of the library's only PT_LOAD segment.
const LinkBase = 0x10000

const (
	textOff  = 0x100
	strOff   = 0x200
	symOff   = 0x240
	shstrOff = 0x300
	shdrOff  = 0x340
	fileSize = shdrOff + 5*64
	symEntry = 24

	a64Ret = 0xd65f03c0
	a64Nop = 0xd503201f
)

// Symbols are the functions the library defines, by link time address.
// hookable has a plain prologue, uses_adrp loads a PC-relative page
// address in its second instruction and leaf returns at once.
var Symbols = map[string]uintptr{
	"hookable":  LinkBase + textOff,
	"uses_adrp": LinkBase + textOff + 32,
	"leaf":      LinkBase + textOff + 64,
}

// Text is the content of the .text section, 32 bytes per function.
func Text() []byte {
	return bytes.Join([][]byte{
		words(0xa9bf7bfd, 0x910003fd, 0xd10083ff, 0x8b010000, a64Ret, a64Nop, a64Nop, a64Nop),
		words(0xa9bf7bfd, 0x90000000, 0x910003fd, 0xd10083ff, a64Ret, a64Nop, a64Nop, a64Nop),
		words(a64Ret, a64Nop, a64Nop, a64Nop, a64Nop, a64Nop, a64Nop, a64Nop),
	}, nil)
}

// Code returns the first n bytes of the named function.
func Code(symbol string, n int) []byte {
	off := Symbols[symbol] - LinkBase - textOff
	return Text()[off : off+uintptr(n)]
}

func words(ws ...uint32) []byte {
	var b []byte
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// WriteLibrary writes the library as name in dir and returns its path.
// It carries a static symbol table and no dynamic one.
func WriteLibrary(t testing.TB, dir, name string) string {
	t.Helper()
	text := Text()
	strtab := []byte("\x00hookable\x00uses_adrp\x00leaf\x00")
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

	buf := make([]byte, fileSize)
	put := func(off int, v any) {
		var b bytes.Buffer
		require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
		copy(buf[off:], b.Bytes())
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     shdrOff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     5,
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(0, hdr)
	put(64, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  LinkBase,
		Paddr:  LinkBase,
		Filesz: strOff,
		Memsz:  strOff,
		Align:  0x1000,
	})
	copy(buf[textOff:], text)
	copy(buf[strOff:], strtab)
	copy(buf[shstrOff:], shstrtab)

	info := elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
	for i, s := range []elf.Sym64{
		{},
		{Name: 1, Info: info, Shndx: 1, Value: uint64(Symbols["hookable"]), Size: 32},
		{Name: 10, Info: info, Shndx: 1, Value: uint64(Symbols["uses_adrp"]), Size: 32},
		{Name: 20, Info: info, Shndx: 1, Value: uint64(Symbols["leaf"]), Size: 32},
	} {
		put(symOff+i*symEntry, s)
	}

	for i, s := range []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: LinkBase + textOff, Off: textOff, Size: uint64(len(text)), Addralign: 4},
		{Name: 7, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: 4 * symEntry,
			Link: 3, Info: 1, Addralign: 8, Entsize: symEntry},
		{Name: 15, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
		{Name: 23, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	} {
		put(shdrOff+i*64, s)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// WriteMaps writes a maps file in dir with library mapped at base, between
// unrelated mappings, and returns its path.
func WriteMaps(t testing.TB, dir, library string, base uintptr) string {
	t.Helper()
	content := fmt.Sprintf("%08x-%08x r--p 00000000 00:00 0 [vvar]\n", base-0x3000, base-0x1000) +
		fmt.Sprintf("%08x-%08x r-xp 00000000 fd:01 4242 %s\n", base, base+0x1000, library) +
		fmt.Sprintf("%08x-%08x rw-p 00000000 00:00 0 [stack]\n", base+0x8000, base+0x9000)
	path := filepath.Join(dir, "maps")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
