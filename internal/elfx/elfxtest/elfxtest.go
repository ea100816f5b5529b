// Package elfxtest assembles minimal static x86-64 executables for tests.
package elfxtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	// Base is where the single load segment is mapped.
	Base = 0x400000
	// CodeOff is the file offset of the code; CodeVA is its address.
	CodeOff = 0x80
	CodeVA  = Base + CodeOff
)

// Symbol is a function symbol relative to the start of the code.
type Symbol struct {
	Name      string
	Off, Size uint64
}

// Static returns an ET_EXEC image whose one R+X PT_LOAD segment holds code at
// CodeVA, with .text, .symtab, .strtab and .shstrtab sections. The entry point
// is CodeVA.
func Static(code []byte, syms ...Symbol) []byte {
	var body bytes.Buffer
	body.Write(make([]byte, CodeOff))
	body.Write(code)
	loadEnd := uint64(body.Len())

	align(&body, 8)
	symOff := uint64(body.Len())
	strtab := []byte{0}
	write(&body, elf.Sym64{})
	for _, s := range syms {
		write(&body, elf.Sym64{
			Name:  uint32(len(strtab)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: CodeVA + s.Off,
			Size:  s.Size,
		})
		strtab = append(append(strtab, s.Name...), 0)
	}
	symSize := uint64(body.Len()) - symOff

	strOff := uint64(body.Len())
	body.Write(strtab)

	names := []string{"", ".text", ".symtab", ".strtab", ".shstrtab"}
	shstr := []byte{}
	nameOff := make([]uint32, len(names))
	for i, n := range names {
		nameOff[i] = uint32(len(shstr))
		shstr = append(append(shstr, n...), 0)
	}
	shstrOff := uint64(body.Len())
	body.Write(shstr)

	align(&body, 8)
	shOff := uint64(body.Len())
	write(&body, elf.Section64{})
	write(&body, elf.Section64{
		Name: nameOff[1], Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addr:  CodeVA, Off: CodeOff, Size: uint64(len(code)), Addralign: 16,
	})
	write(&body, elf.Section64{
		Name: nameOff[2], Type: uint32(elf.SHT_SYMTAB),
		Off: symOff, Size: symSize, Link: 3, Info: 1, Addralign: 8, Entsize: 24,
	})
	write(&body, elf.Section64{
		Name: nameOff[3], Type: uint32(elf.SHT_STRTAB),
		Off: strOff, Size: uint64(len(strtab)), Addralign: 1,
	})
	write(&body, elf.Section64{
		Name: nameOff[4], Type: uint32(elf.SHT_STRTAB),
		Off: shstrOff, Size: uint64(len(shstr)), Addralign: 1,
	})

	img := body.Bytes()
	var head bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     CodeVA,
		Phoff:     64,
		Shoff:     shOff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(names)),
		Shstrndx:  uint16(len(names) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	write(&head, hdr)
	write(&head, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  Base,
		Paddr:  Base,
		Filesz: loadEnd,
		Memsz:  loadEnd,
		Align:  0x1000,
	})
	copy(img, head.Bytes())
	return img
}

// Write stores Static(code, syms...) as an executable file in a temporary
// directory and returns its path.
func Write(t testing.TB, code []byte, syms ...Symbol) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, Static(code, syms...), 0o755))
	return path
}

func write(b *bytes.Buffer, v any) {
	if err := binary.Write(b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func align(b *bytes.Buffer, n int) {
	for b.Len()%n != 0 {
		b.WriteByte(0)
	}
}
