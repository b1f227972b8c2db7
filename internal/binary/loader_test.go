package binary

import (
	stdbinary "encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 hand-assembles the smallest ELF64 little-endian
// executable debug/elf will parse: one PT_LOAD segment and a symtab /
// strtab / shstrtab section triple holding a single "main" function
// symbol at vaddr 0x1000, size 0x10.
func buildMinimalELF64() []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
		shdrSize = 64

		phdrOff = ehdrSize
	)

	shstrtab := []byte("\x00.shstrtab\x00.symtab\x00.strtab\x00") // len 27
	shstrtabOff := uint64(phdrOff + phdrSize)

	strtab := []byte("\x00main\x00") // len 6
	strtabOff := shstrtabOff + uint64(len(shstrtab))

	symtab := make([]byte, 24*2) // null symbol + "main"
	// Elf64_Sym for "main": st_name=1, st_info=(STB_GLOBAL<<4|STT_FUNC), st_other=0, st_shndx=1, st_value=0x1000, st_size=0x10.
	stdbinary.LittleEndian.PutUint32(symtab[24+0:24+4], 1)
	symtab[24+4] = 1<<4 | 2
	symtab[24+5] = 0
	stdbinary.LittleEndian.PutUint16(symtab[24+6:24+8], 1)
	stdbinary.LittleEndian.PutUint64(symtab[24+8:24+16], 0x1000)
	stdbinary.LittleEndian.PutUint64(symtab[24+16:24+24], 0x10)
	symtabOff := strtabOff + uint64(len(strtab))

	shdrOff := symtabOff + uint64(len(symtab))
	total := shdrOff + 4*shdrSize

	buf := make([]byte, total)

	// e_ident
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION
	buf[7] = 0 // EI_OSABI

	le := stdbinary.LittleEndian
	le.PutUint16(buf[16:18], 2)     // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 62)    // e_machine = EM_X86_64
	le.PutUint32(buf[20:24], 1)     // e_version
	le.PutUint64(buf[24:32], 0x1000) // e_entry
	le.PutUint64(buf[32:40], phdrOff)
	le.PutUint64(buf[40:48], shdrOff)
	le.PutUint32(buf[48:52], 0) // e_flags
	le.PutUint16(buf[52:54], ehdrSize)
	le.PutUint16(buf[54:56], phdrSize)
	le.PutUint16(buf[56:58], 1) // e_phnum
	le.PutUint16(buf[58:60], shdrSize)
	le.PutUint16(buf[60:62], 4) // e_shnum: null, shstrtab, symtab, strtab
	le.PutUint16(buf[62:64], 1) // e_shstrndx

	// Phdr: one PT_LOAD
	p := buf[phdrOff:]
	le.PutUint32(p[0:4], 1)   // PT_LOAD
	le.PutUint32(p[4:8], 5)   // PF_R | PF_X
	le.PutUint64(p[8:16], 0)  // p_offset
	le.PutUint64(p[16:24], 0x1000) // p_vaddr
	le.PutUint64(p[24:32], 0x1000) // p_paddr
	le.PutUint64(p[32:40], total)  // p_filesz
	le.PutUint64(p[40:48], 0x2000) // p_memsz
	le.PutUint64(p[48:56], 0x1000) // p_align

	copy(buf[shstrtabOff:], shstrtab)
	copy(buf[strtabOff:], strtab)
	copy(buf[symtabOff:], symtab)

	writeShdr := func(idx int, name, typ uint32, offset, size uint64, link, info uint32, addralign, entsize uint64) {
		s := buf[shdrOff+uint64(idx)*shdrSize:]
		le.PutUint32(s[0:4], name)
		le.PutUint32(s[4:8], typ)
		le.PutUint64(s[8:16], 0) // sh_flags
		le.PutUint64(s[16:24], 0) // sh_addr
		le.PutUint64(s[24:32], offset)
		le.PutUint64(s[32:40], size)
		le.PutUint32(s[40:44], link)
		le.PutUint32(s[44:48], info)
		le.PutUint64(s[48:56], addralign)
		le.PutUint64(s[56:64], entsize)
	}

	const (
		shtNull    = 0
		shtSymtab  = 2
		shtStrtab  = 3
	)
	writeShdr(0, 0, shtNull, 0, 0, 0, 0, 0, 0)
	writeShdr(1, 1, shtStrtab, shstrtabOff, uint64(len(shstrtab)), 0, 0, 1, 0)
	writeShdr(2, 11, shtSymtab, symtabOff, uint64(len(symtab)), 3, 1, 8, 24)
	writeShdr(3, 19, shtStrtab, strtabOff, uint64(len(strtab)), 0, 0, 1, 0)

	return buf
}

func TestLoadFromStaticSlice_ParsesSymbolTableAndLoadHeaders(t *testing.T) {
	raw := buildMinimalELF64()

	d, err := LoadFromStaticSlice("/bin/test-main", raw)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "amd64", d.Architecture)
	assert.True(t, d.Is64Bit)
	assert.False(t, d.IsSharedObject)
	assert.Equal(t, "test-main", d.Basename)

	require.Len(t, d.SymbolTables, 1)
	require.Len(t, d.LoadHeaders, 1)
	assert.Equal(t, uint64(0x1000), d.LoadHeaders[0].Address)
	assert.True(t, d.LoadHeaders[0].Executable)

	symtabBytes := d.Bytes(d.SymbolTables[0].Range)
	assert.Len(t, symtabBytes, 48)
	strtabBytes := d.Bytes(d.SymbolTables[0].StrtabRange)
	assert.Equal(t, []byte("\x00main\x00"), strtabBytes)
}

func TestLoadFromOwnedBytes_RejectsTruncatedData(t *testing.T) {
	_, err := LoadFromOwnedBytes("/bin/garbage", []byte{0x7f, 'E', 'L', 'F'})
	require.Error(t, err)
}

func TestLoadFromStaticSlice_SharedObject(t *testing.T) {
	raw := buildMinimalELF64()
	// Flip e_type to ET_DYN.
	stdbinary.LittleEndian.PutUint16(raw[16:18], 3)

	d, err := LoadFromStaticSlice("/lib/test.so", raw)
	require.NoError(t, err)
	defer d.Close()
	assert.True(t, d.IsSharedObject)
}
