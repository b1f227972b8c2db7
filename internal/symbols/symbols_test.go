package symbols

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	binarypkg "github.com/nperf/collate/internal/binary"
)

const (
	testSttFunc    = 2
	testSttObject  = 1
	testSttNotype  = 0
	testSttSection = 3

	testStbLocal  = 0
	testStbGlobal = 1
)

func info(bind, typ uint8) uint8 { return bind<<4 | typ }

func putElf64Sym(buf []byte, nameOff uint32, bindType uint8, value, size uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], nameOff)
	buf[4] = bindType
	buf[5] = 0
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], value)
	binary.LittleEndian.PutUint64(buf[16:24], size)
}

func putElf32Sym(buf []byte, nameOff uint32, bindType uint8, value, size uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], nameOff)
	binary.LittleEndian.PutUint32(buf[4:8], value)
	binary.LittleEndian.PutUint32(buf[8:12], size)
	buf[12] = bindType
	buf[13] = 0
	binary.LittleEndian.PutUint16(buf[14:16], 0)
}

// buildStrtab returns the raw string-table bytes and a map from name to
// its offset, starting with the mandatory leading NUL.
func buildStrtab(names ...string) ([]byte, map[string]uint32) {
	offsets := map[string]uint32{}
	buf := []byte{0}
	for _, n := range names {
		offsets[n] = uint32(len(buf))
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

func TestBuild_DecodesElf64AndFiltersByTypeAndBind(t *testing.T) {
	strtabBytes, off := buildStrtab("main", "skip_notype", "skip_section")

	symtab := make([]byte, elf64SymSize*3)
	putElf64Sym(symtab[0*elf64SymSize:], off["main"], info(testStbGlobal, testSttFunc), 0x1000, 0x40)
	putElf64Sym(symtab[1*elf64SymSize:], off["skip_notype"], info(testStbGlobal, testSttNotype), 0x2000, 0x10)
	putElf64Sym(symtab[2*elf64SymSize:], off["skip_section"], info(testStbGlobal, testSttSection), 0x3000, 0x10)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)

	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	s, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	idx, ok := s.GetSymbolIndex(0x1020)
	require.True(t, ok)
	addr, size, name, ok := s.GetSymbolByIndex(idx)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), addr)
	assert.Equal(t, uint64(0x40), size)
	assert.Equal(t, "main", name)
}

func TestBuild_DropsZeroSizeNonFunc(t *testing.T) {
	strtabBytes, off := buildStrtab("data_sym")

	symtab := make([]byte, elf64SymSize)
	putElf64Sym(symtab, off["data_sym"], info(testStbGlobal, testSttObject), 0x4000, 0)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)
	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	s, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestBuild_FiltersOutsideLoadSegments(t *testing.T) {
	strtabBytes, off := buildStrtab("in_segment", "out_of_segment")

	symtab := make([]byte, elf64SymSize*2)
	putElf64Sym(symtab[0:], off["in_segment"], info(testStbGlobal, testSttFunc), 0x1000, 0x10)
	putElf64Sym(symtab[elf64SymSize:], off["out_of_segment"], info(testStbGlobal, testSttFunc), 0x9000, 0x10)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)
	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	headers := []binarypkg.LoadHeader{{Address: 0x1000, MemorySize: 0x1000, Executable: true}}

	s, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, headers)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	_, _, name, ok := s.GetSymbolByIndex(0)
	require.True(t, ok)
	assert.Equal(t, "in_segment", name)
}

func TestBuild_DecodesElf32(t *testing.T) {
	strtabBytes, off := buildStrtab("thirtytwo")

	symtab := make([]byte, elf32SymSize)
	putElf32Sym(symtab, off["thirtytwo"], info(testStbGlobal, testSttFunc), 0x400000, 0x20)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)
	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	s, err := Build(descs, symtabChunks, strtabChunks, false, binary.LittleEndian, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	idx, ok := s.GetSymbolIndex(0x400010)
	require.True(t, ok)
	addr, size, name, ok := s.GetSymbolByIndex(idx)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), addr)
	assert.Equal(t, uint64(0x20), size)
	assert.Equal(t, "thirtytwo", name)
}

func TestGetSymbolIndex_TieBreaksTowardTighterBound(t *testing.T) {
	strtabBytes, off := buildStrtab("outer", "inner")

	symtab := make([]byte, elf64SymSize*2)
	// Two symbols start at the same address; the larger covers a wider
	// range (an enclosing function), the smaller a tighter one (e.g. an
	// alias or a nested local). The tighter one should win the lookup.
	putElf64Sym(symtab[0:], off["outer"], info(testStbGlobal, testSttFunc), 0x1000, 0x100)
	putElf64Sym(symtab[elf64SymSize:], off["inner"], info(testStbGlobal, testSttFunc), 0x1000, 0x10)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)
	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	s, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, nil)
	require.NoError(t, err)

	idx, ok := s.GetSymbolIndex(0x1005)
	require.True(t, ok)
	_, _, name, ok := s.GetSymbolByIndex(idx)
	require.True(t, ok)
	assert.Equal(t, "inner", name)

	// Past the tighter symbol's end but still within the outer one.
	idx, ok = s.GetSymbolIndex(0x1050)
	require.True(t, ok)
	_, _, name, ok = s.GetSymbolByIndex(idx)
	require.True(t, ok)
	assert.Equal(t, "outer", name)
}

func TestGetSymbolIndex_NoCoveringSymbol(t *testing.T) {
	strtabBytes, off := buildStrtab("only")

	symtab := make([]byte, elf64SymSize)
	putElf64Sym(symtab, off["only"], info(testStbGlobal, testSttFunc), 0x1000, 0x10)

	symtabChunks := binarypkg.NewChunks()
	symtabChunks.Add(0, symtab)
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, strtabBytes)
	symRange, _ := symtabChunks.RangeByOffset(0)
	strRange, _ := strtabChunks.RangeByOffset(0)
	descs := []binarypkg.TableDesc{{Range: symRange, StrtabRange: strRange}}

	s, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, nil)
	require.NoError(t, err)

	_, ok := s.GetSymbolIndex(0x5000)
	assert.False(t, ok)
}

func TestBuild_MissingSymtabBytesIsError(t *testing.T) {
	symtabChunks := binarypkg.NewChunks()
	strtabChunks := binarypkg.NewChunks()
	strtabChunks.Add(0, []byte{0})

	descs := []binarypkg.TableDesc{{Range: binarypkg.Range{Start: 0, End: 24}, StrtabRange: binarypkg.Range{Start: 0, End: 1}}}

	_, err := Build(descs, symtabChunks, strtabChunks, true, binary.LittleEndian, nil)
	require.Error(t, err)
}
