package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/demangle"
	"github.com/nperf/collate/internal/kallsyms"
	"github.com/nperf/collate/internal/rangemap"
)

var binID = archive.BinaryID{Inode: 1, DevMajor: 8, DevMinor: 1}

// fakeLookup implements BinaryLookup with canned answers, so each
// precedence tier can be tested in isolation.
type fakeLookup struct {
	region  archive.BinaryID
	hasReg  bool
	base    uint64
	hasBase bool

	debugIdx  int
	debugName string
	hasDebug  bool

	origIdx  int
	origName string
	hasOrig  bool

	asID      archive.BinaryID
	asIdx     int
	asName    string
	hasAS     bool
}

func (f fakeLookup) RegionBinary(uint64) (archive.BinaryID, bool) { return f.region, f.hasReg }
func (f fakeLookup) BaseAddress(archive.BinaryID) (uint64, bool)  { return f.base, f.hasBase }
func (f fakeLookup) LookupDebug(archive.BinaryID, uint64) (int, string, bool) {
	return f.debugIdx, f.debugName, f.hasDebug
}
func (f fakeLookup) LookupOriginal(archive.BinaryID, uint64) (int, string, bool) {
	return f.origIdx, f.origName, f.hasOrig
}
func (f fakeLookup) LookupAddressSpace(uint64) (archive.BinaryID, int, string, bool) {
	return f.asID, f.asIdx, f.asName, f.hasAS
}

func TestUser_NoRegionYieldsUser(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	frame, discard := c.User(0x1000, fakeLookup{})
	require.False(t, discard)
	assert.Equal(t, KindUser, frame.Kind)
	assert.Equal(t, uint64(0x1000), frame.Address)
}

func TestUser_RegionButNoSymbolYieldsUserBinary(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	l := fakeLookup{region: binID, hasReg: true, base: 0x400000, hasBase: true}
	frame, discard := c.User(0x401000, l)
	require.False(t, discard)
	assert.Equal(t, KindUserBinary, frame.Kind)
	assert.Equal(t, binID, frame.BinaryID)
	assert.Equal(t, uint64(0x401000), frame.Address)
}

func TestUser_PrecedenceDebugBeatsOriginalAndAddressSpace(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	l := fakeLookup{
		region: binID, hasReg: true, base: 0x400000, hasBase: true,
		debugIdx: 1, debugName: "debug_fn", hasDebug: true,
		origIdx: 2, origName: "orig_fn", hasOrig: true,
		asID: binID, asIdx: 3, asName: "as_fn", hasAS: true,
	}
	frame, discard := c.User(0x401000, l)
	require.False(t, discard)
	require.Equal(t, KindUserSymbol, frame.Kind)
	assert.Equal(t, SourceDebug, frame.Source)
	assert.Equal(t, 1, frame.SymbolIndex)
}

func TestUser_PrecedenceOriginalBeatsAddressSpaceWhenNoDebug(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	l := fakeLookup{
		region: binID, hasReg: true, base: 0x400000, hasBase: true,
		origIdx: 2, origName: "orig_fn", hasOrig: true,
		asID: binID, asIdx: 3, asName: "as_fn", hasAS: true,
	}
	frame, discard := c.User(0x401000, l)
	require.False(t, discard)
	require.Equal(t, KindUserSymbol, frame.Kind)
	assert.Equal(t, SourceOriginal, frame.Source)
}

func TestUser_FallsBackToAddressSpace(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	l := fakeLookup{
		region: binID, hasReg: true, base: 0x400000, hasBase: true,
		asID: binID, asIdx: 3, asName: "as_fn", hasAS: true,
	}
	frame, discard := c.User(0x401000, l)
	require.False(t, discard)
	require.Equal(t, KindUserSymbol, frame.Kind)
	assert.Equal(t, SourceAddressSpace, frame.Source)
}

func TestUser_NoBaseAddressPanics(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	l := fakeLookup{region: binID, hasReg: true, hasBase: false}
	assert.Panics(t, func() {
		c.User(0x401000, l)
	})
}

func TestUser_OmitRegexDiscardsWholeStack(t *testing.T) {
	c := New(nil, demangle.New(), []string{"^orig_fn$"})
	l := fakeLookup{
		region: binID, hasReg: true, base: 0x400000, hasBase: true,
		origIdx: 2, origName: "orig_fn", hasOrig: true,
	}
	_, discard := c.User(0x401000, l)
	assert.True(t, discard)
}

func TestKernel_SymbolHitAndMiss(t *testing.T) {
	m := rangemap.New[kallsyms.Symbol]()
	require.NoError(t, m.Push(0x1000, 0x2000, kallsyms.Symbol{Address: 0x1000, Name: "sys_nanosleep"}))

	c := New(m, demangle.New(), nil)
	hit := c.Kernel(0x1500)
	assert.Equal(t, KindKernelSymbol, hit.Kind)

	miss := c.Kernel(0x9000)
	assert.Equal(t, KindKernel, miss.Kind)
	assert.Equal(t, uint64(0x9000), miss.Address)
}

func TestThreadMarker_MainThreadVsNamed(t *testing.T) {
	c := New(nil, demangle.New(), nil)
	main := c.ThreadMarker(100, 100, "")
	assert.Equal(t, KindMainThread, main.Kind)

	worker := c.ThreadMarker(100, 101, "another thread")
	assert.Equal(t, KindThread, worker.Kind)
	assert.Equal(t, "another thread", worker.Name)
}
