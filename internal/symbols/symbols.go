// Package symbols builds a sorted address->symbol index from one or more
// ELF symbol tables. It is used both for binaries loaded whole from disk
// (the debuglink resolver, preloaded BinaryBlob sources) and for
// binaries whose symbol tables arrive piecemeal as archive packets (the
// replay engine) -- both paths funnel through Build, which only needs
// byte-range access to the tables, not a whole ELF file.
package symbols

import (
	stdbinary "encoding/binary"
	"fmt"
	"sort"

	"github.com/nperf/collate/internal/binary"
	"github.com/nperf/collate/internal/errs"
)

// elf32SymSize/elf64SymSize are the on-disk widths of Elf32_Sym/Elf64_Sym.
const (
	elf32SymSize = 16
	elf64SymSize = 24
)

// ELF st_info bind/type accessors (avoiding a dependency on debug/elf's
// unexported packing helpers).
func stBind(info uint8) uint8 { return info >> 4 }
func stType(info uint8) uint8 { return info & 0xf }

const (
	sttNotype  = 0
	sttFunc    = 2
	sttSection = 3

	stbLocal  = 0
	stbGlobal = 1
	stbWeak   = 2
)

// ByteRangeReader serves back the bytes of an exact byte range it was
// previously given (binary.Data satisfies this over a whole ELF blob;
// binary.Chunks satisfies it over packet-accumulated fragments).
type ByteRangeReader interface {
	Bytes(r binary.Range) []byte
}

type entry struct {
	addr        uint64
	size        uint64
	nameOffset  uint32
	isDynamic   bool
	strtabRange binary.Range
}

// Symbols is an immutable, sorted index over one binary's symbol tables.
// Once built it never changes.
type Symbols struct {
	entries []entry
	strtab  ByteRangeReader
}

// inLoadSegment reports whether [start, start+size) falls entirely
// within some PT_LOAD segment's virtual-address range. Entries that
// don't are dropped: they're artifacts (debug-only symbols, absolute
// constants) rather than code or data actually mapped at runtime.
func inLoadSegment(headers []binary.LoadHeader, start, size uint64) bool {
	end := start + size
	for _, h := range headers {
		if start >= h.Address && end <= h.Address+h.MemorySize {
			return true
		}
	}
	return false
}

// Build decodes every table in descs from symtabSrc (the raw symbol-table
// bytes, which may be discarded by the caller immediately after Build
// returns) and retains strtabSrc for later name lookups via
// GetSymbolByIndex.
func Build(descs []binary.TableDesc, symtabSrc, strtabSrc ByteRangeReader, is64Bit bool, order stdbinary.ByteOrder, loadHeaders []binary.LoadHeader) (*Symbols, error) {
	s := &Symbols{strtab: strtabSrc}

	entrySize := elf32SymSize
	if is64Bit {
		entrySize = elf64SymSize
	}

	for _, desc := range descs {
		raw := symtabSrc.Bytes(desc.Range)
		if raw == nil {
			return nil, fmt.Errorf("%w: missing symbol table bytes for range %+v", errs.ErrArchivePacket, desc.Range)
		}
		if strtabSrc.Bytes(desc.StrtabRange) == nil {
			return nil, fmt.Errorf("%w: missing string table bytes for range %+v", errs.ErrArchivePacket, desc.StrtabRange)
		}

		for off := 0; off+entrySize <= len(raw); off += entrySize {
			var nameOff uint32
			var value, size uint64
			var info uint8

			if is64Bit {
				nameOff = order.Uint32(raw[off : off+4])
				info = raw[off+4]
				value = order.Uint64(raw[off+8 : off+16])
				size = order.Uint64(raw[off+16 : off+24])
			} else {
				nameOff = order.Uint32(raw[off : off+4])
				value = uint64(order.Uint32(raw[off+4 : off+8]))
				size = uint64(order.Uint32(raw[off+8 : off+12]))
				info = raw[off+12]
			}

			typ := stType(info)
			if typ == sttNotype || typ == sttSection {
				continue
			}
			if typ != sttFunc && size == 0 {
				continue
			}
			bind := stBind(info)
			if bind != stbGlobal && bind != stbLocal && bind != stbWeak {
				continue
			}
			if len(loadHeaders) > 0 && !inLoadSegment(loadHeaders, value, size) {
				continue
			}

			s.entries = append(s.entries, entry{
				addr:        value,
				size:        size,
				nameOffset:  nameOff,
				isDynamic:   desc.IsDynamic,
				strtabRange: desc.StrtabRange,
			})
		}
	}

	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].addr != s.entries[j].addr {
			return s.entries[i].addr < s.entries[j].addr
		}
		return s.entries[i].size < s.entries[j].size
	})

	return s, nil
}

// GetSymbolIndex looks up the binary-relative address addr and returns
// the index of the covering symbol: the greatest-addressed entry whose
// [addr, addr+size) contains it, tie-broken toward the smallest size
// and, among equal sizes, the non-dynamic table.
func (s *Symbols) GetSymbolIndex(addr uint64) (int, bool) {
	// hi is the last entry with addr <= the query -- the last index of
	// the highest-addressed group that could possibly cover addr.
	hi := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].addr > addr
	}) - 1

	best := -1
	for i := hi; i >= 0; i-- {
		e := s.entries[i]
		if best != -1 && e.addr != s.entries[best].addr {
			// Moved to a strictly lower-addressed group; it cannot
			// out-rank an already-found covering entry.
			break
		}
		if e.addr+e.size <= addr {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		cur := s.entries[best]
		if e.size < cur.size || (e.size == cur.size && !e.isDynamic && cur.isDynamic) {
			best = i
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}

// GetSymbolByIndex returns the entry at index and its raw (not
// demangled) name, read from the retained string table.
func (s *Symbols) GetSymbolByIndex(index int) (addr, size uint64, name string, ok bool) {
	if index < 0 || index >= len(s.entries) {
		return 0, 0, "", false
	}
	e := s.entries[index]
	strtab := s.strtab.Bytes(e.strtabRange)
	if strtab == nil {
		return 0, 0, "", false
	}
	name = readCString(strtab, uint64(e.nameOffset))
	return e.addr, e.size, name, true
}

// Len reports how many symbol entries the index holds.
func (s *Symbols) Len() int { return len(s.entries) }

func readCString(data []byte, offset uint64) string {
	if offset >= uint64(len(data)) {
		return ""
	}
	end := offset
	for end < uint64(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}
