// Package binary loads ELF binaries from disk, from a static slice, or
// from owned bytes (e.g. an archive-embedded blob), and extracts the
// section/segment/symbol-table metadata the rest of the collation engine
// needs. Symbol-table *contents* are decoded by internal/symbols; this
// package only locates them.
package binary

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/errs"
)

// TableDesc locates one symbol table and its associated string table
// within a binary's byte blob.
type TableDesc struct {
	Range       Range
	StrtabRange Range
	IsDynamic   bool
}

// LoadHeader is one PT_LOAD program header.
type LoadHeader struct {
	Address    uint64
	FileOffset uint64
	FileSize   uint64
	MemorySize uint64
	Alignment  uint64
	Readable   bool
	Writable   bool
	Executable bool
}

// Data is a parsed ELF binary: its architecture tag, the byte ranges of
// sections of interest, its symbol-table descriptors, and its PT_LOAD
// headers. It also exposes the underlying bytes so internal/symbols can
// decode the tables it describes.
type Data struct {
	Path     string
	Basename string

	Architecture string // "amd64", "x86", "arm", "mips", "mips64"
	ByteOrder    binary.ByteOrder
	Is64Bit      bool
	IsSharedObject bool // ET_DYN, as opposed to ET_EXEC

	DataRange         *Range
	TextRange         *Range
	EhFrameRange      *Range
	DebugFrameRange   *Range
	GnuDebuglinkRange *Range
	ArmExtabRange     *Range
	ArmExidxRange     *Range

	SymbolTables []TableDesc
	LoadHeaders  []LoadHeader

	blob Blob
}

// Bytes returns the sub-slice of the binary's bytes covered by r.
func (d *Data) Bytes(r Range) []byte {
	all := d.blob.Bytes()
	if r.End > uint64(len(all)) {
		return nil
	}
	return all[r.Start:r.End]
}

// AllBytes returns the whole backing blob.
func (d *Data) AllBytes() []byte { return d.blob.Bytes() }

// Close releases the underlying blob (e.g. munmaps a file-backed load).
func (d *Data) Close() error { return d.blob.Close() }

func basename(path string) string {
	return filepath.Base(path)
}

// machineArch maps an ELF e_machine value to a supported architecture
// tag. Unknown machines are rejected with ErrUnsupportedArchitecture.
func machineArch(machine elf.Machine, is64 bool) (string, error) {
	switch machine {
	case elf.EM_X86_64:
		return "amd64", nil
	case elf.EM_386:
		return "x86", nil
	case elf.EM_ARM:
		return "arm", nil
	case elf.EM_MIPS:
		if is64 {
			return "mips64", nil
		}
		return "mips", nil
	default:
		return "", fmt.Errorf("%w: e_machine=%v", errs.ErrUnsupportedArchitecture, machine)
	}
}

func sectionRangeOf(f *elf.File, blobLen int, name string) *Range {
	sec := f.Section(name)
	if sec == nil {
		return nil
	}
	if sec.Type == elf.SHT_NOBITS {
		return nil
	}
	start := sec.Offset
	end := start + sec.Size
	if end > uint64(blobLen) {
		return nil
	}
	return &Range{Start: start, End: end}
}

// load parses blob as an ELF file and assembles a Data value. It does
// no identity check; LoadFromFS verifies an expected BinaryID before
// calling it.
func load(path string, blob Blob) (*Data, error) {
	raw := blob.Bytes()
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBinaryParse, err)
	}

	is64 := ef.Class == elf.ELFCLASS64
	var order binary.ByteOrder = binary.LittleEndian
	if ef.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	var isSharedObject bool
	switch ef.Type {
	case elf.ET_EXEC:
		isSharedObject = false
	case elf.ET_DYN:
		isSharedObject = true
	default:
		return nil, fmt.Errorf("%w: e_type=%v for %q", errs.ErrUnsupportedElfType, ef.Type, path)
	}

	arch, err := machineArch(ef.Machine, is64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	d := &Data{
		Path:           path,
		Basename:       basename(path),
		Architecture:   arch,
		ByteOrder:      order,
		Is64Bit:        is64,
		IsSharedObject: isSharedObject,
	}

	d.DataRange = sectionRangeOf(ef, len(raw), ".data")
	d.TextRange = sectionRangeOf(ef, len(raw), ".text")
	d.EhFrameRange = sectionRangeOf(ef, len(raw), ".eh_frame")
	d.DebugFrameRange = sectionRangeOf(ef, len(raw), ".debug_frame")
	d.GnuDebuglinkRange = sectionRangeOf(ef, len(raw), ".gnu_debuglink")
	d.ArmExtabRange = sectionRangeOf(ef, len(raw), ".ARM.extab")
	d.ArmExidxRange = sectionRangeOf(ef, len(raw), ".ARM.exidx")

	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_SYMTAB && sec.Type != elf.SHT_DYNSYM {
			continue
		}
		if int(sec.Link) >= len(ef.Sections) {
			continue
		}
		strtab := ef.Sections[sec.Link]
		if strtab.Type != elf.SHT_STRTAB {
			continue
		}
		symRange := Range{Start: sec.Offset, End: sec.Offset + sec.Size}
		strRange := Range{Start: strtab.Offset, End: strtab.Offset + strtab.Size}
		if symRange.End > uint64(len(raw)) || strRange.End > uint64(len(raw)) {
			continue
		}
		d.SymbolTables = append(d.SymbolTables, TableDesc{
			Range:       symRange,
			StrtabRange: strRange,
			IsDynamic:   sec.Type == elf.SHT_DYNSYM,
		})
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		d.LoadHeaders = append(d.LoadHeaders, LoadHeader{
			Address:    prog.Vaddr,
			FileOffset: prog.Off,
			FileSize:   prog.Filesz,
			MemorySize: prog.Memsz,
			Alignment:  prog.Align,
			Readable:   prog.Flags&elf.PF_R != 0,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
		})
	}

	d.blob = blob
	return d, nil
}

// LoadFromFS opens, memory-maps, and parses the ELF binary at path. If
// expectedID is non-nil, the file's (inode, dev major, dev minor) must
// match it exactly or loading fails with ErrIdentityMismatch -- this
// guards against the recorder and collator disagreeing about which file
// on disk is meant.
func LoadFromFS(expectedID *archive.BinaryID, path string, log zerolog.Logger) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveOpen, err)
	}
	defer f.Close()

	if expectedID != nil {
		gotID, err := statID(f)
		if err != nil {
			return nil, err
		}
		if gotID != *expectedID {
			return nil, fmt.Errorf("%w: %q has %+v, expected %+v", errs.ErrIdentityMismatch, path, gotID, *expectedID)
		}
	}

	blob, err := newMmapBlob(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBinaryParse, err)
	}
	log.Debug().Str("path", path).Msg("loading binary from filesystem")
	d, err := load(path, blob)
	if err != nil {
		blob.Close()
		return nil, err
	}
	return d, nil
}

// LoadFromStaticSlice parses an ELF binary out of memory the caller
// guarantees is stable for the process's lifetime.
func LoadFromStaticSlice(path string, slice []byte) (*Data, error) {
	return load(path, &staticBlob{data: slice})
}

// LoadFromOwnedBytes parses an ELF binary out of a buffer this process
// now owns outright (e.g. a BinaryBlob packet's payload).
func LoadFromOwnedBytes(path string, data []byte) (*Data, error) {
	return load(path, &ownedBlob{data: data})
}
