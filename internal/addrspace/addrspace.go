// Package addrspace implements the opaque, per-architecture address-space
// and stack-unwinder the replay engine invokes for raw (uncooked)
// samples. It generalizes the byte-order/pointer-size/register
// definitions used elsewhere for a single target machine into a small
// capability set realized per architecture, and walks a frame-pointer
// chain to recover caller program counters.
//
// Real DWARF CFI (.eh_frame/.debug_frame) and ARM
// .ARM.extab/.ARM.exidx interpretation are out of scope: this unwinder
// only follows saved frame-pointer chains, which is sufficient for
// binaries built with frame pointers retained (-fno-omit-frame-pointer)
// and is a deliberate simplification of the full contract described
// below.
package addrspace

import (
	"encoding/binary"
	"fmt"

	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/rangemap"
	"github.com/nperf/collate/internal/symbols"
)

// Arch is the capability set an architecture must provide for unwinding:
// its pointer width, byte order, and which DWARF register numbers hold
// the stack pointer, frame pointer, and return address.
type Arch struct {
	Name          string
	PointerSize   int
	ByteOrder     binary.ByteOrder
	StackPointer  int
	FramePointer  int
	ReturnAddress int
}

var (
	AMD64 = Arch{Name: "amd64", PointerSize: 8, ByteOrder: binary.LittleEndian, StackPointer: 7, FramePointer: 6, ReturnAddress: 16}
	ARM   = Arch{Name: "arm", PointerSize: 4, ByteOrder: binary.LittleEndian, StackPointer: 13, FramePointer: 11, ReturnAddress: 14}
	MIPS64 = Arch{Name: "mips64", PointerSize: 8, ByteOrder: binary.BigEndian, StackPointer: 29, FramePointer: 30, ReturnAddress: 31}
)

// archByName holds only the architectures with a registered unwinder;
// "x86" and "mips" (32-bit) have none, matching what the reference
// recorder actually exercised for raw-sample unwinding.
var archByName = map[string]Arch{
	AMD64.Name:  AMD64,
	ARM.Name:    ARM,
	MIPS64.Name: MIPS64,
}

// Lookup returns the Arch registered for name, if any.
func Lookup(name string) (Arch, bool) {
	a, ok := archByName[name]
	return a, ok
}

// DwarfRegs is the register file captured alongside a raw sample,
// indexed by DWARF register number.
type DwarfRegs struct {
	values map[int]uint64
}

func NewDwarfRegs(regs []archive.Reg) DwarfRegs {
	d := DwarfRegs{values: make(map[int]uint64, len(regs))}
	for _, r := range regs {
		d.values[r.Register] = r.Value
	}
	return d
}

func (d DwarfRegs) Get(reg int) (uint64, bool) {
	v, ok := d.values[reg]
	return v, ok
}

// StackReader answers byte reads against the raw stack bytes captured
// with a sample, translating a stack-pointer-relative address into an
// offset into the captured buffer.
type StackReader struct {
	base uint64 // the stack pointer value at capture time
	data []byte
	arch Arch
}

func NewStackReader(arch Arch, base uint64, data []byte) StackReader {
	return StackReader{base: base, data: data, arch: arch}
}

// ReadWord reads one pointer-sized word at addr, or returns ok=false if
// addr falls outside the captured range.
func (s StackReader) ReadWord(addr uint64) (uint64, bool) {
	if addr < s.base {
		return 0, false
	}
	off := addr - s.base
	end := off + uint64(s.arch.PointerSize)
	if end > uint64(len(s.data)) {
		return 0, false
	}
	switch s.arch.PointerSize {
	case 8:
		return s.arch.ByteOrder.Uint64(s.data[off:end]), true
	case 4:
		return uint64(s.arch.ByteOrder.Uint32(s.data[off:end])), true
	default:
		return 0, false
	}
}

// BinarySource describes one binary mapped into a process, as the
// unwinder needs it: the address range it occupies and a symbol index
// to resolve a return address back to a containing function's start
// (the "initial address", used to avoid re-deriving it per frame).
type BinarySource struct {
	ID          archive.BinaryID
	BaseAddress uint64
	Symbols     *symbols.Symbols
}

// AddressSpace is the per-process, per-architecture unwinding context.
// Reload rebuilds it from the process's current memory map whenever the
// replay engine's dirty flag is set; Unwind walks a captured register
// file and stack to recover caller frames.
type AddressSpace struct {
	arch    Arch
	regions *rangemap.RangeMap[BinarySource]
}

func New(arch Arch) *AddressSpace {
	return &AddressSpace{arch: arch, regions: rangemap.New[BinarySource]()}
}

// Reload rebuilds the executable-region table from the process's
// current memory regions and per-binary sources. Overlapping executable
// regions are rejected by the underlying RangeMap and surfaced as
// ErrRangeMapViolation, since that indicates the replay engine handed
// over an inconsistent region set.
func (a *AddressSpace) Reload(regions []archive.Region, sources map[archive.BinaryID]BinarySource) error {
	a.regions = rangemap.New[BinarySource]()
	for _, r := range regions {
		if !r.IsExecutable {
			continue
		}
		src, ok := sources[r.BinaryID()]
		if !ok {
			continue
		}
		if err := a.regions.Push(r.Start, r.End, src); err != nil {
			return fmt.Errorf("rebuilding address space: %w", err)
		}
	}
	return nil
}

const maxUnwindDepth = 128

// Unwind walks the frame-pointer chain starting from regs/stack and
// appends each recovered caller address to out, stopping at
// maxUnwindDepth, at the first frame pointer that doesn't resolve to a
// readable stack word, or at a frame pointer of zero.
func (a *AddressSpace) Unwind(regs DwarfRegs, stack StackReader) []archive.UserFrame {
	var out []archive.UserFrame

	pc, ok := regs.Get(a.arch.ReturnAddress)
	if ok && pc != 0 {
		out = append(out, a.frameFor(pc))
	}

	fp, ok := regs.Get(a.arch.FramePointer)
	if !ok {
		return out
	}

	for depth := 0; depth < maxUnwindDepth && fp != 0; depth++ {
		savedFP, ok := stack.ReadWord(fp)
		if !ok {
			break
		}
		retAddr, ok := stack.ReadWord(fp + uint64(a.arch.PointerSize))
		if !ok || retAddr == 0 {
			break
		}
		out = append(out, a.frameFor(retAddr))
		if savedFP <= fp {
			// Not strictly growing toward higher addresses: treat as a
			// corrupted or terminated chain rather than loop forever.
			break
		}
		fp = savedFP
	}
	return out
}

func (a *AddressSpace) frameFor(addr uint64) archive.UserFrame {
	frame := archive.UserFrame{Address: addr}
	src, ok := a.regions.Lookup(addr)
	if !ok || src.Symbols == nil {
		return frame
	}
	idx, ok := src.Symbols.GetSymbolIndex(addr - src.BaseAddress)
	if !ok {
		return frame
	}
	start, _, _, ok := src.Symbols.GetSymbolByIndex(idx)
	if !ok {
		return frame
	}
	initial := start + src.BaseAddress
	frame.InitialAddress = &initial
	return frame
}

// LookupAbsoluteSymbolIndex resolves an absolute address to the binary
// source covering it and the symbol index within that binary, used by
// the frame classifier's AddressSpace precedence tier.
func (a *AddressSpace) LookupAbsoluteSymbolIndex(addr uint64) (archive.BinaryID, int, uint64, bool) {
	src, ok := a.regions.Lookup(addr)
	if !ok || src.Symbols == nil {
		return archive.BinaryID{}, 0, 0, false
	}
	idx, ok := src.Symbols.GetSymbolIndex(addr - src.BaseAddress)
	if !ok {
		return archive.BinaryID{}, 0, 0, false
	}
	return src.ID, idx, src.BaseAddress, true
}
