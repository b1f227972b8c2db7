// Package classify maps program counters captured in a stack into
// semantic Frame values: a kernel symbol, a user symbol from one of
// several sources, an unresolved region-relative address, or a fully
// unresolved address, following strict source precedence and the
// whole-stack omit-regex rule.
package classify

import (
	"regexp"
	"strings"

	"fmt"

	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/demangle"
	"github.com/nperf/collate/internal/errs"
	"github.com/nperf/collate/internal/kallsyms"
	"github.com/nperf/collate/internal/rangemap"
)

// Source identifies which symbol table resolved a UserSymbol frame.
type Source int

const (
	SourceDebug Source = iota
	SourceOriginal
	SourceAddressSpace
)

func (s Source) String() string {
	switch s {
	case SourceDebug:
		return "debug"
	case SourceOriginal:
		return "original"
	case SourceAddressSpace:
		return "addrspace"
	default:
		return "unknown"
	}
}

// Frame is the sum type every classified stack entry takes. Only the
// fields relevant to Kind are meaningful on a given value.
type Frame struct {
	Kind FrameKind

	Pid  uint32
	Tid  uint32
	Name string // process executable basename, or thread name; "" if unknown

	Address     uint64
	BinaryID    archive.BinaryID
	SymbolIndex int
	Source      Source

	KernelSymbolIndex int
}

type FrameKind int

const (
	KindProcess FrameKind = iota
	KindMainThread
	KindThread
	KindUser
	KindUserBinary
	KindUserSymbol
	KindKernel
	KindKernelSymbol
)

// BinaryLookup resolves a binary-relative address to a symbol name
// across the precedence chain Debug -> Original -> AddressSpace. Each
// method returns ok=false if that source cannot resolve addr.
type BinaryLookup interface {
	LookupDebug(id archive.BinaryID, relativeAddr uint64) (symbolIndex int, name string, ok bool)
	LookupOriginal(id archive.BinaryID, relativeAddr uint64) (symbolIndex int, name string, ok bool)
	LookupAddressSpace(absAddr uint64) (id archive.BinaryID, symbolIndex int, name string, ok bool)
	BaseAddress(id archive.BinaryID) (uint64, bool)
	RegionBinary(absAddr uint64) (archive.BinaryID, bool)
}

// Classifier turns raw frames into classified ones, tracking whether the
// current stack should be discarded under the configured omit-regex.
type Classifier struct {
	kernelSymbols *rangemap.RangeMap[kallsyms.Symbol]
	demangler     *demangle.Demangler
	omit          *regexp.Regexp
}

func New(kernelSymbols *rangemap.RangeMap[kallsyms.Symbol], demangler *demangle.Demangler, omitPatterns []string) *Classifier {
	c := &Classifier{kernelSymbols: kernelSymbols, demangler: demangler}
	if len(omitPatterns) > 0 {
		c.omit = regexp.MustCompile(strings.Join(omitPatterns, "|"))
	}
	return c
}

// Process returns the root Process frame.
func (c *Classifier) Process(pid uint32, executable string) Frame {
	return Frame{Kind: KindProcess, Pid: pid, Name: executable}
}

// ThreadMarker returns MainThread when tid == pid, else Thread.
func (c *Classifier) ThreadMarker(pid, tid uint32, name string) Frame {
	if tid == pid {
		return Frame{Kind: KindMainThread, Pid: pid, Tid: tid}
	}
	return Frame{Kind: KindThread, Pid: pid, Tid: tid, Name: name}
}

// Kernel classifies one kernel-space program counter.
func (c *Classifier) Kernel(addr uint64) Frame {
	if c.kernelSymbols != nil {
		if idx, ok := c.kernelSymbols.LookupIndex(addr); ok {
			return Frame{Kind: KindKernelSymbol, Address: addr, KernelSymbolIndex: idx}
		}
	}
	return Frame{Kind: KindKernel, Address: addr}
}

// KernelSymbolAt returns the kernel symbol stored at idx, for decoding
// a KindKernelSymbol frame.
func (c *Classifier) KernelSymbolAt(idx int) kallsyms.Symbol {
	_, _, sym := c.kernelSymbols.At(idx)
	return sym
}

// User classifies one user-space frame, given its effective address
// (the instruction's start if known from unwinding, else the raw
// address) and the process's resolvers. It returns the classified
// frame and whether the stack must be discarded because the resolved
// symbol name matched the omit-regex.
func (c *Classifier) User(effectiveAddr uint64, lookups BinaryLookup) (Frame, bool) {
	id, hasRegion := lookups.RegionBinary(effectiveAddr)
	if !hasRegion {
		return Frame{Kind: KindUser, Address: effectiveAddr}, false
	}

	base, ok := lookups.BaseAddress(id)
	if !ok {
		// A region maps this binary but no BinaryMap packet set its base
		// address: the archive is inconsistent. Never silently compute a
		// wrong binary-relative offset from this.
		panic(fmt.Errorf("%w: region maps binary %+v with no base address", errs.ErrInternalInvariant, id))
	}
	relative := effectiveAddr - base

	if idx, name, ok := lookups.LookupDebug(id, relative); ok {
		return c.userSymbol(id, idx, name, SourceDebug, effectiveAddr)
	}
	if idx, name, ok := lookups.LookupOriginal(id, relative); ok {
		return c.userSymbol(id, idx, name, SourceOriginal, effectiveAddr)
	}
	if asID, idx, name, ok := lookups.LookupAddressSpace(effectiveAddr); ok {
		return c.userSymbol(asID, idx, name, SourceAddressSpace, effectiveAddr)
	}

	return Frame{Kind: KindUserBinary, BinaryID: id, Address: effectiveAddr}, false
}

func (c *Classifier) userSymbol(id archive.BinaryID, idx int, name string, source Source, addr uint64) (Frame, bool) {
	resolved := name
	if c.demangler != nil {
		resolved = c.demangler.Name(name)
	}
	if c.omit != nil && c.omit.MatchString(resolved) {
		return Frame{}, true
	}
	return Frame{Kind: KindUserSymbol, BinaryID: id, SymbolIndex: idx, Source: source, Address: addr}, false
}
