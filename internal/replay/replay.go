// Package replay implements the central engine: it consumes a stream of
// archive packets, mutates per-process and per-binary state exactly as
// each packet prescribes, and feeds every sample through the frame
// classifier into the stack-frequency histogram.
package replay

import (
	stdbinary "encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nperf/collate/internal/addrspace"
	"github.com/nperf/collate/internal/aggregate"
	"github.com/nperf/collate/internal/archive"
	bin "github.com/nperf/collate/internal/binary"
	"github.com/nperf/collate/internal/classify"
	"github.com/nperf/collate/internal/debuglink"
	"github.com/nperf/collate/internal/demangle"
	"github.com/nperf/collate/internal/errs"
	"github.com/nperf/collate/internal/kallsyms"
	"github.com/nperf/collate/internal/rangemap"
	"github.com/nperf/collate/internal/symbols"
)

// Config carries every recognized collation option.
type Config struct {
	DebugSymbols            []string
	ForceStackSize          *int
	OmitSymbols             []string
	OnlySample              *int
	WithoutKernelCallstacks bool
	AllowMultiProcess       bool
}

// Process is one replayed process's live state.
type Process struct {
	Pid         uint32
	Executable  string
	Regions     *rangemap.RangeMap[archive.Region]
	BaseAddress map[archive.BinaryID]uint64
	Dirty       bool
}

type binaryState struct {
	id       archive.BinaryID
	path     string
	basename string

	expectedCount uint16
	receivedCount uint16

	symtabChunks *bin.Chunks
	strtabChunks *bin.Chunks
	descs        []bin.TableDesc

	symbols      *symbols.Symbols
	debugSymbols *symbols.Symbols
	debuglink    string
}

// Collation is the replay engine's result: everything the renderer
// needs to turn the histogram into text.
type Collation struct {
	KernelSymbols *rangemap.RangeMap[kallsyms.Symbol]
	Histogram     *aggregate.Histogram
	Processes     []*Process
	ThreadNames   map[uint32]string
	AddressSpace  *addrspace.AddressSpace
}

// Engine replays a packet stream into a Collation.
type Engine struct {
	config Config
	log    zerolog.Logger

	arch         addrspace.Arch
	hasArch      bool
	addressSpace *addrspace.AddressSpace
	order        stdbinary.ByteOrder
	is64Bit      bool

	processes    []*Process
	processByPid map[uint32]*Process
	targetPid    *uint32

	binaries map[archive.BinaryID]*binaryState

	preloaded map[archive.BinaryID]addrspace.BinarySource

	debugResolver *debuglink.Resolver

	kernelSymbols *rangemap.RangeMap[kallsyms.Symbol]
	threadNames   map[uint32]string

	demangler  *demangle.Demangler
	classifier *classify.Classifier
	histogram  *aggregate.Histogram

	sampleCounter int
}

// New constructs an Engine. debugResolver may be nil if no debug-symbols
// search paths were configured.
func New(cfg Config, debugResolver *debuglink.Resolver, log zerolog.Logger) *Engine {
	e := &Engine{
		config:        cfg,
		log:           log,
		processByPid:  make(map[uint32]*Process),
		binaries:      make(map[archive.BinaryID]*binaryState),
		preloaded:     make(map[archive.BinaryID]addrspace.BinarySource),
		debugResolver: debugResolver,
		threadNames:   make(map[uint32]string),
		demangler:     demangle.New(),
		histogram:     aggregate.NewHistogram(),
		order:         stdbinary.LittleEndian,
	}
	e.classifier = classify.New(nil, e.demangler, cfg.OmitSymbols)
	return e
}

// Run consumes every packet from src until io.EOF and returns the
// resulting Collation. Any other error from src, or any fatal packet
// error, aborts collation and is returned.
func (e *Engine) Run(src archive.Source) (*Collation, error) {
	for {
		pkt, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrArchivePacket, err)
		}
		if err := e.apply(pkt); err != nil {
			return nil, err
		}
	}

	return &Collation{
		KernelSymbols: e.kernelSymbols,
		Histogram:     e.histogram,
		Processes:     e.processes,
		ThreadNames:   e.threadNames,
		AddressSpace:  e.addressSpace,
	}, nil
}

func (e *Engine) apply(pkt archive.Packet) error {
	switch p := pkt.(type) {
	case archive.MachineInfo:
		return e.onMachineInfo(p)
	case archive.ProcessInfo:
		e.onProcessInfo(p)
	case archive.BinaryInfo:
		e.onBinaryInfo(p)
	case archive.MemoryRegionMap:
		return e.onMemoryRegionMap(p)
	case archive.MemoryRegionUnmap:
		return e.onMemoryRegionUnmap(p)
	case archive.BinaryMap:
		e.onBinaryMap(p)
	case archive.BinaryUnmap:
		e.onBinaryUnmap(p)
	case archive.StringTable:
		e.onStringTable(p)
	case archive.SymbolTable:
		return e.onSymbolTable(p)
	case archive.Sample:
		return e.onSample(p)
	case archive.RawSample:
		return e.onRawSample(p)
	case archive.BinaryBlob:
		return e.onBinaryBlob(p)
	case archive.FileBlob:
		e.onFileBlob(p)
	case archive.ThreadName:
		e.onThreadName(p)
	default:
		// Other, and any future kind: ignored.
	}
	return nil
}

func (e *Engine) onMachineInfo(p archive.MachineInfo) error {
	e.is64Bit = p.Bitness == archive.Bitness64
	if p.Endianness == archive.BigEndian {
		e.order = stdbinary.BigEndian
	} else {
		e.order = stdbinary.LittleEndian
	}

	arch, ok := addrspace.Lookup(p.Architecture)
	e.hasArch = ok
	if !ok {
		e.log.Warn().Str("architecture", p.Architecture).Msg("no unwinder registered for this architecture; raw samples will be dropped")
		e.addressSpace = nil
		return nil
	}
	e.arch = arch
	e.addressSpace = addrspace.New(arch)
	return nil
}

func (e *Engine) onProcessInfo(p archive.ProcessInfo) {
	proc := &Process{
		Pid:         p.Pid,
		Executable:  basename(p.Executable),
		Regions:     rangemap.New[archive.Region](),
		BaseAddress: make(map[archive.BinaryID]uint64),
	}
	e.processes = append(e.processes, proc)
	e.processByPid[p.Pid] = proc
	if e.targetPid == nil {
		pid := p.Pid
		e.targetPid = &pid
	}
}

func basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (e *Engine) onBinaryInfo(p archive.BinaryInfo) {
	bs := &binaryState{
		id:            p.ID,
		path:          p.Path,
		basename:      basename(p.Path),
		expectedCount: p.SymbolTableCount,
		symtabChunks:  bin.NewChunks(),
		strtabChunks:  bin.NewChunks(),
		debuglink:     p.Debuglink,
	}
	if p.Debuglink != "" && e.debugResolver != nil {
		if data, ok := e.debugResolver.Lookup(p.Debuglink); ok {
			syms, err := symbols.Build(data.SymbolTables, data, data, data.Is64Bit, data.ByteOrder, data.LoadHeaders)
			if err != nil {
				e.log.Warn().Err(err).Str("debuglink", p.Debuglink).Msg("failed to build debug symbol index")
			} else {
				bs.debugSymbols = syms
			}
		} else {
			e.log.Warn().Str("debuglink", p.Debuglink).Msg("no matching external debug binary found")
		}
	}
	e.binaries[p.ID] = bs
}

func (e *Engine) process(pid uint32) (*Process, bool) {
	p, ok := e.processByPid[pid]
	return p, ok
}

func (e *Engine) onMemoryRegionMap(p archive.MemoryRegionMap) error {
	proc, ok := e.process(p.Pid)
	if !ok {
		return nil
	}
	if err := proc.Regions.Push(p.Region.Start, p.Region.End, p.Region); err != nil {
		return err
	}
	proc.Dirty = true
	return nil
}

func (e *Engine) onMemoryRegionUnmap(p archive.MemoryRegionUnmap) error {
	proc, ok := e.process(p.Pid)
	if !ok {
		return nil
	}
	if err := proc.Regions.RemoveByExactRange(p.Start, p.End); err != nil {
		return err
	}
	proc.Dirty = true
	return nil
}

func (e *Engine) onBinaryMap(p archive.BinaryMap) {
	proc, ok := e.process(p.Pid)
	if !ok {
		return
	}
	proc.BaseAddress[p.ID] = p.BaseAddress
	proc.Dirty = true
}

func (e *Engine) onBinaryUnmap(p archive.BinaryUnmap) {
	proc, ok := e.process(p.Pid)
	if !ok {
		return
	}
	delete(proc.BaseAddress, p.ID)
	proc.Dirty = true
}

func (e *Engine) onStringTable(p archive.StringTable) {
	bs, ok := e.binaries[p.BinaryID]
	if !ok {
		return
	}
	bs.strtabChunks.Add(p.Offset, p.Data)
}

func (e *Engine) onSymbolTable(p archive.SymbolTable) error {
	bs, ok := e.binaries[p.BinaryID]
	if !ok {
		return nil
	}
	bs.symtabChunks.Add(p.Offset, p.Data)

	strRange, ok := bs.strtabChunks.RangeByOffset(p.StringTableOffset)
	if !ok {
		return fmt.Errorf("%w: symbol table references string table offset %d never received", errs.ErrArchivePacket, p.StringTableOffset)
	}
	symRange := bin.Range{Start: p.Offset, End: p.Offset + uint64(len(p.Data))}
	bs.descs = append(bs.descs, bin.TableDesc{
		Range:       symRange,
		StrtabRange: strRange,
		IsDynamic:   p.IsDynamic,
	})
	bs.receivedCount++

	if bs.receivedCount == bs.expectedCount {
		built, err := symbols.Build(bs.descs, bs.symtabChunks, bs.strtabChunks, e.is64Bit, e.order, nil)
		if err != nil {
			return fmt.Errorf("%w: building symbol index for %s", err, bs.basename)
		}
		bs.symbols = built
		bs.symtabChunks.Clear()
	}
	return nil
}

func (e *Engine) onBinaryBlob(p archive.BinaryBlob) error {
	data, err := bin.LoadFromOwnedBytes(p.Path, p.Data)
	if err != nil {
		return fmt.Errorf("loading binary blob %q: %w", p.Path, err)
	}
	syms, err := symbols.Build(data.SymbolTables, data, data, data.Is64Bit, data.ByteOrder, data.LoadHeaders)
	if err != nil {
		e.log.Warn().Err(err).Str("path", p.Path).Msg("failed to build symbol index for preloaded binary blob")
		return nil
	}
	e.preloaded[p.ID] = addrspace.BinarySource{ID: p.ID, Symbols: syms}
	return nil
}

func (e *Engine) onFileBlob(p archive.FileBlob) {
	if p.Path != "/proc/kallsyms" {
		return
	}
	e.kernelSymbols = kallsyms.Parse(p.Data)
	e.classifier = classify.New(e.kernelSymbols, e.demangler, e.config.OmitSymbols)
}

func (e *Engine) onThreadName(p archive.ThreadName) {
	if p.Name == "" {
		delete(e.threadNames, p.Tid)
		return
	}
	e.threadNames[p.Tid] = p.Name
}

func (e *Engine) onSample(p archive.Sample) error {
	if !e.shouldCollate() {
		e.sampleCounter++
		return nil
	}
	if !e.targetsCollatedProcess(p.Pid) {
		e.sampleCounter++
		return nil
	}
	kernel := p.KernelBacktrace
	if e.config.WithoutKernelCallstacks {
		kernel = nil
	}
	e.collate(p.Pid, p.Tid, p.UserBacktrace, kernel)
	e.sampleCounter++
	return nil
}

func (e *Engine) onRawSample(p archive.RawSample) error {
	// No registered unwinder for the machine architecture: raw samples
	// are uncollatable and silently dropped, not collated with an empty
	// user backtrace.
	if !e.hasArch || e.addressSpace == nil {
		e.sampleCounter++
		return nil
	}

	if !e.targetsCollatedProcess(p.Pid) {
		e.sampleCounter++
		return nil
	}

	stack := p.Stack
	if e.config.ForceStackSize != nil {
		n := *e.config.ForceStackSize
		if n < len(stack) {
			stack = stack[:n]
		}
	}

	var userFrames []archive.UserFrame
	proc, ok := e.process(p.Pid)
	if ok {
		if proc.Dirty {
			if err := e.reloadAddressSpace(proc); err != nil {
				return err
			}
			proc.Dirty = false
		}
		regs := addrspace.NewDwarfRegs(p.Regs)
		sp, _ := regs.Get(e.arch.StackPointer)
		reader := addrspace.NewStackReader(e.arch, sp, stack)
		userFrames = e.addressSpace.Unwind(regs, reader)
	}

	if !e.shouldCollate() {
		e.sampleCounter++
		return nil
	}

	kernel := p.KernelBacktrace
	if e.config.WithoutKernelCallstacks {
		kernel = nil
	}
	e.collate(p.Pid, p.Tid, userFrames, kernel)
	e.sampleCounter++
	return nil
}

func (e *Engine) reloadAddressSpace(proc *Process) error {
	var regions []archive.Region
	for i := 0; i < proc.Regions.Len(); i++ {
		_, _, r := proc.Regions.At(i)
		regions = append(regions, r)
	}

	sources := make(map[archive.BinaryID]addrspace.BinarySource, len(proc.BaseAddress))
	for id, base := range proc.BaseAddress {
		src := addrspace.BinarySource{ID: id, BaseAddress: base}
		if bs, ok := e.binaries[id]; ok && bs.symbols != nil {
			src.Symbols = bs.symbols
		} else if pre, ok := e.preloaded[id]; ok {
			src.Symbols = pre.Symbols
		}
		sources[id] = src
	}
	return e.addressSpace.Reload(regions, sources)
}

// shouldCollate reports whether the sample at the current counter
// position passes the only_sample selector.
func (e *Engine) shouldCollate() bool {
	if e.config.OnlySample == nil {
		return true
	}
	return e.sampleCounter == *e.config.OnlySample
}

func (e *Engine) targetsCollatedProcess(pid uint32) bool {
	if e.config.AllowMultiProcess {
		return true
	}
	return e.targetPid != nil && pid == *e.targetPid
}

func (e *Engine) collate(pid, tid uint32, userFrames []archive.UserFrame, kernelBacktrace []uint64) {
	proc, ok := e.process(pid)
	if !ok {
		return
	}

	lookups := &processLookups{engine: e, proc: proc}

	var stack []classify.Frame
	for _, addr := range kernelBacktrace {
		stack = append(stack, e.classifier.Kernel(addr))
	}
	for _, uf := range userFrames {
		frame, discard := e.classifier.User(uf.EffectiveAddress(), lookups)
		if discard {
			return
		}
		stack = append(stack, frame)
	}

	name := e.threadNames[tid]
	stack = append(stack, e.classifier.ThreadMarker(pid, tid, name))
	stack = append(stack, e.classifier.Process(pid, proc.Executable))

	e.histogram.Add(stack)
}

// processLookups adapts one process's state to classify.BinaryLookup.
type processLookups struct {
	engine *Engine
	proc   *Process
}

func (l *processLookups) RegionBinary(addr uint64) (archive.BinaryID, bool) {
	r, ok := l.proc.Regions.Lookup(addr)
	if !ok {
		return archive.BinaryID{}, false
	}
	id := r.BinaryID()
	if id == (archive.BinaryID{}) {
		return archive.BinaryID{}, false
	}
	if _, ok := l.engine.binaries[id]; !ok {
		return archive.BinaryID{}, false
	}
	return id, true
}

func (l *processLookups) BaseAddress(id archive.BinaryID) (uint64, bool) {
	v, ok := l.proc.BaseAddress[id]
	return v, ok
}

func (l *processLookups) LookupDebug(id archive.BinaryID, relativeAddr uint64) (int, string, bool) {
	bs, ok := l.engine.binaries[id]
	if !ok || bs.debugSymbols == nil {
		return 0, "", false
	}
	idx, ok := bs.debugSymbols.GetSymbolIndex(relativeAddr)
	if !ok {
		return 0, "", false
	}
	_, _, name, ok := bs.debugSymbols.GetSymbolByIndex(idx)
	return idx, name, ok
}

func (l *processLookups) LookupOriginal(id archive.BinaryID, relativeAddr uint64) (int, string, bool) {
	bs, ok := l.engine.binaries[id]
	if !ok || bs.symbols == nil {
		return 0, "", false
	}
	idx, ok := bs.symbols.GetSymbolIndex(relativeAddr)
	if !ok {
		return 0, "", false
	}
	_, _, name, ok := bs.symbols.GetSymbolByIndex(idx)
	return idx, name, ok
}

func (l *processLookups) LookupAddressSpace(absAddr uint64) (archive.BinaryID, int, string, bool) {
	if l.engine.addressSpace == nil {
		return archive.BinaryID{}, 0, "", false
	}
	id, idx, base, ok := l.engine.addressSpace.LookupAbsoluteSymbolIndex(absAddr)
	if !ok {
		return archive.BinaryID{}, 0, "", false
	}
	bs, ok := l.engine.binaries[id]
	var src *symbols.Symbols
	if ok {
		src = bs.symbols
	}
	if src == nil {
		if pre, ok := l.engine.preloaded[id]; ok {
			src = pre.Symbols
		}
	}
	if src == nil {
		return archive.BinaryID{}, 0, "", false
	}
	_, _, name, ok := src.GetSymbolByIndex(idx)
	if !ok {
		return archive.BinaryID{}, 0, "", false
	}
	_ = base
	return id, idx, name, true
}

// BinaryBasename resolves the basename for a classified UserBinary or
// UserSymbol frame, implementing aggregate.SymbolNamer.
func (e *Engine) BinaryBasename(f classify.Frame) string {
	if bs, ok := e.binaries[f.BinaryID]; ok {
		return bs.basename
	}
	return "unknown"
}

// UserSymbolText resolves and demangles the symbol name for a
// KindUserSymbol frame, implementing aggregate.SymbolNamer.
func (e *Engine) UserSymbolText(f classify.Frame) string {
	bs, ok := e.binaries[f.BinaryID]
	var name string
	var resolved bool
	if ok {
		switch f.Source {
		case classify.SourceDebug:
			if bs.debugSymbols != nil {
				_, _, name, resolved = bs.debugSymbols.GetSymbolByIndex(f.SymbolIndex)
			}
		case classify.SourceOriginal:
			if bs.symbols != nil {
				_, _, name, resolved = bs.symbols.GetSymbolByIndex(f.SymbolIndex)
			}
		}
	}
	if !resolved && f.Source == classify.SourceAddressSpace {
		if pre, ok := e.preloaded[f.BinaryID]; ok && pre.Symbols != nil {
			_, _, name, resolved = pre.Symbols.GetSymbolByIndex(f.SymbolIndex)
		} else if ok && bs.symbols != nil {
			_, _, name, resolved = bs.symbols.GetSymbolByIndex(f.SymbolIndex)
		}
	}
	if !resolved {
		return fmt.Sprintf("0x%016X", f.Address)
	}
	return e.demangler.Name(name)
}

// KernelSymbolAt resolves the kernel symbol at idx, implementing
// aggregate.SymbolNamer.
func (e *Engine) KernelSymbolAt(idx int) kallsyms.Symbol {
	_, _, sym := e.kernelSymbols.At(idx)
	return sym
}
