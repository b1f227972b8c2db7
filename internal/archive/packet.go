// Package archive defines the typed event stream produced by the recorder.
//
// The codec that frames these values on the wire is an external
// collaborator; this package only describes the packet shapes the
// collation engine consumes.
package archive

import "io"

// BinaryID identifies a file-backed mapping at the filesystem level, so
// that independent processes mapping the same file share symbol state.
type BinaryID struct {
	Inode     uint64
	DevMajor  uint32
	DevMinor  uint32
}

// Bitness is the pointer width of a recorded machine or binary.
type Bitness int

const (
	Bitness32 Bitness = 32
	Bitness64 Bitness = 64
)

// Endianness is the byte order of a recorded machine or binary.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// Region describes one memory mapping inside a process's address space.
// Ranges are half-open [Start, End).
type Region struct {
	Start, End uint64

	FileOffset uint64
	Inode      uint64
	Major      uint32
	Minor      uint32

	IsRead       bool
	IsWrite      bool
	IsExecutable bool
	IsShared     bool

	Name string
}

// BinaryID derives the file-identity key for a region, or the zero value
// if the region isn't backed by a regular file (inode 0).
func (r Region) BinaryID() BinaryID {
	if r.Inode == 0 {
		return BinaryID{}
	}
	return BinaryID{Inode: r.Inode, DevMajor: r.Major, DevMinor: r.Minor}
}

// Reg is one DWARF register value captured alongside a raw sample.
type Reg struct {
	Register int
	Value    uint64
}

// UserFrame is one entry of an already-unwound (or just-unwound) user
// stack. InitialAddress, when present, is the start of the containing
// function rather than the return address, which is what symbol lookup
// must key on.
type UserFrame struct {
	Address        uint64
	InitialAddress *uint64
}

// EffectiveAddress returns the address symbol lookup should use: the
// function's start if known, else the raw address.
func (f UserFrame) EffectiveAddress() uint64 {
	if f.InitialAddress != nil {
		return *f.InitialAddress
	}
	return f.Address
}

// Packet is the sum type of every event kind the core consumes. Unknown
// kinds are represented by implementations outside this package and are
// ignored by the replay engine.
type Packet interface {
	isPacket()
}

type MachineInfo struct {
	Architecture string
	Endianness   Endianness
	Bitness      Bitness
}

type ProcessInfo struct {
	Pid        uint32
	Executable string
}

type BinaryInfo struct {
	ID               BinaryID
	Path             string
	SymbolTableCount uint16
	// Debuglink is the NUL-terminated name from a .gnu_debuglink section;
	// empty if the binary has none.
	Debuglink string
}

type MemoryRegionMap struct {
	Pid    uint32
	Region Region
}

type MemoryRegionUnmap struct {
	Pid   uint32
	Start uint64
	End   uint64
}

type BinaryMap struct {
	Pid         uint32
	ID          BinaryID
	BaseAddress uint64
}

type BinaryUnmap struct {
	Pid uint32
	ID  BinaryID
}

type StringTable struct {
	BinaryID BinaryID
	Offset   uint64
	Data     []byte
}

type SymbolTable struct {
	BinaryID          BinaryID
	Offset            uint64
	Data              []byte
	StringTableOffset uint64
	IsDynamic         bool
}

type Sample struct {
	Pid              uint32
	Tid              uint32
	UserBacktrace    []UserFrame
	KernelBacktrace  []uint64
}

type RawSample struct {
	Pid             uint32
	Tid             uint32
	Stack           []byte
	Regs            []Reg
	KernelBacktrace []uint64
}

type BinaryBlob struct {
	ID   BinaryID
	Path string
	Data []byte
}

type FileBlob struct {
	Path string
	Data []byte
}

type ThreadName struct {
	Tid  uint32
	Name string
}

// Other represents any packet kind this core does not interpret. The
// replay engine ignores it.
type Other struct {
	Kind string
}

func (MachineInfo) isPacket()       {}
func (ProcessInfo) isPacket()       {}
func (BinaryInfo) isPacket()        {}
func (MemoryRegionMap) isPacket()   {}
func (MemoryRegionUnmap) isPacket() {}
func (BinaryMap) isPacket()         {}
func (BinaryUnmap) isPacket()       {}
func (StringTable) isPacket()       {}
func (SymbolTable) isPacket()       {}
func (Sample) isPacket()            {}
func (RawSample) isPacket()         {}
func (BinaryBlob) isPacket()        {}
func (FileBlob) isPacket()          {}
func (ThreadName) isPacket()        {}
func (Other) isPacket()             {}

// Source yields packets one at a time, terminating the stream with
// io.EOF. It is the seam the archive codec plugs into; a decoder wraps
// its framed reads behind this interface.
type Source interface {
	Next() (Packet, error)
}

// SliceSource adapts a pre-decoded slice of packets into a Source, for
// tests and for callers that already have the whole archive in memory.
type SliceSource struct {
	packets []Packet
	pos     int
}

func NewSliceSource(packets []Packet) *SliceSource {
	return &SliceSource{packets: packets}
}

func (s *SliceSource) Next() (Packet, error) {
	if s.pos >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return p, nil
}

// ChannelSource adapts a channel of packets into a Source, for streaming
// ("online") collation: a producer can feed packets to the replay engine
// as they arrive instead of handing over a fully buffered reader. The
// channel must be closed by the sender to terminate the stream.
type ChannelSource struct {
	ch  <-chan Packet
	err <-chan error
}

func NewChannelSource(ch <-chan Packet, errc <-chan error) *ChannelSource {
	return &ChannelSource{ch: ch, err: errc}
}

func (s *ChannelSource) Next() (Packet, error) {
	p, ok := <-s.ch
	if !ok {
		select {
		case err := <-s.err:
			if err != nil {
				return nil, err
			}
		default:
		}
		return nil, io.EOF
	}
	return p, nil
}
