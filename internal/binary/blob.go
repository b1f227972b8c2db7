package binary

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Blob is a byte-addressable resource standing in for a loaded binary's
// raw bytes. The address of any slice handed out of a Blob must stay
// stable for the lifetime of the process, since symbol indices borrow
// name slices from it; all three implementations below satisfy that by
// never reallocating or moving the backing array after construction.
type Blob interface {
	// Bytes returns the full backing slice. Callers must not mutate it.
	Bytes() []byte
	// Close releases any OS resources (e.g. an mmap) held by the blob.
	Close() error
}

// mmapBlob memory-maps a file and exposes it as a stable byte slice. The
// whole file is kept mapped for the process's lifetime rather than
// faulted in mapping-by-mapping.
type mmapBlob struct {
	data []byte
}

func newMmapBlob(f *os.File) (*mmapBlob, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return &mmapBlob{data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mmapBlob{data: data}, nil
}

func (b *mmapBlob) Bytes() []byte { return b.data }

func (b *mmapBlob) Close() error {
	if b.data == nil {
		return nil
	}
	return unix.Munmap(b.data)
}

// staticBlob wraps bytes the caller guarantees will outlive the process
// (e.g. a slice embedded via go:embed).
type staticBlob struct {
	data []byte
}

func (b *staticBlob) Bytes() []byte { return b.data }
func (b *staticBlob) Close() error  { return nil }

// ownedBlob wraps a buffer this process allocated and owns outright, e.g.
// bytes that arrived inline in a BinaryBlob packet.
type ownedBlob struct {
	data []byte
}

func (b *ownedBlob) Bytes() []byte { return b.data }
func (b *ownedBlob) Close() error  { return nil }
