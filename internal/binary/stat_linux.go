package binary

import (
	"fmt"
	"os"
	"syscall"

	"github.com/nperf/collate/internal/archive"
)

// statID reads the (inode, dev major, dev minor) identity of an open
// file via stat(2).
func statID(f *os.File) (archive.BinaryID, error) {
	info, err := f.Stat()
	if err != nil {
		return archive.BinaryID{}, fmt.Errorf("stat: %w", err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return archive.BinaryID{}, fmt.Errorf("stat: unsupported platform")
	}
	dev := stat.Dev
	return archive.BinaryID{
		Inode:    stat.Ino,
		DevMajor: uint32(unixMajor(dev)),
		DevMinor: uint32(unixMinor(dev)),
	}, nil
}

// unixMajor/unixMinor decode a packed dev_t the same way glibc's
// major()/minor() macros do.
func unixMajor(dev uint64) uint64 {
	return (dev >> 8) & 0xfff
}

func unixMinor(dev uint64) uint64 {
	return (dev & 0xff) | ((dev >> 12) & 0xfff00)
}
