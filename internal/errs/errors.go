// Package errs names the fatal-error taxonomy so callers can distinguish
// "abort the whole collation" from "log a warning and degrade", the way
// a loader might keep going after a recoverable section failure but
// abort on a missing required one.
package errs

import "errors"

// Sentinel errors identifying the collation failure taxonomy. Wrap these
// with fmt.Errorf("...: %w", ...) to attach context; callers use
// errors.Is to classify.
var (
	// ErrArchiveOpen: the archive file cannot be opened or its header is
	// invalid. Fatal.
	ErrArchiveOpen = errors.New("archive: cannot open or validate")

	// ErrArchivePacket: malformed packet or framing error mid-stream.
	// Fatal at the point encountered.
	ErrArchivePacket = errors.New("archive: malformed packet")

	// ErrBinaryParse: ELF header/sections malformed. Fatal for
	// archive-embedded blobs; warning-and-skip for debug-symbols
	// directory entries (the caller decides which).
	ErrBinaryParse = errors.New("binary: malformed ELF")

	// ErrIdentityMismatch: the on-disk binary's (inode, dev) doesn't
	// match what the recorder expected. Fatal.
	ErrIdentityMismatch = errors.New("binary: identity mismatch")

	// ErrUnsupportedElfType: an ELF object is neither ET_EXEC nor
	// ET_DYN. Fatal for the offending binary.
	ErrUnsupportedElfType = errors.New("binary: unsupported ELF type")

	// ErrUnsupportedArchitecture: an ELF machine type this tool doesn't
	// recognize, or a machine architecture with no registered unwinder.
	// Fatal for the offending binary; for the machine architecture, raw
	// samples become uncollatable and are silently dropped instead.
	ErrUnsupportedArchitecture = errors.New("binary: unsupported architecture")

	// ErrRangeMapViolation: an overlapping or absent range on
	// map/unmap. Fatal -- it indicates archive corruption.
	ErrRangeMapViolation = errors.New("rangemap: overlap or missing entry")

	// ErrInternalInvariant: a base address was expected to be set by a
	// prior BinaryMap packet but is missing. Never silently return a
	// wrong offset for this.
	ErrInternalInvariant = errors.New("internal invariant violated")
)
