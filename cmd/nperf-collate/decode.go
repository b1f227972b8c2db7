package main

import (
	"fmt"
	"io"

	"github.com/nperf/collate/internal/archive"
	"github.com/nperf/collate/internal/errs"
)

// decodeArchive turns the raw bytes of a recorded archive into a slice
// of packets. The on-disk framing format is an external collaborator
// of the collation engine, not part of it, so this is the seam a real
// deployment plugs its archive codec into; the engine itself only ever
// consumes an archive.Source, and is exercised directly against
// archive.NewSliceSource in tests.
func decodeArchive(r io.Reader) ([]archive.Packet, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrArchiveOpen, err)
	}
	return nil, fmt.Errorf("%w: no archive codec is wired into this build", errs.ErrArchiveOpen)
}
