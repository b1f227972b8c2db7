// Package debuglink resolves .gnu_debuglink names against a configured
// set of external debug-symbol locations, each of which may be a single
// file or a directory to scan recursively.
package debuglink

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nperf/collate/internal/binary"
)

// Resolver maps a binary's basename (as named by its .gnu_debuglink
// section) to a loaded external debug ELF, built once from a configured
// search path. Each entry is handed out to at most one binary (see
// Lookup).
type Resolver struct {
	byBasename map[string]*binary.Data
}

// Build scans every entry in paths -- a regular file is tried directly,
// a directory is walked recursively -- loading each as an ELF binary and
// indexing it by basename. A path or file that fails to load is logged
// as a warning and skipped; resolution is always best-effort, since a
// missing debug binary degrades symbolization rather than aborting
// collation.
func Build(paths []string, log zerolog.Logger) *Resolver {
	r := &Resolver{byBasename: make(map[string]*binary.Data)}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("debuglink: search path unavailable")
			continue
		}
		if info.IsDir() {
			r.scanDir(p, log)
			continue
		}
		r.tryLoad(p, log)
	}
	return r
}

func (r *Resolver) scanDir(dir string, log zerolog.Logger) {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		r.tryLoad(path, log)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("debuglink: walk failed")
	}
}

func (r *Resolver) tryLoad(path string, log zerolog.Logger) {
	data, err := binary.LoadFromFS(nil, path, log)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("debuglink: candidate is not a usable ELF binary")
		return
	}
	base := filepath.Base(path)
	if existing, ok := r.byBasename[base]; ok {
		existing.Close()
	}
	r.byBasename[base] = data
}

// Lookup returns the loaded debug binary matching name (the basename
// recorded in a .gnu_debuglink section), if one was found, and removes
// it from the map. Each external debug binary backs at most one
// BinaryInfo's debug_symbols: a second binary naming the same
// debuglink basename gets no match here and falls through to the
// MissingDebuglink warning, rather than silently aliasing the first
// binary's Symbols index.
func (r *Resolver) Lookup(name string) (*binary.Data, bool) {
	if name == "" {
		return nil, false
	}
	d, ok := r.byBasename[name]
	if ok {
		delete(r.byBasename, name)
	}
	return d, ok
}

// Close releases every loaded debug binary.
func (r *Resolver) Close() {
	for _, d := range r.byBasename {
		d.Close()
	}
	r.byBasename = nil
}
