package debuglink

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nperf/collate/internal/binary"
)

func TestBuild_SkipsUnreadableAndNonElfEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-an-elf.txt"), []byte("hello"), 0o644))

	r := Build([]string{dir, filepath.Join(dir, "does-not-exist")}, zerolog.New(io.Discard))
	defer r.Close()

	_, ok := r.Lookup("not-an-elf.txt")
	assert.False(t, ok, "a file that fails ELF parsing is skipped, not indexed")
}

func TestLookup_EmptyNameNeverMatches(t *testing.T) {
	r := Build(nil, zerolog.New(io.Discard))
	defer r.Close()
	_, ok := r.Lookup("")
	assert.False(t, ok)
}

func TestLookup_ConsumesEntryOnMatch(t *testing.T) {
	r := &Resolver{byBasename: map[string]*binary.Data{"libfoo.debug": {}}}
	defer r.Close()

	_, ok := r.Lookup("libfoo.debug")
	require.True(t, ok, "first lookup claims the entry")

	_, ok = r.Lookup("libfoo.debug")
	assert.False(t, ok, "second lookup for the same basename finds nothing, since the first claimed it")
}
