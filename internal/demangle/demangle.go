// Package demangle turns Itanium-mangled C++ symbol names (the "_Z..."
// names ELF compilers emit) into their readable form, memoizing results
// since the same mangled name recurs across many samples.
package demangle

import (
	"sync"

	itanium "github.com/ianlancetaylor/demangle"
)

// Demangler memoizes demangled names keyed by their mangled form. The
// zero value is ready to use.
type Demangler struct {
	mu    sync.Mutex
	cache map[string]string
}

// New returns a ready-to-use Demangler.
func New() *Demangler {
	return &Demangler{cache: make(map[string]string)}
}

// Name returns the demangled form of raw if it looks like an Itanium
// mangled name (the "_Z" prefix); otherwise it returns raw unchanged.
// A name that looks mangled but fails to demangle is also returned
// unchanged -- this is common for compiler-internal or partially
// stripped symbols and is not itself an error.
func (d *Demangler) Name(raw string) string {
	if len(raw) < 2 || raw[0] != '_' || raw[1] != 'Z' {
		return raw
	}

	d.mu.Lock()
	if d.cache == nil {
		d.cache = make(map[string]string)
	}
	if cached, ok := d.cache[raw]; ok {
		d.mu.Unlock()
		return cached
	}
	d.mu.Unlock()

	result := itanium.Filter(raw)
	if result == "" {
		result = raw
	}

	d.mu.Lock()
	d.cache[raw] = result
	d.mu.Unlock()

	return result
}
