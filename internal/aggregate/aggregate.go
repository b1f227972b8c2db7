// Package aggregate builds the frequency histogram over classified
// stacks and renders it into the flat, one-line-per-stack output
// format.
package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nperf/collate/internal/classify"
	"github.com/nperf/collate/internal/kallsyms"
)

// stackKey is the structural equality key for a classified stack: two
// stacks collide iff every frame field that participates in rendering
// matches exactly.
type stackKey string

// Histogram counts identical classified stacks.
type Histogram struct {
	counts map[stackKey]uint64
	stacks map[stackKey][]classify.Frame
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make(map[stackKey]uint64),
		stacks: make(map[stackKey][]classify.Frame),
	}
}

// Add increments the count for stack, given leaf-first order (kernel
// frames, then user frames, then the thread marker, then the process
// frame at the tail).
func (h *Histogram) Add(stack []classify.Frame) {
	key := keyOf(stack)
	h.counts[key]++
	if _, ok := h.stacks[key]; !ok {
		h.stacks[key] = stack
	}
}

// Total returns the sum of every stack's count, i.e. the number of
// samples collated into the histogram.
func (h *Histogram) Total() uint64 {
	var total uint64
	for _, c := range h.counts {
		total += c
	}
	return total
}

// Len reports how many distinct stacks the histogram holds.
func (h *Histogram) Len() int { return len(h.counts) }

func keyOf(stack []classify.Frame) stackKey {
	var b strings.Builder
	for _, f := range stack {
		fmt.Fprintf(&b, "%d|%d|%d|%s|%d|%+v|%d|%d|%d;",
			f.Kind, f.Pid, f.Tid, f.Name, f.Address, f.BinaryID, f.SymbolIndex, f.Source, f.KernelSymbolIndex)
	}
	return stackKey(b.String())
}

// SymbolNamer resolves a (binary id, symbol index) pair and a kernel
// symbol index into the rendered text for UserSymbol/KernelSymbol
// frames. It is implemented by the replay engine, which alone knows
// which Symbols index a given source/id pair refers to.
type SymbolNamer interface {
	UserSymbolText(f classify.Frame) string
	BinaryBasename(f classify.Frame) string
	KernelSymbolAt(idx int) kallsyms.Symbol
}

// Render writes one line per distinct stack: root-first frames joined
// by ";", a space, the decimal count, and a newline. Lines are sorted
// by descending count then by stack text, for deterministic output.
func Render(h *Histogram, namer SymbolNamer) string {
	type row struct {
		text  string
		count uint64
	}
	rows := make([]row, 0, len(h.counts))
	for key, stack := range h.stacks {
		rows = append(rows, row{text: renderStack(stack, namer), count: h.counts[key]})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].text < rows[j].text
	})

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.text)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(r.count, 10))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderStack renders a stack stored in Add's order -- kernel frames,
// then user frames, then the thread marker, then the process frame,
// each leaf-first -- into root-first display order: process, thread
// marker, user frames outermost-to-innermost, kernel frames
// outermost-to-innermost.
func renderStack(stack []classify.Frame, namer SymbolNamer) string {
	parts := make([]string, len(stack))
	n := len(stack)
	for i, f := range stack {
		parts[n-1-i] = renderFrame(f, namer)
	}
	return strings.Join(parts, ";")
}

func renderFrame(f classify.Frame, namer SymbolNamer) string {
	switch f.Kind {
	case classify.KindProcess:
		if f.Name != "" {
			return fmt.Sprintf("%s [PID=%d]", f.Name, f.Pid)
		}
		return fmt.Sprintf("[PID=%d]", f.Pid)
	case classify.KindMainThread:
		return "[MAIN_THREAD]"
	case classify.KindThread:
		if f.Name != "" {
			return fmt.Sprintf("%s [THREAD=%d]", f.Name, f.Tid)
		}
		return fmt.Sprintf("[THREAD=%d]", f.Tid)
	case classify.KindUser:
		return fmt.Sprintf("0x%016X", f.Address)
	case classify.KindUserBinary:
		return fmt.Sprintf("0x%016X [%s]", f.Address, namer.BinaryBasename(f))
	case classify.KindUserSymbol:
		return fmt.Sprintf("%s [%s]", namer.UserSymbolText(f), namer.BinaryBasename(f))
	case classify.KindKernel:
		return fmt.Sprintf("0x%016X_[k]", f.Address)
	case classify.KindKernelSymbol:
		sym := namer.KernelSymbolAt(f.KernelSymbolIndex)
		if sym.Module != "" {
			return fmt.Sprintf("%s [linux:%s]_[k]", sym.Name, sym.Module)
		}
		return fmt.Sprintf("%s [linux]_[k]", sym.Name)
	default:
		return "?"
	}
}
