// Package kallsyms parses the /proc/kallsyms text format into an
// address-ordered interval map.
package kallsyms

import (
	"bufio"
	"bytes"
	"math"
	"strconv"

	"github.com/nperf/collate/internal/rangemap"
)

// Symbol is one kernel symbol, its address range (since kallsyms carries
// no size, the range is inferred as [addr_i, addr_{i+1})), and the
// module it belongs to, if any.
type Symbol struct {
	Address uint64
	Name    string
	Module  string // "" if built into the kernel image
}

// Parse decodes /proc/kallsyms-format text into a RangeMap keyed by
// address range. Lines whose address is 0 are skipped; the last
// symbol's range is [addr, math.MaxUint64), half-open like every other.
func Parse(data []byte) *rangemap.RangeMap[Symbol] {
	type raw = struct {
		addr   uint64
		name   string
		module string
	}

	var parsed []raw
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fields := splitKallsymsLine(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		name := fields[2]
		module := ""
		if len(fields) > 3 {
			module = trimModuleBrackets(fields[3])
		}
		parsed = append(parsed, raw{addr: addr, name: name, module: module})
	}

	// kallsyms is already address-sorted in practice, but don't rely on
	// it; the RangeMap requires strictly increasing, non-overlapping
	// pushes.
	sortByAddr(parsed)

	// Collapse aliased addresses down to one entry each, keeping the
	// first symbol seen at a given address, so every surviving entry
	// has a strictly greater address than the one before it.
	deduped := parsed[:0]
	for i, r := range parsed {
		if i > 0 && parsed[i-1].addr == r.addr {
			continue
		}
		deduped = append(deduped, r)
	}

	m := rangemap.New[Symbol]()
	for i, r := range deduped {
		end := uint64(math.MaxUint64)
		if i+1 < len(deduped) {
			end = deduped[i+1].addr
		}
		_ = m.Push(r.addr, end, Symbol{Address: r.addr, Name: r.name, Module: r.module})
	}
	return m
}

func sortByAddr(rs []struct {
	addr   uint64
	name   string
	module string
}) {
	// Simple insertion sort is fine: kallsyms arrives pre-sorted in the
	// overwhelming common case, so this is effectively O(n).
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].addr > rs[j].addr; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

func splitKallsymsLine(line string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(line); i++ {
		if i < len(line) && line[i] != ' ' && line[i] != '\t' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			fields = append(fields, line[start:i])
			start = -1
		}
	}
	return fields
}

func trimModuleBrackets(s string) string {
	s = string(bytes.TrimPrefix([]byte(s), []byte("[")))
	s = string(bytes.TrimSuffix([]byte(s), []byte("]")))
	return s
}
