package binary

// Chunks accumulates byte ranges of a binary's symbol or string table as
// they arrive packet-by-packet from the archive, and serves them back by
// exact range. This is the retained-bytes pattern for the archived (as
// opposed to on-disk) case: string-table chunks are kept behind a shared
// handle so Symbols indices built against several symbol tables can all
// borrow from the same retained bytes, while a binary's symbol-table
// chunks are discarded once its Symbols index is built.
type Chunks struct {
	ranges []Range
	data   [][]byte
}

func NewChunks() *Chunks {
	return &Chunks{}
}

// Add appends a chunk of data at the given offset.
func (c *Chunks) Add(offset uint64, data []byte) {
	c.ranges = append(c.ranges, Range{Start: offset, End: offset + uint64(len(data))})
	c.data = append(c.data, data)
}

// RangeByOffset returns the range of the chunk that starts at offset.
func (c *Chunks) RangeByOffset(offset uint64) (Range, bool) {
	for _, r := range c.ranges {
		if r.Start == offset {
			return r, true
		}
	}
	return Range{}, false
}

// Bytes returns the bytes of the chunk whose range exactly matches r, or
// nil if no such chunk was ever added (this indicates archive
// corruption: a SymbolTable packet referencing a StringTable range that
// never arrived).
func (c *Chunks) Bytes(r Range) []byte {
	for i, cr := range c.ranges {
		if cr == r {
			return c.data[i]
		}
	}
	return nil
}

// Clear discards all chunks, releasing their backing arrays. Called once
// a binary's Symbols index has been built from its symbol-table chunks
// (string-table chunks are held in a separate Chunks and are not
// cleared).
func (c *Chunks) Clear() {
	c.ranges = nil
	c.data = nil
}
