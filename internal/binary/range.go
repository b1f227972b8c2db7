package binary

// Range is a half-open byte range [Start, End) into some blob.
type Range struct {
	Start, End uint64
}

func (r Range) Len() uint64 { return r.End - r.Start }

func (r Range) Empty() bool { return r.Start >= r.End }
