package iobuf

// IOVec gathers several non-contiguous byte slices for a single writev(2)
// style write, so a record's header and body can go out in one syscall
// without first concatenating them. No package outside iobuf uses it.
type IOVec struct {
	parts [][]byte
	size  int
}

// Add appends a slice to the gather list.
func (v *IOVec) Add(p []byte) {
	if len(p) == 0 {
		return
	}
	v.parts = append(v.parts, p)
	v.size += len(p)
}

// Len returns the total number of bytes across all parts.
func (v *IOVec) Len() int { return v.size }

// Flatten copies all parts into one contiguous slice. Used by backends
// that only accept a single []byte (e.g. os.File.Write, the spool file
// writer) rather than syscall.Writev.
func (v *IOVec) Flatten() []byte {
	out := make([]byte, 0, v.size)
	for _, p := range v.parts {
		out = append(out, p...)
	}
	return out
}

// Reset empties the gather list for reuse.
func (v *IOVec) Reset() {
	v.parts = v.parts[:0]
	v.size = 0
}
