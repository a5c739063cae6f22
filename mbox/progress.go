package mbox

import (
	"io"
	"sync/atomic"
)

// ProgressSource wraps a reader and counts the bytes that pass through it, so
// progress can be computed without asking the underlying handle where it is.
type ProgressSource struct {
	r    io.Reader
	size int64
	n    atomic.Int64
}

// NewProgressSource wraps r; size is the expected total and may be zero when unknown.
func NewProgressSource(r io.Reader, size int64) *ProgressSource {
	return &ProgressSource{r: r, size: size}
}

func (p *ProgressSource) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n.Add(int64(n))
	return n, err
}

// Offset returns the number of bytes read so far.
func (p *ProgressSource) Offset() int64 {
	return p.n.Load()
}

// Size returns the expected total size.
func (p *ProgressSource) Size() int64 {
	return p.size
}

// Percent returns Offset as a percentage of Size, capped at 100.
func (p *ProgressSource) Percent() int {
	if p.size <= 0 {
		return 0
	}
	pct := int(p.Offset() * 100 / p.size)
	if pct > 100 {
		pct = 100
	}
	return pct
}
