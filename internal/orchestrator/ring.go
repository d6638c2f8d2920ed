package orchestrator

import "github.com/shaunagostinho/hipotd/internal/types"

// ring keeps the most recent cap samples, dropping the oldest first.
type ring struct {
	buf   []types.DataPoint
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.DataPoint, capacity)}
}

func (r *ring) push(p types.DataPoint) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

func (r *ring) reset() { r.start, r.n = 0, 0 }

// slice copies the samples out in insertion order.
func (r *ring) slice() []types.DataPoint {
	out := make([]types.DataPoint, r.n)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
