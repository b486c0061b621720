package tracker

// ring is a fixed-capacity FIFO of votes; pushing at capacity evicts the oldest.
type ring struct {
	buf   []Vote
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Vote, capacity)}
}

func (r *ring) push(v Vote) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the votes oldest first.
func (r *ring) items() []Vote {
	out := make([]Vote, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) resize(capacity int) {
	votes := r.items()
	if len(votes) > capacity {
		votes = votes[len(votes)-capacity:]
	}
	r.buf = make([]Vote, capacity)
	copy(r.buf, votes)
	r.start = 0
	r.n = len(votes)
}
