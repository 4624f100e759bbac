package logstream

// Ring is a fixed-capacity FIFO of log lines. Once full, each Push evicts
// the oldest line. It is not safe for concurrent use.
type Ring struct {
	buf  []string
	head int // index of the oldest line
	n    int
}

// NewRing creates a ring holding at most capacity lines. A capacity below
// one is treated as one.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]string, max(capacity, 1))}
}

// Push appends line, evicting the oldest line when the ring is full.
func (r *Ring) Push(line string) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.head] = line
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of lines held.
func (r *Ring) Len() int { return r.n }

// Cap returns the maximum number of lines held.
func (r *Ring) Cap() int { return len(r.buf) }

// Lines returns a copy of the held lines, oldest first.
func (r *Ring) Lines() []string {
	out := make([]string, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Tail returns a copy of the newest k lines, oldest first.
func (r *Ring) Tail(k int) []string {
	k = min(max(k, 0), r.n)
	out := make([]string, k)
	for i := range k {
		out[i] = r.buf[(r.head+r.n-k+i)%len(r.buf)]
	}
	return out
}

// Reset drops every line.
func (r *Ring) Reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}
