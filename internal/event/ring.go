package event

// ring is a fixed-capacity per-job event buffer. When full, the oldest
// entry is overwritten. Not safe for concurrent use; the pipeline
// serializes access.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// since returns buffered events with Sequence > seq, oldest first.
func (r *ring) since(seq uint64) []Event {
	var out []Event
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

// oldest returns the lowest buffered sequence, or 0 when empty.
func (r *ring) oldest() uint64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[r.start].Sequence
}
