package channel

// ring is a fixed-capacity FIFO of encoded frames. Pushing into a full ring
// drops the oldest frame.
type ring struct {
	buf     [][]byte
	head    int
	size    int
	dropped int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([][]byte, capacity)}
}

func (r *ring) Len() int { return r.size }

func (r *ring) push(frame []byte) {
	if r.size == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
	}
	r.buf[(r.head+r.size)%len(r.buf)] = frame
	r.size++
}

// requeue puts frames back in front of whatever is queued, oldest first.
// Frames that no longer fit are the oldest ones and are dropped.
func (r *ring) requeue(frames [][]byte) {
	for i := len(frames) - 1; i >= 0; i-- {
		if r.size == len(r.buf) {
			r.dropped += i + 1
			return
		}
		r.head = (r.head - 1 + len(r.buf)) % len(r.buf)
		r.buf[r.head] = frames[i]
		r.size++
	}
}

func (r *ring) drain() [][]byte {
	if r.size == 0 {
		return nil
	}
	out := make([][]byte, 0, r.size)
	for r.size > 0 {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	return out
}
