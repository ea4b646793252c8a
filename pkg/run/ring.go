package run

// ringBuffer keeps the last capacity lines of a subprocess stream.
type ringBuffer struct {
	lines []string
	cap   int
	start int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < minStoredLines {
		capacity = minStoredLines
	}
	return &ringBuffer{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

func (r *ringBuffer) push(line string) {
	if r.count < r.cap {
		r.lines[(r.start+r.count)%r.cap] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.cap
}

func (r *ringBuffer) snapshot() []string {
	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%r.cap]
	}
	return out
}
