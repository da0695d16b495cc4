package server

// writeQueue holds the outbound buffers of one connection. The head is the
// only buffer that may have a write in flight.
type writeQueue struct {
	bufs [][]byte
}

// enqueue appends buf. If the queue was empty, buf is returned so the caller
// submits it immediately.
func (q *writeQueue) enqueue(buf []byte) ([]byte, bool) {
	q.bufs = append(q.bufs, buf)
	if len(q.bufs) == 1 {
		return buf, true
	}
	return nil, false
}

// complete drops the head after its write finished and returns the next
// buffer to submit, if any
func (q *writeQueue) complete() ([]byte, bool) {
	if len(q.bufs) == 0 {
		return nil, false
	}
	q.bufs[0] = nil
	q.bufs = q.bufs[1:]
	if len(q.bufs) == 0 {
		q.bufs = nil
		return nil, false
	}
	return q.bufs[0], true
}

// discard drops every pending buffer and returns how many were dropped
func (q *writeQueue) discard() int {
	n := len(q.bufs)
	q.bufs = nil
	return n
}

func (q *writeQueue) len() int {
	return len(q.bufs)
}

// pendingBytes returns the total size of queued buffers
func (q *writeQueue) pendingBytes() int {
	total := 0
	for _, b := range q.bufs {
		total += len(b)
	}
	return total
}
