package request

import "sync/atomic"

// Memory is a borrowed reference to a request buffer.
type Memory struct {
	owner    *Request
	released atomic.Bool
}

func (r *Request) newMemory() *Memory {
	r.memRefs.Add(1)
	return &Memory{owner: r}
}

// Bytes returns the underlying buffer.
func (m *Memory) Bytes() []byte { return m.owner.buffer }

// Len returns the buffer length.
func (m *Memory) Len() int { return len(m.owner.buffer) }

// Owner returns the request the buffer belongs to.
func (m *Memory) Owner() *Request { return m.owner }

// Release drops the reference. Repeated calls are no-ops.
func (m *Memory) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.owner.memRefs.Add(-1)
	}
}
