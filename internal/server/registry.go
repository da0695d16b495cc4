package server

import (
	"net"
	"sort"
	"time"
)

// ConnID identifies a control connection for its lifetime
type ConnID string

// connection is the reactor-side state of one control client. Only the
// event loop reads or writes its fields.
type connection struct {
	id        ConnID
	conn      net.Conn
	remote    string
	connected time.Time

	queue  writeQueue
	writes chan []byte // feeds the writer goroutine, at most one buffer
	alive  bool

	requests     uint64
	bytesWritten uint64
}

// ConnectionInfo is a snapshot of a control connection
type ConnectionInfo struct {
	ID           ConnID    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	Requests     uint64    `json:"requests"`
	BytesWritten uint64    `json:"bytes_written"`
	PendingBufs  int       `json:"pending_buffers"`
	PendingBytes int       `json:"pending_bytes"`
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		RemoteAddr:   c.remote,
		ConnectedAt:  c.connected,
		Requests:     c.requests,
		BytesWritten: c.bytesWritten,
		PendingBufs:  c.queue.len(),
		PendingBytes: c.queue.pendingBytes(),
	}
}

// registry tracks live connections. It is owned by the event loop.
type registry struct {
	conns map[ConnID]*connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[ConnID]*connection)}
}

func (r *registry) add(c *connection) {
	r.conns[c.id] = c
}

func (r *registry) get(id ConnID) (*connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) remove(id ConnID) (*connection, bool) {
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

func (r *registry) len() int {
	return len(r.conns)
}

func (r *registry) all() []*connection {
	out := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// snapshot lists connections, oldest first
func (r *registry) snapshot() []ConnectionInfo {
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
