package edge

import "sync"

// Registry maps connection ids to the connections of one channel.
// Entries leave only through Remove.
type Registry struct {
	mu     sync.Mutex
	routes map[uint32]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[uint32]*Connection)}
}

// Save stores conn under its id, replacing any previous entry.
func (r *Registry) Save(conn *Connection) {
	r.mu.Lock()
	r.routes[conn.ID()] = conn
	r.mu.Unlock()
}

func (r *Registry) Get(id uint32) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.routes[id]
	return conn, ok
}

// Remove deletes the entry for id and reports whether one existed.
func (r *Registry) Remove(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[id]
	delete(r.routes, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

// All returns a snapshot of the stored connections.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.routes))
	for _, conn := range r.routes {
		out = append(out, conn)
	}
	return out
}
