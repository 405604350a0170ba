package mvcc

import "sync"

// ReadViewRegistry tracks every currently active ReadView so that GC can
// compute the oldest one still in use (feeding VisibilityFloor input
// "oldest active read-view upper bound"). It tracks only what the fixed
// visibility rule actually needs: a read view's UpperBound.
type ReadViewRegistry struct {
	mu     sync.Mutex
	nextID uint64
	active map[uint64]CommitId
}

// NewReadViewRegistry creates an empty registry.
func NewReadViewRegistry() *ReadViewRegistry {
	return &ReadViewRegistry{active: make(map[uint64]CommitId)}
}

// RegisteredReadView is a registry handle; Release must be called exactly
// once per Register call, typically via defer at the call site that
// issued the read.
type RegisteredReadView struct {
	id  uint64
	reg *ReadViewRegistry
}

// Register records view as active and returns a handle to release it.
func (r *ReadViewRegistry) Register(view ReadView) RegisteredReadView {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.active[id] = view.UpperBound
	return RegisteredReadView{id: id, reg: r}
}

// Release unregisters the read view. Safe to call more than once; the
// second and subsequent calls are no-ops.
func (h RegisteredReadView) Release() {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	delete(h.reg.active, h.id)
}

// OldestActiveUpperBound returns the smallest UpperBound among currently
// active read views, and whether any are active at all.
func (r *ReadViewRegistry) OldestActiveUpperBound() (CommitId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest CommitId
	found := false
	for _, ub := range r.active {
		if !found || ub < oldest {
			oldest = ub
			found = true
		}
	}
	return oldest, found
}

// Count returns the number of currently active read views.
func (r *ReadViewRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
