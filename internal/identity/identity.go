// Package identity implements the process-wide player-name registry: a
// name maps to its current transport handle, a monotonically increasing
// reconnect token, and a pending "back to lobby" flag. It mirrors the
// original server's g_active_names/g_active_fds/g_active_tokens/
// g_active_back_req parallel arrays (original_source/server/src/server.c)
// as a single mutex-guarded map.
package identity

import "sync"

// Handle identifies the live transport bound to a name. The original
// server used an integer file descriptor for this; Go has no equivalent
// stable small-int handle for a net.Conn, so callers pass the same
// *transport.Conn pointer used elsewhere and handles are compared by
// interface equality. A nil Handle means "no live transport" and also acts
// as the wildcard that bypasses the handle check in MarkBack/TakeBack,
// matching the original's "-1 bypasses the check" rule.
type Handle any

type record struct {
	transport Handle
	token     uint64
	back      bool
}

// Registry is the global name → identity mapping. The zero value is not
// usable; construct with New.
type Registry struct {
	mu   sync.Mutex
	recs map[string]*record
	seq  uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{recs: make(map[string]*record)}
}

// Has reports whether name currently has a live record.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recs[name]
	return ok
}

// Add reserves name with no transport, token 0, and no pending-back flag.
// It returns false if the name is already reserved.
func (r *Registry) Add(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.recs[name]; exists {
		return false
	}
	r.recs[name] = &record{}
	return true
}

// SetTransport attaches handle to name and mints a fresh, strictly
// increasing token for this binding. It returns 0 if name has no record —
// set_transport is the only path that ever advances a record's token, and
// token 0 is never returned for a successful assignment.
func (r *Registry) SetTransport(name string, handle Handle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		return 0
	}
	r.seq++
	rec.transport = handle
	rec.token = r.seq
	return rec.token
}

// Transport returns name's current transport handle and whether name has
// a record at all.
func (r *Registry) Transport(name string) (handle Handle, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		return nil, false
	}
	return rec.transport, true
}

// Remove unconditionally drops name's record.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recs, name)
}

// RemoveIfToken removes name's record only if its current token equals t.
// This is the only removal path a session takes on its own exit, so a
// stale session that lost a reconnect race can never evict the successor
// that has since taken over the name.
func (r *Registry) RemoveIfToken(name string, t uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok || rec.token != t {
		return false
	}
	delete(r.recs, name)
	return true
}

// MarkBack sets the pending-back flag for name. If handle is non-nil, the
// record's current transport must equal it or the call is a no-op — this
// stops a match task acting on a transport it no longer owns.
func (r *Registry) MarkBack(name string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		return
	}
	if handle != nil && rec.transport != handle {
		return
	}
	rec.back = true
}

// TakeBack tests and clears the pending-back flag for name, subject to the
// same handle check as MarkBack.
func (r *Registry) TakeBack(name string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		return false
	}
	if handle != nil && rec.transport != handle {
		return false
	}
	was := rec.back
	rec.back = false
	return was
}

// Token returns name's current token and whether it has a record.
func (r *Registry) Token(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[name]
	if !ok {
		return 0, false
	}
	return rec.token, true
}
