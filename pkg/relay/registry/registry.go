// Package registry tracks open client connections and live provider sessions
// for status reporting and graceful shutdown.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle lets the registry reach a connection during shutdown.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Snapshot struct {
	ActiveConnections int `json:"active_connections"`
	ActiveSessions    int `json:"active_gemini_sessions"`
}

type Registry struct {
	mu          sync.Mutex
	connections map[string]*entry
	sessions    map[string]*entry

	// Only connections are waited on; a session never outlives its connection.
	wg       sync.WaitGroup
	draining atomic.Bool
}

type entry struct {
	handle Handle
	once   sync.Once
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*entry),
		sessions:    make(map[string]*entry),
	}
}

// AdmitConnection records an accepted client connection. The returned release
// func is idempotent. Admitting an id that is already present releases the
// previous entry first so nothing is counted twice.
func (r *Registry) AdmitConnection(id string, h Handle) (release func()) {
	if r == nil {
		return func() {}
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.connections == nil {
		r.connections = make(map[string]*entry)
	}
	old := r.connections[id]
	r.connections[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.releaseConnection(id, old)
	}
	return func() { r.releaseConnection(id, e) }
}

func (r *Registry) releaseConnection(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.connections[id] == e {
			delete(r.connections, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// AdmitSession records a live provider session. The returned release func is
// idempotent.
func (r *Registry) AdmitSession(id string) (release func()) {
	if r == nil {
		return func() {}
	}
	e := &entry{}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[id]
	r.sessions[id] = e
	r.mu.Unlock()

	if old != nil {
		r.releaseSession(id, old)
	}
	return func() { r.releaseSession(id, e) }
}

func (r *Registry) releaseSession(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	})
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{ActiveConnections: len(r.connections), ActiveSessions: len(r.sessions)}
}

func (r *Registry) SetDraining(draining bool) {
	if r == nil {
		return
	}
	r.draining.Store(draining)
}

func (r *Registry) IsDraining() bool {
	if r == nil {
		return false
	}
	return r.draining.Load()
}

func (r *Registry) WarnAll(code, message string) (sent int) {
	if r == nil {
		return 0
	}
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.connections {
		if e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	var cancels []func()
	r.mu.Lock()
	for _, e := range r.connections {
		if e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every admitted connection has been released or ctx is
// done. It reports whether all connections drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
