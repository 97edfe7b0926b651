// Package sessionregistry tracks in-flight sessions by their data-channel
// remote endpoint so an inbound PASV connection can be handed back to the
// session that opened the listener, per spec.md Section 6. It generalizes
// the teacher's server.go bookkeeping (a map of live connections guarded
// by a mutex, keyed by IP for connsByIP) into an endpoint-keyed lookup
// with the bounded retry a late-arriving PASV accept needs.
package sessionregistry

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// lookupAttempts and lookupDelay implement the bounded sleep-retry spec.md
// Section 6 calls for: a PASV accept can race the session that's about to
// register itself, so a lookup miss is retried a few times before giving
// up, rather than either blocking indefinitely or failing the first try.
const (
	lookupAttempts = 3
	lookupDelay    = 10 * time.Millisecond
)

// Session is the minimal surface the registry needs from a session: an
// identifier for logging and diagnostics.
type Session interface {
	SessionID() string
}

// Registry maps a remote data-channel endpoint to the control-channel
// session expecting a connection from it.
type Registry struct {
	mu       sync.Mutex
	byRemote map[string]Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byRemote: make(map[string]Session)}
}

// Register associates remote (the address a PASV client is expected to
// connect from, or "" when any remote is acceptable) with sess. Callers
// must Unregister once the data channel has been claimed or abandoned.
func (r *Registry) Register(remote net.Addr, sess Session) {
	key := keyFor(remote)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRemote[key] = sess
}

// Unregister removes the association for remote, if any.
func (r *Registry) Unregister(remote net.Addr) {
	key := keyFor(remote)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRemote, key)
}

// Lookup finds the session registered for remote, retrying a bounded
// number of times with a short sleep between attempts to cover the race
// between a client's connect and the session's own Register call.
func (r *Registry) Lookup(remote net.Addr) (Session, error) {
	key := keyFor(remote)
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		r.mu.Lock()
		sess, ok := r.byRemote[key]
		r.mu.Unlock()
		if ok {
			return sess, nil
		}
		if attempt < lookupAttempts-1 {
			time.Sleep(lookupDelay)
		}
	}
	return nil, fmt.Errorf("sessionregistry: no session registered for %s", key)
}

// Count reports the number of currently registered endpoints, primarily
// for diagnostics and tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRemote)
}

func keyFor(remote net.Addr) string {
	if remote == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote.String()); err == nil {
		return host
	}
	return remote.String()
}
