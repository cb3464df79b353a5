// Package sessionkey implements the two per-port registries spec.md §4.12
// describes: disconnected SSH channel streams waiting to be reattached
// after a reconnect, and the set of remote-forwarder goroutines currently
// live for a port, each keyed by the session/port Key it belongs to.
//
// Grounded on the teacher's concurrency idiom throughout
// backend/internal/sshtunnel/tunnel_manager.go (a mutex-guarded map plus
// small single-purpose accessor methods) rather than a generic container
// library: neither example repo in the pack reaches for one for this kind
// of small, domain-specific registry.
package sessionkey

import (
	"io"
	"sync"
)

// Key identifies one forwarded port within one session. A session is a
// relay connection generation; reconnecting starts a new session but keeps
// the same port numbers. RemoteForwarderRegistry is keyed by Key;
// DisconnectedStreamRegistry is keyed by port alone, so a reattached stream
// is found without its old SessionID.
type Key struct {
	SessionID string
	Port      uint16
}

// DisconnectedStreamRegistry holds channel streams left over from a
// session that ended before a client finished using them, ordered oldest
// first per port, so a reconnect can hand the next inbound channel-open
// the stream its client is still waiting to read from.
type DisconnectedStreamRegistry struct {
	mu      sync.Mutex
	streams map[uint16][]io.ReadWriteCloser
}

// NewDisconnectedStreamRegistry builds an empty registry.
func NewDisconnectedStreamRegistry() *DisconnectedStreamRegistry {
	return &DisconnectedStreamRegistry{streams: make(map[uint16][]io.ReadWriteCloser)}
}

// Add appends stream to port's list, to be claimed by a future reconnect.
func (r *DisconnectedStreamRegistry) Add(port uint16, stream io.ReadWriteCloser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[port] = append(r.streams[port], stream)
}

// TakeFirst removes and returns the oldest stream registered for port, if
// any.
func (r *DisconnectedStreamRegistry) TakeFirst(port uint16) (io.ReadWriteCloser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.streams[port]
	if len(list) == 0 {
		return nil, false
	}
	stream := list[0]
	remaining := list[1:]
	if len(remaining) == 0 {
		delete(r.streams, port)
	} else {
		r.streams[port] = remaining
	}
	return stream, true
}

// CloseAll closes and discards every registered stream for every port; used
// when a connection is disposed and any stream nobody ever reattached to
// should simply be torn down.
func (r *DisconnectedStreamRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, list := range r.streams {
		for _, s := range list {
			_ = s.Close()
		}
		delete(r.streams, port)
	}
}

// RemoteForwarder is anything a RemoteForwarderRegistry can hold: a
// background task serving one forwarded port, stoppable on demand.
type RemoteForwarder interface {
	Stop()
}

// RemoteForwarderRegistry tracks the single active forwarder per Key,
// guaranteeing RefreshPorts (spec.md §4.10) never starts two forwarders for
// the same session/port pair. A stale forwarder is replaced by StopAndRemove
// followed by StartIfAbsent; there is no single atomic swap.
type RemoteForwarderRegistry struct {
	mu         sync.Mutex
	forwarders map[Key]RemoteForwarder
}

// NewRemoteForwarderRegistry builds an empty registry.
func NewRemoteForwarderRegistry() *RemoteForwarderRegistry {
	return &RemoteForwarderRegistry{forwarders: make(map[Key]RemoteForwarder)}
}

// StartIfAbsent registers f under key if nothing is already registered
// there, returning false without calling anything if one already exists.
func (r *RemoteForwarderRegistry) StartIfAbsent(key Key, f RemoteForwarder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.forwarders[key]; exists {
		return false
	}
	r.forwarders[key] = f
	return true
}

// Get returns the forwarder registered at key without removing it, so a
// channel-open dispatcher can find the target a previously announced
// forward should bridge to.
func (r *RemoteForwarderRegistry) Get(key Key) (RemoteForwarder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.forwarders[key]
	return f, ok
}

// StopAndRemove stops and unregisters the forwarder at key, if any.
func (r *RemoteForwarderRegistry) StopAndRemove(key Key) {
	r.mu.Lock()
	f, ok := r.forwarders[key]
	if ok {
		delete(r.forwarders, key)
	}
	r.mu.Unlock()
	if ok {
		f.Stop()
	}
}

// Keys returns every key currently registered, a snapshot safe to range
// over after the registry has moved on.
func (r *RemoteForwarderRegistry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.forwarders))
	for k := range r.forwarders {
		keys = append(keys, k)
	}
	return keys
}

// StopAll stops and removes every registered forwarder.
func (r *RemoteForwarderRegistry) StopAll() {
	for _, k := range r.Keys() {
		r.StopAndRemove(k)
	}
}
