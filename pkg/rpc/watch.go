package rpc

import "sync"

// WatchRegistry maps a symbolic watchKey to the set of connections
// subscribed to it. Emitting on a watched key publishes a server_event to
// every watcher (spec §4.8 "Server push").
type WatchRegistry struct {
	mu      sync.Mutex
	watches map[string]map[string]bool // watchKey -> set of connectionID
	byConn  map[string]map[string]bool // connectionID -> set of watchKey, for fast Disconnect
}

// NewWatchRegistry constructs an empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{
		watches: make(map[string]map[string]bool),
		byConn:  make(map[string]map[string]bool),
	}
}

// Watch subscribes connID to watchKey.
func (w *WatchRegistry) Watch(connID, watchKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watches[watchKey] == nil {
		w.watches[watchKey] = make(map[string]bool)
	}
	w.watches[watchKey][connID] = true
	if w.byConn[connID] == nil {
		w.byConn[connID] = make(map[string]bool)
	}
	w.byConn[connID][watchKey] = true
}

// Unwatch removes connID's subscription to watchKey.
func (w *WatchRegistry) Unwatch(connID, watchKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watches[watchKey], connID)
	delete(w.byConn[connID], watchKey)
}

// Watchers returns every connection subscribed to watchKey.
func (w *WatchRegistry) Watchers(watchKey string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watches[watchKey]))
	for connID := range w.watches[watchKey] {
		out = append(out, connID)
	}
	return out
}

// Disconnect removes every watch subscription owned by connID.
func (w *WatchRegistry) Disconnect(connID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.byConn[connID] {
		delete(w.watches[key], connID)
	}
	delete(w.byConn, connID)
}

// Publish builds a server_event frame for a watched emission on watchKey.
func Publish(watchKey string, payload any) ServerEventFrame {
	return ServerEventFrame{
		Protocol: Protocol,
		Type:     FrameServerEvent,
		Event:    "watch:" + watchKey,
		Payload:  payload,
	}
}
