package hub

import (
	"sort"
	"sync"
	"time"
)

// DeviceInfo describes a connected device.
type DeviceInfo struct {
	ID          string    `json:"id"`
	Serial      string    `json:"serial,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry maps device identities to their live connections.
//
// It also tracks serials claimed by devices through the hello handshake, so
// commands addressed to a stable serial reach whichever connection currently
// holds it.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn  // device id -> connection
	serials map[string]string // serial -> device id
	claims  map[string]string // device id -> serial
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*Conn),
		serials: make(map[string]string),
		claims:  make(map[string]string),
	}
}

// Register stores conn under id. A previous entry for the same id is
// replaced and returned so the caller can close it.
func (r *Registry) Register(id string, conn *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[id]
	if prev == conn {
		prev = nil
	}
	r.conns[id] = conn
	return prev
}

// Unregister removes id. No-op if absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

// Release removes id only while it still maps to conn. A session closing
// after it was replaced must not evict its successor.
func (r *Registry) Release(id string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[id] != conn {
		return false
	}
	r.removeLocked(id)
	return true
}

func (r *Registry) removeLocked(id string) {
	delete(r.conns, id)
	if serial, ok := r.claims[id]; ok {
		delete(r.claims, id)
		if r.serials[serial] == id {
			delete(r.serials, serial)
		}
	}
}

// Lookup returns the live connection for id.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// SnapshotIDs returns a sorted copy of the registered ids.
func (r *Registry) SnapshotIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Claim binds serial to the registered device id, last writer wins.
// Returns false if id is not registered.
func (r *Registry) Claim(id, serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	if old, ok := r.claims[id]; ok && r.serials[old] == id {
		delete(r.serials, old)
	}
	if holder, ok := r.serials[serial]; ok && holder != id {
		delete(r.claims, holder)
	}
	r.serials[serial] = id
	r.claims[id] = serial
	return true
}

// Resolve returns the device id currently holding serial.
func (r *Registry) Resolve(serial string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.serials[serial]
	return id, ok
}

// SerialOf returns the serial claimed by id, or "".
func (r *Registry) SerialOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claims[id]
}

// Devices returns a sorted snapshot of the connected devices.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	devices := make([]DeviceInfo, 0, len(r.conns))
	for id, conn := range r.conns {
		devices = append(devices, DeviceInfo{
			ID:          id,
			Serial:      r.claims[id],
			RemoteAddr:  conn.RemoteAddr().String(),
			SessionID:   conn.SessionID,
			ConnectedAt: conn.ConnectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// CloseAll closes every registered connection and returns how many it closed.
// Entries are left for their sessions to release.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}
