// Package registry holds the controller's view of connected endpoints.
// Endpoint values are copied in and out; callers never hold a pointer to
// registry-owned state outside an Update callback.
package registry

import (
	"sort"
	"sync"

	"capsync/internal/protocol"
)

// State is an endpoint's connection state.
type State string

const (
	StateConnected       State = "CONNECTED"
	StateSuspect         State = "SUSPECT"
	StateLost            State = "LOST"
	StatePermanentlyLost State = "PERMANENTLY_LOST"
)

// Endpoint is one tracked capture device. Times are unix ms.
type Endpoint struct {
	ID              string                 `json:"id" yaml:"id"`
	Role            protocol.Role          `json:"role" yaml:"role"`
	Address         string                 `json:"address,omitempty" yaml:"address,omitempty"`
	NATType         string                 `json:"nat_type,omitempty" yaml:"nat_type,omitempty"`
	State           State                  `json:"state" yaml:"state"`
	OffsetToMaster  int64                  `json:"offset_to_master_ms" yaml:"offset_to_master_ms"`
	LastRTT         int64                  `json:"last_rtt_ms" yaml:"last_rtt_ms"`
	SyncAccurate    bool                   `json:"sync_accurate" yaml:"sync_accurate"`
	LastSyncAt      int64                  `json:"last_sync_at" yaml:"last_sync_at"`
	LastHeartbeatAt int64                  `json:"last_heartbeat_at" yaml:"last_heartbeat_at"`
	RetryCount      int                    `json:"retry_count" yaml:"retry_count"`
	ConnectedAt     int64                  `json:"connected_at" yaml:"connected_at"`
	Status          *protocol.DeviceStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

func (e Endpoint) clone() Endpoint {
	if e.Status != nil {
		st := *e.Status
		if e.Status.ActiveStreams != nil {
			st.ActiveStreams = make(map[string]bool, len(e.Status.ActiveStreams))
			for k, v := range e.Status.ActiveStreams {
				st.ActiveStreams[k] = v
			}
		}
		e.Status = &st
	}
	return e
}

// Registry is a mutex-guarded map of endpoints keyed by id.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Register adds or replaces ep. It reports whether an entry with the same id
// already existed.
func (r *Registry) Register(ep Endpoint) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.endpoints[ep.ID]
	c := ep.clone()
	r.endpoints[ep.ID] = &c
	return replaced
}

// Unregister removes id and returns the removed entry.
func (r *Registry) Unregister(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	delete(r.endpoints, id)
	return *ep, true
}

// Get returns a copy of the endpoint.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return ep.clone(), true
}

// Update runs fn on the stored endpoint under the registry lock. fn must not
// call back into the registry. It reports whether id was present.
func (r *Registry) Update(id string, fn func(*Endpoint)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return false
	}
	fn(ep)
	ep.ID = id
	return true
}

// List returns copies of all endpoints sorted by id.
func (r *Registry) List() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(nil)
}

// ListState returns endpoints in the given state, sorted by id.
func (r *Registry) ListState(s State) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(func(ep *Endpoint) bool { return ep.State == s })
}

func (r *Registry) listLocked(keep func(*Endpoint) bool) []Endpoint {
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if keep != nil && !keep(ep) {
			continue
		}
		out = append(out, ep.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of all endpoints, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// Clear removes every endpoint.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()
}
