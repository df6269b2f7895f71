package directory

import (
	"encoding/json"
	"sync"
)

// Peer is a known remote node (spec.md §3). The local peer's own UID is
// fixed for the process lifetime; the Directory invariant is that it
// never stores an entry for itself.
type Peer struct {
	mu        sync.Mutex
	UID       string
	NodeName  string
	NodeUID   string
	AppID     string
	groups    map[string]struct{}
	accesses  map[string]AccessDescriptor
}

// NewPeer creates a Peer shell for uid; fields are filled in as the
// discovery handshake (directory.Contact) progresses.
func NewPeer(uid string) *Peer {
	return &Peer{
		UID:      uid,
		groups:   make(map[string]struct{}),
		accesses: make(map[string]AccessDescriptor),
	}
}

// SetAccess records (or replaces) the descriptor for an access-id.
func (p *Peer) SetAccess(accessID string, descriptor AccessDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accesses[accessID] = descriptor
}

// Access returns the descriptor registered for accessID, if any.
func (p *Peer) Access(accessID string) (AccessDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.accesses[accessID]
	return d, ok
}

// Accesses returns a snapshot of all access-ids this peer currently
// exposes.
func (p *Peer) Accesses() map[string]AccessDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]AccessDescriptor, len(p.accesses))
	for k, v := range p.accesses {
		out[k] = v
	}
	return out
}

// RemoveAccess drops an access-id; returns true if the peer has no
// remaining accesses (spec.md §3: a peer is destroyed "when all accesses
// are removed").
func (p *Peer) RemoveAccess(accessID string) (empty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accesses, accessID)
	return len(p.accesses) == 0
}

// JoinGroup/LeaveGroup/Groups/InGroup track the group membership carried
// in the peer dump.
func (p *Peer) JoinGroup(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[name] = struct{}{}
}

func (p *Peer) LeaveGroup(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groups, name)
}

func (p *Peer) InGroup(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.groups[name]
	return ok
}

func (p *Peer) Groups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.groups))
	for g := range p.groups {
		out = append(out, g)
	}
	return out
}

// Dump is the wire representation of a Peer exchanged during discovery
// (spec.md §6 "Peer dump").
type Dump struct {
	UID      string                     `json:"uid"`
	Name     string                     `json:"name"`
	NodeUID  string                     `json:"node_uid"`
	NodeName string                     `json:"node_name"`
	AppID    string                     `json:"app_id"`
	Groups   map[string]bool            `json:"groups"`
	Accesses map[string]json.RawMessage `json:"accesses"`
}
