package directory

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrIsLocalPeer is returned when a caller attempts to register the local
// peer's own UID — spec.md §3 invariant: "for any peer in the Directory,
// local_uid != peer.uid".
var ErrIsLocalPeer = errors.New("directory: refusing to register local peer")

// Directory is the local table of known peers (spec.md §3, §4.7).
// Grounded on the teacher's (zeromq-gyre) `node.go` `peers map[string]*peer`
// plus `requirePeer`, generalized from "one entry per zmq identity" to a
// table with its own lost-peer notification, since Herald distinguishes
// "known" (handshake completed) from the zmq-era teacher's "exists".
type Directory struct {
	mu       sync.Mutex
	localUID string
	peers    map[string]*Peer
	onNew    []func(uid string)
	onLost   []func(uid string)
}

// New creates a Directory for a given local peer UID.
func New(localUID string) *Directory {
	return &Directory{
		localUID: localUID,
		peers:    make(map[string]*Peer),
	}
}

// LocalUID returns the fixed local peer identity.
func (d *Directory) LocalUID() string { return d.localUID }

// Register adds peer to the directory, or returns its existing entry
// if already known. Returns ErrIsLocalPeer if uid is the local peer.
func (d *Directory) Register(uid string) (*Peer, error) {
	if uid == d.localUID {
		return nil, ErrIsLocalPeer
	}
	d.mu.Lock()
	if p, ok := d.peers[uid]; ok {
		d.mu.Unlock()
		return p, nil
	}
	p := NewPeer(uid)
	d.peers[uid] = p
	d.mu.Unlock()

	for _, f := range d.onNew {
		f(uid)
	}
	return p, nil
}

// OnNew registers a callback invoked the first time uid is registered
// (used by cmd/ping and cmd/monitor to log peer-enter events the way the
// teacher's node.go fires EventEnter from requirePeer).
func (d *Directory) OnNew(f func(uid string)) { d.onNew = append(d.onNew, f) }

// Known reports whether uid is currently registered in the Directory.
// Contact registers a peer as soon as it receives that peer's dump in a
// step1 or step2 message, before the handshake's step3.
func (d *Directory) Known(uid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[uid]
	return ok
}

// Get returns the peer for uid, if known.
func (d *Directory) Get(uid string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[uid]
	return p, ok
}

// Lose removes uid from the Directory and fires the lost-peer listeners.
// It runs only when a caller invokes it: Contact handles no lost-framework
// message, and Peer.RemoveAccess reporting an empty access set does not
// call it.
func (d *Directory) Lose(uid string) {
	d.mu.Lock()
	_, existed := d.peers[uid]
	delete(d.peers, uid)
	d.mu.Unlock()

	if existed {
		for _, f := range d.onLost {
			f(uid)
		}
	}
}

// OnLost registers a callback invoked when a peer leaves the Directory.
func (d *Directory) OnLost(f func(uid string)) { d.onLost = append(d.onLost, f) }

// All returns a snapshot of every known peer.
func (d *Directory) All() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// InGroup returns every known peer currently a member of group.
func (d *Directory) InGroup(group string) []*Peer {
	var out []*Peer
	for _, p := range d.All() {
		if p.InGroup(group) {
			out = append(out, p)
		}
	}
	return out
}
