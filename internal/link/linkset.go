package link

import (
	"sync"

	"github.com/pkg/errors"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/wire"
)

// NoLink is returned by SendTo when the given address has no valid Link.
var NoLink = errors.New("link: no such link")

// Dialer opens a Stream to a given address (e.g. dial a TCP/serial/BT
// endpoint).
type Dialer func(address string) (Stream, error)

// Set is a process-global `address -> Link` map (spec.md §4.3). It
// decouples discovery churn (addresses appearing/disappearing) from
// individual link handshakes, the way the teacher's `node.go` separates
// `requirePeer` (peer table membership) from `peer.connect` (per-peer
// socket lifecycle).
type Set struct {
	mu    sync.Mutex
	links map[string]*Link
	cfg   Config
	dial  Dialer

	onMessage MessageFunc
	onNew     []func(address string)
	onLeave   []func(address string)
}

// NewSet creates an empty LinkSet. onMessage fires for every message
// received on any link.
func NewSet(dial Dialer, cfg Config, onMessage MessageFunc) *Set {
	return &Set{
		links:     make(map[string]*Link),
		cfg:       cfg,
		dial:      dial,
		onMessage: onMessage,
	}
}

// OnNew registers a listener invoked when a new address gets a Link.
func (s *Set) OnNew(f func(address string)) { s.onNew = append(s.onNew, f) }

// OnLeave registers a listener invoked when a Link's address is evicted
// after a link error (Set has no explicit removal operation).
func (s *Set) OnLeave(f func(address string)) { s.onLeave = append(s.onLeave, f) }

// Update starts links for any new addresses in the list; existing
// addresses are left untouched (update is a no-op for them).
func (s *Set) Update(addresses []string) {
	s.mu.Lock()
	var toStart []*Link
	for _, addr := range addresses {
		if _, ok := s.links[addr]; ok {
			continue
		}
		l := New(addr, func() (Stream, error) { return s.dial(addr) }, s.cfg, s.onMessage, s.notifyNew, s.notifyLeave)
		s.links[addr] = l
		toStart = append(toStart, l)
	}
	s.mu.Unlock()

	for _, l := range toStart {
		l.Start()
	}
}

// Accept registers an already-open inbound stream as address's Link,
// skipping the dial step Update would otherwise perform. Used by
// transports whose physical medium is a listen/accept network (e.g. a
// TCP link standing in for hardware serial/Bluetooth in a LAN demo),
// where the remote side may initiate the connection instead of being
// dialed. A second Accept/Update for an address already linked closes
// the new stream and leaves the existing Link untouched.
func (s *Set) Accept(address string, stream Stream) {
	s.mu.Lock()
	if _, ok := s.links[address]; ok {
		s.mu.Unlock()
		stream.Close()
		return
	}
	l := New(address, func() (Stream, error) { return stream, nil }, s.cfg, s.onMessage, s.notifyNew, s.notifyLeave)
	s.links[address] = l
	s.mu.Unlock()

	l.Start()
}

func (s *Set) notifyNew(address string) {
	for _, f := range s.onNew {
		f(address)
	}
}

// notifyLeave is wired as the Link's on_error callback; it additionally
// evicts the entry, per spec.md §4.3.
func (s *Set) notifyLeave(address string) {
	s.mu.Lock()
	delete(s.links, address)
	s.mu.Unlock()

	for _, f := range s.onLeave {
		f(address)
	}
}

// SendTo sends msg to the link at address; returns NoLink if that
// address has no valid link.
func (s *Set) SendTo(address string, msg *wire.Message) error {
	s.mu.Lock()
	l, ok := s.links[address]
	s.mu.Unlock()
	if !ok {
		return NoLink
	}
	return l.Send(msg)
}

// Close transitions every link to Closing.
func (s *Set) Close() {
	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		go l.Close()
	}
}

// Closed reports whether every link known to the set has reached Closed.
// Links already evicted on error do not count against this, since
// eviction only happens for links whose on_error already fired.
func (s *Set) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.State() != Closed {
			plog.Debugf("linkset: %s still %s", l.Address(), l.State())
			return false
		}
	}
	return true
}

// Links returns a snapshot of the currently tracked addresses.
func (s *Set) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.links))
	for addr := range s.links {
		out = append(out, addr)
	}
	return out
}
