// Package herald implements the subject-based message bus (spec.md §4.6):
// dispatch by subject filter, reply correlation, transport selection, and
// group broadcast. Grounded on the teacher's (zeromq-gyre) `node.go`
// central `handler()` select-loop, generalized from a fixed switch over
// ZRE message types to listener registration by subject-filter pattern.
package herald

import (
	"sync"

	"github.com/pkg/errors"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// NoTransport is returned when no registered transport advertises an
// access the target peer exposes (spec.md §7).
var NoTransport = errors.New("herald: no transport for peer")

// Transport is the per access-id sender a Bus dispatches through. The
// herald/transport split mirrors spec.md §4.5-§4.6: Transport resolves
// addressing, Bus resolves which Transport to use.
type Transport interface {
	AccessID() string
	Fire(peer *directory.Peer, msg *wire.Message) error
	FireGroup(group string, peers []*directory.Peer, msg *wire.Message) []string
	// ReplyTo addresses the same link/address that `original` arrived on,
	// used when the target peer's directory entry may not carry a fully
	// loaded access descriptor yet (e.g. mid-handshake).
	ReplyTo(original *wire.Message, msg *wire.Message) error
}

type listener struct {
	filter  Filter
	handler func(msg *wire.Message)
}

// Bus is Herald's subject-addressed message bus.
type Bus struct {
	mu         sync.Mutex
	localUID   string
	dir        *directory.Directory
	transports []Transport
	listeners  []listener
}

// New creates a Bus for the local peer uid, dispatching through
// transports in the given preference order.
func New(localUID string, dir *directory.Directory, transports ...Transport) *Bus {
	return &Bus{localUID: localUID, dir: dir, transports: transports}
}

// RegisterTransport appends a transport to the preference order.
func (b *Bus) RegisterTransport(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, t)
}

// Listen registers handler for every subject matching any of patterns.
func (b *Bus) Listen(patterns []string, handler func(msg *wire.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener{filter: Filter(patterns), handler: handler})
}

func (b *Bus) pickTransport(peer *directory.Peer) Transport {
	b.mu.Lock()
	transports := append([]Transport{}, b.transports...)
	b.mu.Unlock()

	for _, t := range transports {
		if _, ok := peer.Access(t.AccessID()); ok {
			return t
		}
	}
	return nil
}

func (b *Bus) transportByAccessID(accessID string) Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.transports {
		if t.AccessID() == accessID {
			return t
		}
	}
	return nil
}

// Fire builds a message for subject/content and hands it to the first
// transport in preference order that advertises an access the peer
// exposes. Its signature matches directory.Bus so *Bus satisfies that
// interface structurally.
func (b *Bus) Fire(peer *directory.Peer, subject string, content []byte) error {
	msg := wire.New(subject, b.localUID, content)
	return b.fireMessage(peer, msg)
}

func (b *Bus) fireMessage(peer *directory.Peer, msg *wire.Message) error {
	msg.Stamp(b.localUID)
	if msg.FinalDestination == "" {
		msg.FinalDestination = peer.UID
	}
	msg.Headers[wire.HeaderTargetPeer] = peer.UID

	t := b.pickTransport(peer)
	if t == nil {
		plog.Warnf("herald: no transport for peer %s", peer.UID)
		return NoTransport
	}
	return t.Fire(peer, msg)
}

// FireMessage sends a pre-built message to peer, stamping and routing it
// exactly as Fire does. Unlike Fire, the caller supplies (and therefore
// already knows) the message's uid before it is sent — needed by callers
// that must correlate a later reply against this exact uid, such as the
// RPC proxy (spec.md §4.11 "correlation by reply-to = request-uid").
func (b *Bus) FireMessage(peer *directory.Peer, msg *wire.Message) error {
	return b.fireMessage(peer, msg)
}

// FireGroup enumerates the directory's peers in group and invokes each
// applicable transport's FireGroup. Per spec.md §4.5/§9, the returned
// reached-set is the full input peer list: fire_group is best-effort,
// per-peer failures are logged but do not narrow what is reported
// reached.
func (b *Bus) FireGroup(group string, subject string, content []byte) []string {
	msg := wire.New(subject, b.localUID, content)
	msg.Stamp(b.localUID)
	msg.Headers[wire.HeaderGroup] = group

	peers := b.dir.InGroup(group)
	byTransport := map[Transport][]*directory.Peer{}
	for _, p := range peers {
		t := b.pickTransport(p)
		if t == nil {
			plog.Warnf("herald: no transport for group peer %s", p.UID)
			continue
		}
		byTransport[t] = append(byTransport[t], p)
	}

	reached := make([]string, 0, len(peers))
	for t, ps := range byTransport {
		t.FireGroup(group, ps, cloneForPeer(msg))
		for _, p := range ps {
			reached = append(reached, p.UID)
		}
	}
	return reached
}

func cloneForPeer(msg *wire.Message) *wire.Message {
	clone := *msg
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	clone.Headers = headers
	return &clone
}

// Reply constructs a response to original: `replies-to` is original's
// uid, subject defaults to `original.subject + "/reply"`, and
// `target-peer` is original's sender (spec.md §4.6).
func (b *Bus) Reply(original *wire.Message, subject string, content []byte) error {
	if subject == "" {
		subject = original.Subject + "/reply"
	}
	msg := wire.New(subject, b.localUID, content)
	msg.ReplyTo = original.UID
	msg.FinalDestination = original.SenderUID
	msg.Headers[wire.HeaderRepliesTo] = original.UID
	msg.Headers[wire.HeaderTargetPeer] = original.SenderUID

	if original.Access != "" {
		if t := b.transportByAccessID(original.Access); t != nil {
			return t.ReplyTo(original, msg)
		}
	}
	if peer, ok := b.dir.Get(original.SenderUID); ok {
		return b.fireMessage(peer, msg)
	}
	return NoTransport
}

// HandleMessage computes the set of listeners whose filter matches the
// subject and invokes each in turn. Listener invocations are independent:
// a panic in one is recovered and logged, never suppressing the rest
// (spec.md §4.6).
func (b *Bus) HandleMessage(msg *wire.Message) {
	b.mu.Lock()
	matched := make([]listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.filter.Matches(msg.Subject) {
			matched = append(matched, l)
		}
	}
	b.mu.Unlock()

	for _, l := range matched {
		invokeListener(l, msg)
	}
}

func invokeListener(l listener, msg *wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			plog.Errorf("herald: listener panicked on subject %s: %v", msg.Subject, r)
		}
	}()
	l.handler(msg)
}
