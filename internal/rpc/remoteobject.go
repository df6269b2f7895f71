package rpc

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// DefaultTimeout bounds a RemoteObject call. The source this system is
// modeled on has no timeout at all (an open question left unresolved
// there); five seconds is long enough to absorb a hello-interval's worth
// of link jitter without hanging a caller indefinitely.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned by Call when no reply arrives within the
// configured timeout (spec.md §7 "Timeout").
var ErrTimeout = errors.New("rpc: reply not received within timeout")

type replyResult struct {
	values []interface{}
	err    error
}

// RemoteObject is a blocking proxy for (peerUID, serviceName): each Call
// encodes a methodCall, fires it, and blocks until the matching
// herald/rpc/xmlrpc/reply arrives, correlated by replies-to == the
// request's own uid (spec.md §4.11).
type RemoteObject struct {
	bus         Bus
	dir         *directory.Directory
	peerUID     string
	serviceName string
	timeout     time.Duration

	mu      sync.Mutex
	pending map[string]chan replyResult
}

// NewRemoteObject builds a proxy for (peerUID, serviceName) and
// registers the listener that resolves outstanding calls.
func NewRemoteObject(bus Bus, dir *directory.Directory, peerUID, serviceName string) *RemoteObject {
	r := &RemoteObject{
		bus:         bus,
		dir:         dir,
		peerUID:     peerUID,
		serviceName: serviceName,
		timeout:     DefaultTimeout,
		pending:     make(map[string]chan replyResult),
	}
	bus.Listen([]string{ReplySubject}, r.handleReply)
	return r
}

// SetTimeout overrides DefaultTimeout for subsequent calls.
func (r *RemoteObject) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Call invokes member on the remote service with args (each int or
// string) and blocks for the reply, returning its decoded value list.
func (r *RemoteObject) Call(member string, args ...interface{}) ([]interface{}, error) {
	peer, ok := r.dir.Get(r.peerUID)
	if !ok {
		return nil, errors.Errorf("rpc: unknown peer %q", r.peerUID)
	}

	payload, err := EncodeRequest(r.serviceName+"."+member, args)
	if err != nil {
		return nil, err
	}

	msg := wire.New(RequestSubject, "", payload)
	ch := make(chan replyResult, 1)
	r.mu.Lock()
	r.pending[msg.UID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.UID)
		r.mu.Unlock()
	}()

	if err := r.bus.FireMessage(peer, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.values, res.err
	case <-time.After(r.timeout):
		return nil, ErrTimeout
	}
}

func (r *RemoteObject) handleReply(msg *wire.Message) {
	r.mu.Lock()
	ch, ok := r.pending[msg.ReplyTo]
	r.mu.Unlock()
	if !ok {
		return
	}

	values, err := DecodeResponse(msg.Content)
	select {
	case ch <- replyResult{values: values, err: err}:
	default:
	}
}
