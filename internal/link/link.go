// Package link implements one peer-to-peer byte stream connection
// (spec.md §4.2): connect/handshake, a liveness heartbeat, an inbound
// de-framing read loop, and an outbound coalescing buffer. It generalizes
// the teacher's (zeromq-gyre) per-peer `peer.go` mailbox — connect,
// disconnect, send, refresh, checkMessage — from a zmq DEALER socket onto
// a generic byte Stream, and its `node.go` pingPeer evasive/expired timer
// pair onto an explicit state machine with four cooperating loops.
package link

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/wire"
)

// Stream is one physical byte-stream connection (a TCP/serial/Bluetooth
// socket). Dial functions hand back a Stream; Link owns its lifecycle.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// State is the Link's lifecycle state (spec.md §4.2).
type State int

const (
	Connecting State = iota
	Handshaking
	Valid
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Valid:
		return "Valid"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

// Config holds the Link's tunables.
type Config struct {
	PingPeriod     time.Duration
	LinkTimeout    time.Duration
	CoalescePeriod time.Duration
	HandshakeWait  time.Duration
}

// DefaultConfig mirrors sensible defaults for a paired-microcontroller
// serial link: frequent enough heartbeats to detect a dead UART quickly,
// but coalesced writes so the microcontroller isn't flooded.
func DefaultConfig() Config {
	return Config{
		PingPeriod:     2 * time.Second,
		LinkTimeout:    6 * time.Second,
		CoalescePeriod: 50 * time.Millisecond,
		HandshakeWait:  3 * time.Second,
	}
}

// MessageFunc is invoked for every complete Herald message the Link
// receives, with the address the Link is bound to.
type MessageFunc func(msg *wire.Message, address string)

// LifecycleFunc is invoked exactly once when a Link reaches Valid
// (on_start) or transitions to Closing due to an error (on_error).
type LifecycleFunc func(address string)

// Link owns one bidirectional byte stream to one remote address and runs
// the four cooperating loops named by spec.md §4.2.
type Link struct {
	address string
	dial    func() (Stream, error)
	cfg     Config

	onMessage MessageFunc
	onStart   LifecycleFunc
	onError   LifecycleFunc

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	stream   Stream
	outbox   [][]byte
	lastHelo time.Time

	errorOnce sync.Once
	startOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Link for address; it does not start connecting until
// Start is called.
func New(address string, dial func() (Stream, error), cfg Config, onMessage MessageFunc, onStart, onError LifecycleFunc) *Link {
	l := &Link{
		address:   address,
		dial:      dial,
		cfg:       cfg,
		onMessage: onMessage,
		onStart:   onStart,
		onError:   onError,
		state:     Connecting,
		quit:      make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Address returns the remote address this Link connects to.
func (l *Link) Address() string { return l.address }

// State returns the Link's current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start launches the init loop, which opens the stream, performs the
// hello handshake, and on success starts the read/keepalive/outbound
// loops.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.initLoop()
}

// LinkClosed is returned by Send once the link has transitioned to
// Closing or Closed.
var LinkClosed = errors.New("link: closed")

// Send enqueues a message for the outbound coalescing buffer. During
// Connecting/Handshaking it blocks until the link reaches Valid or fails;
// during Closing/Closed it returns LinkClosed immediately.
func (l *Link) Send(msg *wire.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.state == Connecting || l.state == Handshaking {
		l.cond.Wait()
	}
	if l.state == Closing || l.state == Closed {
		return LinkClosed
	}
	l.outbox = append(l.outbox, wire.Encode(msg))
	return nil
}

// Close transitions the Link to Closing; the loops observe this and exit,
// eventually reaching Closed.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == Closing || l.state == Closed {
		l.mu.Unlock()
		return
	}
	l.state = Closing
	l.cond.Broadcast()
	stream := l.stream
	l.mu.Unlock()

	close(l.quit)
	if stream != nil {
		stream.Close()
	}
	l.wg.Wait()

	l.mu.Lock()
	l.state = Closed
	l.mu.Unlock()
}

func (l *Link) fail(cause error) {
	l.errorOnce.Do(func() {
		l.mu.Lock()
		already := l.state == Closing || l.state == Closed
		l.state = Closing
		stream := l.stream
		l.cond.Broadcast()
		l.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
		plog.Warnf("link %s: %v", l.address, cause)
		if !already && l.onError != nil {
			l.onError(l.address)
		}
	})
}

func (l *Link) initLoop() {
	defer l.wg.Done()

	stream, err := l.dial()
	if err != nil {
		l.fail(err)
		return
	}

	l.mu.Lock()
	l.stream = stream
	l.mu.Unlock()

	helloCh := make(chan struct{}, 1)
	reader := wire.NewReader(
		func() {
			l.mu.Lock()
			l.lastHelo = time.Now()
			l.mu.Unlock()
			select {
			case helloCh <- struct{}{}:
			default:
			}
		},
		func(frames [7][]byte) {
			m := wire.Decode(frames)
			m.Access = l.address
			if l.onMessage != nil {
				l.onMessage(m, l.address)
			}
		},
	)

	l.wg.Add(1)
	go l.readLoop(stream, reader)

	if _, err := stream.Write([]byte(wire.EncodeFrame([]byte(wire.HelloSentinel)))); err != nil {
		l.fail(err)
		return
	}

	l.mu.Lock()
	if l.state == Connecting {
		l.state = Handshaking
	}
	l.mu.Unlock()

	select {
	case <-helloCh:
		l.becomeValid()
	case <-time.After(l.cfg.HandshakeWait):
		l.fail(errors.New("link: handshake timed out waiting for reciprocal hello"))
	case <-l.quit:
	}
}

func (l *Link) becomeValid() {
	l.startOnce.Do(func() {
		l.mu.Lock()
		l.state = Valid
		l.cond.Broadcast()
		l.mu.Unlock()

		l.wg.Add(2)
		go l.keepaliveLoop()
		go l.outboundLoop()

		if l.onStart != nil {
			l.onStart(l.address)
		}
	})
}

func (l *Link) readLoop(stream Stream, reader *wire.Reader) {
	defer l.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if ferr := reader.Feed(buf[:n]); ferr != nil {
				plog.Warnf("link %s: %v, continuing", l.address, ferr)
			}
		}
		if err != nil {
			select {
			case <-l.quit:
			default:
				l.fail(err)
			}
			return
		}
		select {
		case <-l.quit:
			return
		default:
		}
	}
}

func (l *Link) keepaliveLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.PingPeriod)
	defer ticker.Stop()

	l.mu.Lock()
	l.lastHelo = time.Now()
	l.mu.Unlock()

	for {
		select {
		case <-l.quit:
			return
		case <-ticker.C:
			l.mu.Lock()
			stream := l.stream
			since := time.Since(l.lastHelo)
			l.mu.Unlock()

			if since > l.cfg.LinkTimeout {
				l.fail(errors.New("link: heartbeat timeout"))
				return
			}
			if stream != nil {
				if _, err := stream.Write([]byte(wire.EncodeFrame([]byte(wire.HelloSentinel)))); err != nil {
					l.fail(err)
					return
				}
			}
		}
	}
}

func (l *Link) outboundLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CoalescePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.quit:
			return
		case <-ticker.C:
			l.mu.Lock()
			pending := l.outbox
			l.outbox = nil
			stream := l.stream
			l.mu.Unlock()

			if len(pending) == 0 || stream == nil {
				continue
			}
			var batch []byte
			for _, p := range pending {
				batch = append(batch, p...)
			}
			if _, err := stream.Write(batch); err != nil {
				l.fail(err)
				return
			}
		}
	}
}
