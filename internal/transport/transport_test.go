package transport

import (
	"net"
	"testing"
	"time"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/link"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// fakeDiscovery lets a test fire ListenNew/ListenDel callbacks directly,
// standing in for a real Bluetooth/LAN scan.
type fakeDiscovery struct {
	newCbs []func(string)
	delCbs []func(string)
}

func (f *fakeDiscovery) Devices() map[string]struct{} { return nil }
func (f *fakeDiscovery) ListenNew(cb func(string))    { f.newCbs = append(f.newCbs, cb) }
func (f *fakeDiscovery) ListenDel(cb func(string))    { f.delCbs = append(f.delCbs, cb) }
func (f *fakeDiscovery) Start() error                 { return nil }
func (f *fakeDiscovery) Stop()                        {}

func (f *fakeDiscovery) found(addr string) {
	for _, cb := range f.newCbs {
		cb(addr)
	}
}

// recordingDispatcher captures every message handed up from a Transport.
type recordingDispatcher struct {
	ch chan *wire.Message
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{ch: make(chan *wire.Message, 16)}
}

func (d *recordingDispatcher) HandleMessage(msg *wire.Message) { d.ch <- msg }

// noopBus satisfies directory.Bus just enough to let a Contact be
// constructed; this test exercises Transport's outbound step1 send, not
// the handshake's bus-level reply path.
type noopBus struct {
	handlers map[string][]func(*wire.Message)
}

func newNoopBus() *noopBus { return &noopBus{handlers: make(map[string][]func(*wire.Message))} }

func (b *noopBus) Listen(patterns []string, handler func(msg *wire.Message)) {
	for _, p := range patterns {
		b.handlers[p] = append(b.handlers[p], handler)
	}
}
func (b *noopBus) Fire(peer *directory.Peer, subject string, content []byte) error { return nil }
func (b *noopBus) Reply(original *wire.Message, subject string, content []byte) error {
	return nil
}

func testLinkConfig() link.Config {
	return link.Config{
		PingPeriod:     20 * time.Millisecond,
		LinkTimeout:    200 * time.Millisecond,
		CoalescePeriod: 5 * time.Millisecond,
		HandshakeWait:  500 * time.Millisecond,
	}
}

// pipeDialer returns a Dialer that always hands back one end of a fresh
// net.Pipe, with the other end driven by a minimal peer that echoes hello
// sentinels (so the handshake/keepalive succeed) and forwards any fully
// assembled message to captured, mirroring the teacher's loopback-socket
// test style.
func pipeDialer(captured chan<- *wire.Message) link.Dialer {
	return func(address string) (link.Stream, error) {
		a, b := net.Pipe()
		go driveRemoteEnd(b, captured)
		return a, nil
	}
}

func driveRemoteEnd(s net.Conn, captured chan<- *wire.Message) {
	reader := wire.NewReader(
		func() {
			s.Write([]byte(wire.EncodeFrame([]byte(wire.HelloSentinel))))
		},
		func(frames [7][]byte) {
			captured <- wire.Decode(frames)
		},
	)
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func TestTransportSendsStep1WhenLinkBecomesValid(t *testing.T) {
	dir := directory.New("local")
	disc := &fakeDiscovery{}
	dispatch := newRecordingDispatcher()
	local := directory.LocalInfo{
		UID: "local", Name: "local-node", NodeUID: "local", NodeName: "local-node",
		Groups:    func() []string { return nil },
		Accesses:  func() map[string]directory.AccessDescriptor { return nil },
		Endpoints: func() []directory.Endpoint { return nil },
	}
	contact := directory.NewContact(dir, newNoopBus(), local)

	captured := make(chan *wire.Message, 4)
	tr := New("bluetooth", "local", disc, pipeDialer(captured), testLinkConfig(), dispatch, contact, BluetoothAddressOf, BluetoothAccessLoader)
	disc.found("AA:BB:CC")

	select {
	case msg := <-captured:
		if msg.Subject != directory.SubjectStep1 {
			t.Fatalf("expected step1 subject, got %q", msg.Subject)
		}
		if msg.SenderUID != "local" {
			t.Fatalf("expected sender-uid local, got %q", msg.SenderUID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for step1 delivery")
	}
	tr.Stop()
}

func TestTransportFireResolvesAddressFromAccess(t *testing.T) {
	dir := directory.New("local")
	disc := &fakeDiscovery{}
	dispatch := newRecordingDispatcher()
	local := directory.LocalInfo{
		UID: "local", Name: "local-node",
		Groups:    func() []string { return nil },
		Accesses:  func() map[string]directory.AccessDescriptor { return nil },
		Endpoints: func() []directory.Endpoint { return nil },
	}
	contact := directory.NewContact(dir, newNoopBus(), local)

	captured := make(chan *wire.Message, 4)
	tr := New("bluetooth", "local", disc, pipeDialer(captured), testLinkConfig(), dispatch, contact, BluetoothAddressOf, BluetoothAccessLoader)
	disc.found("AA:BB:CC")
	<-captured // drain the step1 send

	peer, _ := dir.Register("remote")
	peer.SetAccess("bluetooth", directory.BluetoothAccess{MAC: "AA:BB:CC"})

	if err := tr.Fire(peer, wire.New("demo/ping", "local", []byte("hi"))); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-captured:
		if msg.Subject != "demo/ping" {
			t.Fatalf("expected demo/ping, got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fire delivery")
	}
	tr.Stop()
}
