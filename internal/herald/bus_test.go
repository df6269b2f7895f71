package herald

import (
	"testing"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

type fakeTransport struct {
	accessID string
	sent     []*wire.Message
	group    []*wire.Message
	replies  []*wire.Message
}

func (t *fakeTransport) AccessID() string { return t.accessID }

func (t *fakeTransport) Fire(peer *directory.Peer, msg *wire.Message) error {
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) FireGroup(group string, peers []*directory.Peer, msg *wire.Message) []string {
	t.group = append(t.group, msg)
	reached := make([]string, len(peers))
	for i, p := range peers {
		reached[i] = p.UID
	}
	return reached
}

func (t *fakeTransport) ReplyTo(original *wire.Message, msg *wire.Message) error {
	t.replies = append(t.replies, msg)
	return nil
}

type stubAccess struct{ id string }

func (s stubAccess) AccessID() string { return "bt" }

func (s stubAccess) Equal(other directory.AccessDescriptor) bool {
	o, ok := other.(stubAccess)
	return ok && o.id == s.id
}

func TestBusFirePicksTransportByAccess(t *testing.T) {
	dir := directory.New("local")
	peer, _ := dir.Register("peer-a")
	peer.SetAccess("bt", stubAccess{id: "mac-1"})

	bt := &fakeTransport{accessID: "bt"}
	http := &fakeTransport{accessID: "http"}
	bus := New("local", dir, http, bt)

	if err := bus.Fire(peer, "demo/ping", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if len(http.sent) != 0 {
		t.Fatal("expected http transport, which peer has no access for, to be skipped")
	}
	if len(bt.sent) != 1 {
		t.Fatalf("expected 1 message sent over bt transport, got %d", len(bt.sent))
	}
	if bt.sent[0].Subject != "demo/ping" {
		t.Fatalf("unexpected subject %q", bt.sent[0].Subject)
	}
}

func TestBusFireNoTransportForPeer(t *testing.T) {
	dir := directory.New("local")
	peer, _ := dir.Register("peer-a")

	bus := New("local", dir, &fakeTransport{accessID: "bt"})
	if err := bus.Fire(peer, "demo/ping", nil); err != NoTransport {
		t.Fatalf("expected NoTransport, got %v", err)
	}
}

func TestBusFireGroupReachesAllMembers(t *testing.T) {
	dir := directory.New("local")
	a, _ := dir.Register("a")
	b, _ := dir.Register("b")
	a.SetAccess("bt", stubAccess{id: "1"})
	b.SetAccess("bt", stubAccess{id: "2"})
	a.JoinGroup("team")
	b.JoinGroup("team")

	bt := &fakeTransport{accessID: "bt"}
	bus := New("local", dir, bt)

	reached := bus.FireGroup("team", "demo/announce", []byte("hello"))
	if len(reached) != 2 {
		t.Fatalf("expected 2 reached peers, got %d", len(reached))
	}
	if len(bt.group) != 1 {
		t.Fatalf("expected a single FireGroup call batching both peers, got %d", len(bt.group))
	}
}

func TestBusReplyUsesOriginalAccessTransport(t *testing.T) {
	dir := directory.New("local")
	bt := &fakeTransport{accessID: "bt"}
	bus := New("local", dir, bt)

	original := &wire.Message{Subject: "demo/ping", SenderUID: "peer-a", UID: "m1", Access: "bt"}
	if err := bus.Reply(original, "", []byte("pong")); err != nil {
		t.Fatal(err)
	}
	if len(bt.replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(bt.replies))
	}
	if bt.replies[0].Subject != "demo/ping/reply" {
		t.Fatalf("expected default reply subject, got %q", bt.replies[0].Subject)
	}
	if bt.replies[0].Headers[wire.HeaderRepliesTo] != "m1" {
		t.Fatal("expected replies-to header set to original uid")
	}
}

func TestBusHandleMessageDispatchesBySubjectAndIsolatesPanics(t *testing.T) {
	dir := directory.New("local")
	bus := New("local", dir)

	var gotA, gotB []string
	bus.Listen([]string{"demo/*"}, func(msg *wire.Message) {
		gotA = append(gotA, msg.Subject)
	})
	bus.Listen([]string{"demo/ping"}, func(msg *wire.Message) {
		panic("boom")
	})
	bus.Listen([]string{"other/**"}, func(msg *wire.Message) {
		gotB = append(gotB, msg.Subject)
	})

	bus.HandleMessage(&wire.Message{Subject: "demo/ping"})
	bus.HandleMessage(&wire.Message{Subject: "other/x/y"})

	if len(gotA) != 1 || gotA[0] != "demo/ping" {
		t.Fatalf("expected demo/* listener to fire once, got %v", gotA)
	}
	if len(gotB) != 1 || gotB[0] != "other/x/y" {
		t.Fatalf("expected other/** listener to fire once, got %v", gotB)
	}
}
