package directory

import (
	"encoding/json"
	"testing"

	"github.com/librallu/cohorte-herald/internal/wire"
)

// fakeBus wires two Contacts directly together in-process, standing in
// for the herald bus + transport layers for this handshake test.
type fakeBus struct {
	self     string
	peer     *fakeBus
	handlers map[string][]func(*wire.Message)
}

func newFakeBus(self string) *fakeBus {
	return &fakeBus{self: self, handlers: make(map[string][]func(*wire.Message))}
}

func (b *fakeBus) Listen(patterns []string, handler func(msg *wire.Message)) {
	for _, p := range patterns {
		b.handlers[p] = append(b.handlers[p], handler)
	}
}

func (b *fakeBus) Fire(peer *Peer, subject string, content []byte) error {
	return b.deliver(subject, content, "")
}

func (b *fakeBus) Reply(original *wire.Message, subject string, content []byte) error {
	return b.deliver(subject, content, original.UID)
}

func (b *fakeBus) deliver(subject string, content []byte, replyTo string) error {
	msg := &wire.Message{Subject: subject, SenderUID: b.self, Content: content, ReplyTo: replyTo, UID: "m-" + subject}
	for _, h := range b.peer.handlers[subject] {
		h(msg)
	}
	return nil
}

func localInfo(uid, name string) LocalInfo {
	return LocalInfo{
		UID: uid, Name: name, NodeUID: uid, NodeName: name,
		Groups:    func() []string { return nil },
		Accesses:  func() map[string]AccessDescriptor { return nil },
		Endpoints: func() []Endpoint { return nil },
	}
}

func TestThreeStepHandshake(t *testing.T) {
	dirA := New("A")
	dirB := New("B")

	busA := newFakeBus("A")
	busB := newFakeBus("B")
	busA.peer = busB
	busB.peer = busA

	contactA := NewContact(dirA, busA, localInfo("A", "node-a"))
	contactB := NewContact(dirB, busB, localInfo("B", "node-b"))

	// A initiates: fires step1 with its dump directly (as Transport would
	// on new-device), which busB's registered step1 handler receives.
	dump := contactA.BuildDump()
	msg := &wire.Message{Subject: SubjectStep1, SenderUID: "A", Content: dump, UID: "step1-msg"}
	for _, h := range busB.handlers[SubjectStep1] {
		h(msg)
	}

	if !dirB.Known("A") {
		t.Fatal("expected B to know A after step1/step2")
	}
	if !dirA.Known("B") {
		t.Fatal("expected A to know B after step2/step3")
	}

	_ = contactB // silence unused in case of future refactor
}

func TestStep1DuplicateDoesNotReRegisterDifferentPeer(t *testing.T) {
	dirB := New("B")
	busB := newFakeBus("B")
	busA := newFakeBus("A")
	busB.peer = busA
	busA.peer = busB
	NewContact(dirB, busB, localInfo("B", "node-b"))

	dump := Dump{UID: "A", Name: "node-a", Accesses: map[string]json.RawMessage{}}
	raw, _ := json.Marshal(dump)

	msg := &wire.Message{Subject: SubjectStep1, SenderUID: "A", Content: raw, UID: "m1"}
	for _, h := range busB.handlers[SubjectStep1] {
		h(msg)
	}
	peerBefore, _ := dirB.Get("A")

	msg2 := &wire.Message{Subject: SubjectStep1, SenderUID: "A", Content: raw, UID: "m2"}
	for _, h := range busB.handlers[SubjectStep1] {
		h(msg2)
	}
	peerAfter, _ := dirB.Get("A")

	if peerBefore != peerAfter {
		t.Fatal("expected the same Peer instance across duplicate step1s")
	}
}
