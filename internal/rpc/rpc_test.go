package rpc

import (
	"reflect"
	"testing"
	"time"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// wiredBus connects two in-process rpc.Bus instances back to back, the
// way transport.Transport would bridge two real peers over a link.
type wiredBus struct {
	self     string
	peer     *wiredBus
	handlers map[string][]func(*wire.Message)
}

func newWiredPair(aUID, bUID string) (*wiredBus, *wiredBus) {
	a := &wiredBus{self: aUID, handlers: map[string][]func(*wire.Message){}}
	b := &wiredBus{self: bUID, handlers: map[string][]func(*wire.Message){}}
	a.peer, b.peer = b, a
	return a, b
}

func (w *wiredBus) Listen(patterns []string, handler func(msg *wire.Message)) {
	for _, p := range patterns {
		w.handlers[p] = append(w.handlers[p], handler)
	}
}

func (w *wiredBus) deliver(msg *wire.Message) {
	for subject, hs := range w.handlers {
		if subject != msg.Subject {
			continue
		}
		for _, h := range hs {
			h(msg)
		}
	}
}

func (w *wiredBus) Fire(peer *directory.Peer, subject string, content []byte) error {
	msg := wire.New(subject, w.self, content)
	return w.FireMessage(peer, msg)
}

func (w *wiredBus) FireMessage(peer *directory.Peer, msg *wire.Message) error {
	msg.Stamp(w.self)
	go w.peer.deliver(msg)
	return nil
}

func (w *wiredBus) Reply(original *wire.Message, subject string, content []byte) error {
	msg := wire.New(subject, w.self, content)
	msg.ReplyTo = original.UID
	return w.FireMessage(nil, msg)
}

type ledService struct {
	on bool
}

func (l *ledService) On() {
	l.on = true
}

func (l *ledService) Add(a, b int) int {
	return a + b
}

type staticLookup struct {
	name     string
	instance interface{}
}

func (s staticLookup) Lookup(serviceName string) (interface{}, bool) {
	if serviceName == s.name {
		return s.instance, true
	}
	return nil, false
}

func TestRPCRoundTripNoArgsNoResult(t *testing.T) {
	hostBus, microBus := newWiredPair("host", "micro")
	dir := directory.New("host")
	peer, _ := dir.Register("micro")
	peer.SetAccess("serial", nil)

	led := &ledService{}
	NewDispatcher(microBus, staticLookup{name: "service_0", instance: led})

	remote := NewRemoteObject(hostBus, dir, "micro", "service_0")
	values, err := remote.Call("on")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected empty result, got %v", values)
	}
	if !led.on {
		t.Fatal("expected the LED to have transitioned on")
	}
}

func TestRPCRoundTripWithArgsAndResult(t *testing.T) {
	hostBus, microBus := newWiredPair("host", "micro")
	dir := directory.New("host")
	peer, _ := dir.Register("micro")
	peer.SetAccess("serial", nil)

	calc := &ledService{}
	NewDispatcher(microBus, staticLookup{name: "service_3", instance: calc})

	remote := NewRemoteObject(hostBus, dir, "micro", "service_3")
	values, err := remote.Call("add", 2, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(values, []interface{}{42}) {
		t.Fatalf("expected [42], got %v", values)
	}
}

func TestRPCCallTimesOutWithNoDispatcher(t *testing.T) {
	hostBus, _ := newWiredPair("host", "micro")
	dir := directory.New("host")
	peer, _ := dir.Register("micro")
	peer.SetAccess("serial", nil)

	remote := NewRemoteObject(hostBus, dir, "micro", "service_0")
	remote.SetTimeout(20 * time.Millisecond)

	_, err := remote.Call("on")
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCodecRejectsUnsupportedArgType(t *testing.T) {
	_, err := EncodeRequest("service_0.on", []interface{}{3.14})
	if err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestSplitMethodNameKeepsDotsInMember(t *testing.T) {
	service, member, ok := SplitMethodName("service_12.nested.member")
	if !ok || service != "service_12" || member != "nested.member" {
		t.Fatalf("unexpected split: %q %q %v", service, member, ok)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	payload, err := EncodeRequest("service_29.ping", []interface{}{42, "hello"})
	if err != nil {
		t.Fatal(err)
	}
	method, args, err := DecodeRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if method != "service_29.ping" {
		t.Fatalf("unexpected method name %q", method)
	}
	if !reflect.DeepEqual(args, []interface{}{42, "hello"}) {
		t.Fatalf("unexpected args %v", args)
	}
}
