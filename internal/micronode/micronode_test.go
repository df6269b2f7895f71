package micronode

import (
	"encoding/json"
	"testing"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/router"
	"github.com/librallu/cohorte-herald/internal/rpc"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// fakePort is an in-memory loopback double standing in for the real
// UART: inbound bytes are queued by the test via feed, outbound writes
// are captured whole.
type fakePort struct {
	inbound  []byte
	outbound [][]byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.outbound = append(p.outbound, cp)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.inbound) == 0 {
		return 0, nil
	}
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	return n, nil
}

func (p *fakePort) feed(msg *wire.Message) {
	p.inbound = append(p.inbound, wire.Encode(msg)...)
}

func decodeOne(t *testing.T, raw []byte) *wire.Message {
	t.Helper()
	var got *wire.Message
	r := wire.NewReader(nil, func(frames [7][]byte) {
		got = wire.Decode(frames)
	})
	if err := r.Feed(raw); err != nil {
		t.Fatalf("failed decoding reply: %v", err)
	}
	if got == nil {
		t.Fatal("expected a fully framed message, got none")
	}
	return got
}

type led struct{ on bool }

func (l *led) On() { l.on = true }

func (l *led) Add(a, b int) int { return a + b }

// ticker is a registered service with no RPC surface, only a run()
// method, counting how many poll iterations have ticked it.
type ticker struct{ ticks int }

func (t *ticker) Run() { t.ticks++ }

func TestNodeAnswersStep1WithStep2Dump(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "20:14:03:19:88:23", port)

	req := wire.New(directory.SubjectStep1, "host", nil)
	port.feed(req)

	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}
	if len(port.outbound) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(port.outbound))
	}

	got := decodeOne(t, port.outbound[0])
	if got.Subject != directory.SubjectStep2 {
		t.Fatalf("expected a step2 reply, got subject %q", got.Subject)
	}
	if got.ReplyTo != req.UID {
		t.Fatal("expected reply_to to correlate with the step1 request uid")
	}

	var dump directory.Dump
	if err := json.Unmarshal(got.Content, &dump); err != nil {
		t.Fatalf("step2 dump did not decode: %v", err)
	}
	if dump.UID != "micro-1" {
		t.Fatalf("unexpected dump uid %q", dump.UID)
	}
	if _, ok := dump.Accesses["bluetooth"]; !ok {
		t.Fatal("expected a bluetooth access in the dump")
	}
}

func TestNodeEchoesHelloSentinel(t *testing.T) {
	port := &fakePort{}
	port.inbound = wire.EncodeFrame([]byte(wire.HelloSentinel))
	n := New("micro-1", "mac", port)

	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}
	if len(port.outbound) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(port.outbound))
	}
	if string(port.outbound[0]) != string(wire.EncodeFrame([]byte(wire.HelloSentinel))) {
		t.Fatalf("expected a framed hello echo, got %q", port.outbound[0])
	}
}

func TestNodeAnswersRoutingHelloAsLeaf(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "mac", port)

	req := wire.New(router.HelloSubject, "host", nil)
	port.feed(req)
	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}

	got := decodeOne(t, port.outbound[0])
	if got.Subject != router.NodeReplySubject {
		t.Fatalf("expected the leaf reply subject, got %q", got.Subject)
	}
}

func TestNodeDispatchesRPCToRegisteredService(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "mac", port)
	l := &led{}
	name := n.Register(l)

	payload, err := rpc.EncodeRequest(name+".on", nil)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.New(rpc.RequestSubject, "host", payload)
	port.feed(req)
	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}

	got := decodeOne(t, port.outbound[0])
	if got.Subject != rpc.ReplySubject {
		t.Fatalf("expected an rpc reply, got subject %q", got.Subject)
	}
	values, err := rpc.DecodeResponse(got.Content)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 0 {
		t.Fatalf("expected an empty-params response, got %v", values)
	}
	if !l.on {
		t.Fatal("expected the LED to have transitioned on")
	}
}

func TestNodeRPCWithArgsAndResult(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "mac", port)
	l := &led{}
	name := n.Register(l)

	payload, err := rpc.EncodeRequest(name+".add", []interface{}{19, 23})
	if err != nil {
		t.Fatal(err)
	}
	req := wire.New(rpc.RequestSubject, "host", payload)
	port.feed(req)
	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}

	got := decodeOne(t, port.outbound[0])
	values, err := rpc.DecodeResponse(got.Content)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 || values[0] != 42 {
		t.Fatalf("expected [42], got %v", values)
	}
}

func TestNodeTicksRunnableServicesEveryPoll(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "mac", port)
	tk := &ticker{}
	n.Register(tk)

	for i := 0; i < 3; i++ {
		if err := n.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	if tk.ticks != 3 {
		t.Fatalf("expected 3 ticks across 3 polls, got %d", tk.ticks)
	}
}

func TestNodeTicksRunnableAlongsideRPCDispatch(t *testing.T) {
	port := &fakePort{}
	n := New("micro-1", "mac", port)
	l := &led{}
	tk := &ticker{}
	name := n.Register(l)
	n.Register(tk)

	payload, err := rpc.EncodeRequest(name+".on", nil)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.New(rpc.RequestSubject, "host", payload)
	port.feed(req)
	if err := n.Poll(); err != nil {
		t.Fatal(err)
	}

	if !l.on {
		t.Fatal("expected the RPC dispatch to still run")
	}
	if tk.ticks != 1 {
		t.Fatalf("expected the non-RPC service to tick once too, got %d", tk.ticks)
	}
}
