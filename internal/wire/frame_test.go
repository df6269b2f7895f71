package wire

import (
	"bytes"
	"testing"
)

func TestReaderSplitsFrames(t *testing.T) {
	var got [][]byte
	// Use a reader configured as if every 2 frames forms a message by
	// capturing raw pending frames directly via consumeFrame's sibling
	// path would require 7; exercise splitFrame directly for this case
	// instead (spec.md §8 scenario 1).
	data := []byte("3:abc5:hello")
	frame, rest, ok, err := splitFrame(data)
	if err != nil || !ok {
		t.Fatalf("expected first frame, err=%v ok=%v", err, ok)
	}
	got = append(got, frame)
	frame, rest, ok, err = splitFrame(rest)
	if err != nil || !ok {
		t.Fatalf("expected second frame, err=%v ok=%v", err, ok)
	}
	got = append(got, frame)

	if !bytes.Equal(got[0], []byte("abc")) || !bytes.Equal(got[1], []byte("hello")) {
		t.Fatalf("unexpected frames: %q", got)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %q", rest)
	}
}

func TestReaderAssemblesMessage(t *testing.T) {
	msg := &mockMsg{
		subject: "t/s", sender: "A", original: "A", dest: "B",
		content: "x", replyTo: "", uid: "u1",
	}
	var delivered [7][]byte
	count := 0
	r := NewReader(nil, func(frames [7][]byte) {
		delivered = frames
		count++
	})

	raw := msg.encode()
	if err := r.Feed(raw); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message, got %d", count)
	}
	if string(delivered[0]) != "t/s" || string(delivered[6]) != "u1" {
		t.Fatalf("unexpected decoded frames: %v", delivered)
	}
}

func TestReaderHelloDoesNotAdvanceSequence(t *testing.T) {
	msg := &mockMsg{subject: "a", sender: "b", original: "b", dest: "c", content: "d", replyTo: "", uid: "e"}
	raw := msg.encode()

	// Interleave a hello sentinel frame in the middle of the sequence.
	mid := len(EncodeFrame([]byte(msg.subject))) + len(EncodeFrame([]byte(msg.sender)))
	withHello := append(append(append([]byte{}, raw[:mid]...), EncodeFrame([]byte(HelloSentinel))...), raw[mid:]...)

	var hellos int
	var messages int
	r := NewReader(func() { hellos++ }, func(frames [7][]byte) { messages++ })
	if err := r.Feed(withHello); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if hellos != 1 {
		t.Fatalf("expected 1 hello, got %d", hellos)
	}
	if messages != 1 {
		t.Fatalf("expected 1 message despite interleaved hello, got %d", messages)
	}
}

func TestReaderMalformedFrame(t *testing.T) {
	r := NewReader(nil, nil)
	if err := r.Feed([]byte("3x:abc")); err != MalformedFrame {
		t.Fatalf("expected MalformedFrame, got %v", err)
	}
}

type mockMsg struct {
	subject, sender, original, dest, content, replyTo, uid string
}

func (m *mockMsg) encode() []byte {
	fields := []string{m.subject, m.sender, m.original, m.dest, m.content, m.replyTo, m.uid}
	var out []byte
	for _, f := range fields {
		out = append(out, EncodeFrame([]byte(f))...)
	}
	return out
}
