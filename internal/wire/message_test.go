package wire

import "testing"

func TestEncodeDecodeRoundtrip(t *testing.T) {
	m := &Message{
		Subject: "t/s", SenderUID: "A", OriginalSender: "A",
		FinalDestination: "B", Content: []byte("x"), ReplyTo: "", UID: "u1",
	}
	raw := Encode(m)

	var frames [7][]byte
	r := NewReader(nil, func(f [7][]byte) { frames = f })
	if err := r.Feed(raw); err != nil {
		t.Fatalf("feed: %v", err)
	}

	got := Decode(frames)
	if got.Subject != m.Subject || got.SenderUID != m.SenderUID || got.UID != m.UID {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if string(got.Content) != "x" {
		t.Fatalf("content mismatch: %q", got.Content)
	}
}

func TestStampFillsRequiredHeaders(t *testing.T) {
	m := &Message{Subject: "a/b"}
	m.Stamp("local-uid")

	if m.UID == "" || m.Subject == "" || m.SenderUID == "" || m.Headers[HeaderVersion] == "" {
		t.Fatalf("expected all invariant fields stamped, got %+v", m)
	}
	if m.SenderUID != "local-uid" {
		t.Fatalf("expected sender to default to local uid, got %q", m.SenderUID)
	}
}
