package wire

import (
	"time"

	"github.com/google/uuid"
)

// Reserved header keys (spec.md §3). Only a subset of these travel as
// dedicated wire frames (see Encode/Decode below); the rest are
// business-logic bookkeeping kept by the bus and never serialized on the
// serial/Bluetooth link, since a frame is always addressed to exactly one
// link regardless of whether the caller asked for a group fire.
const (
	HeaderVersion           = "herald-version"
	HeaderSenderUID         = "sender-uid"
	HeaderTargetPeer        = "target-peer"
	HeaderRepliesTo         = "replies-to"
	HeaderOriginalSender    = "original-sender"
	HeaderFinalDestination  = "final-destination"
	HeaderGroup             = "group"
	CurrentHeraldVersion    = "1"
)

// Message is Herald's bus-level message: the seven wire-significant
// fields plus the headers/metadata maps used once the message is off the
// wire. Content is an opaque payload — JSON-encoded for host peers, an
// ad-hoc string for the micronode (spec.md §3).
type Message struct {
	UID              string
	Subject          string
	SenderUID        string
	OriginalSender   string
	FinalDestination string
	Content          []byte
	ReplyTo          string
	Timestamp        int64
	Headers          map[string]string
	Metadata         map[string]interface{}

	// Access and Extra are populated on received messages only
	// (MessageReceived, spec.md §3): Access names the transport that
	// produced it, Extra carries transport-specific context such as the
	// MAC address the frame arrived on.
	Access string
	Extra  map[string]interface{}
}

// New constructs a Message with a fresh random UID and the current
// timestamp, per spec.md §3 ("uid ... random at construction", "timestamp
// ... at construction").
func New(subject, senderUID string, content []byte) *Message {
	return &Message{
		UID:       uuid.NewString(),
		Subject:   subject,
		SenderUID: senderUID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Headers:   map[string]string{HeaderVersion: CurrentHeraldVersion, HeaderSenderUID: senderUID},
		Metadata:  map[string]interface{}{},
	}
}

// Stamp fills in any of the invariant-required headers that are still
// empty (spec.md §3 invariant: uid, subject, sender-uid, herald-version
// non-empty before a message leaves the local peer).
func (m *Message) Stamp(localUID string) {
	if m.UID == "" {
		m.UID = uuid.NewString()
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	if m.SenderUID == "" {
		m.SenderUID = localUID
	}
	if m.Headers[HeaderSenderUID] == "" {
		m.Headers[HeaderSenderUID] = m.SenderUID
	}
	if m.Headers[HeaderVersion] == "" {
		m.Headers[HeaderVersion] = CurrentHeraldVersion
	}
	if m.OriginalSender == "" {
		m.OriginalSender = m.SenderUID
	}
}

// Encode serializes the message as the seven concatenated frames named by
// spec.md §4.1, in order: subject, sender_uid, original_sender,
// final_destination, content, reply_to, message_uid.
func Encode(m *Message) []byte {
	fields := [messageFrameCount][]byte{
		[]byte(m.Subject),
		[]byte(m.SenderUID),
		[]byte(m.OriginalSender),
		[]byte(m.FinalDestination),
		m.Content,
		[]byte(m.ReplyTo),
		[]byte(m.UID),
	}
	var out []byte
	for _, f := range fields {
		out = append(out, EncodeFrame(f)...)
	}
	return out
}

// Decode rebuilds a Message from the seven frames the Reader assembled.
func Decode(frames [7][]byte) *Message {
	return &Message{
		Subject:          string(frames[0]),
		SenderUID:        string(frames[1]),
		OriginalSender:   string(frames[2]),
		FinalDestination: string(frames[3]),
		Content:          frames[4],
		ReplyTo:          string(frames[5]),
		UID:              string(frames[6]),
		Headers:          map[string]string{},
		Metadata:         map[string]interface{}{},
	}
}
