// Package wire implements Herald's link-level byte framing: a stream of
// length-delimited frames punctuated by a hello liveness sentinel, and the
// seven-frame encoding of a Herald message on top of it.
package wire

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// HelloSentinel is the single reserved frame value used as a link
// liveness heartbeat. It is never delivered to higher layers.
const HelloSentinel = "[[[HELLO]]]"

// MalformedFrame is returned by the reader when the length-prefix of a
// frame cannot be parsed.
var MalformedFrame = errors.New("wire: malformed frame")

// messageFrameCount is the fixed number of frames that make up one
// Herald message on the wire (subject, sender_uid, original_sender,
// final_destination, content, reply_to, message_uid).
const messageFrameCount = 7

// EncodeFrame renders b as a single `<len>:<bytes>` frame.
func EncodeFrame(b []byte) []byte {
	prefix := itoa(len(b))
	out := make([]byte, 0, len(prefix)+1+len(b))
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, b...)
	return out
}

func itoa(n int) []byte {
	if n == 0 {
		return []byte{'0'}
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}

// HelloCallback is invoked whenever a hello sentinel is observed mid-stream.
type HelloCallback func()

// MessageCallback is invoked whenever a complete 7-frame message has been
// assembled.
type MessageCallback func(frames [7][]byte)

// Reader is a stateful de-framer: feed it raw bytes as they arrive from the
// byte stream, and it emits hello and message callbacks as frames complete.
// A Reader is not safe for concurrent use; callers serialize Feed calls
// themselves (each Link's read loop, or a micronode Node's Poll, feeds
// its own Reader).
type Reader struct {
	buf        []byte
	pending    [][]byte // completed frames not yet forming a full message
	onHello    HelloCallback
	onMessage  MessageCallback
	readingLen []byte
	inFrame    bool
	frameLen   int
	frameBuf   []byte
}

// NewReader creates a Reader that invokes onHello for each hello sentinel
// and onMessage for each completed 7-frame message.
func NewReader(onHello HelloCallback, onMessage MessageCallback) *Reader {
	return &Reader{onHello: onHello, onMessage: onMessage}
}

// Feed appends newly-read bytes to the reader and drives the de-framing
// state machine, invoking callbacks for every frame that completes. On
// MalformedFrame it discards everything buffered so far, so a later Feed
// resumes with fresh input.
func (r *Reader) Feed(data []byte) error {
	r.buf = append(r.buf, data...)
	for {
		frame, rest, ok, err := splitFrame(r.buf)
		if err != nil {
			// Drop the buffered bytes and any partial message so the next
			// Feed starts from a clean state.
			r.buf = nil
			r.pending = nil
			return err
		}
		if !ok {
			r.buf = rest
			return nil
		}
		r.buf = rest
		r.consumeFrame(frame)
	}
}

func (r *Reader) consumeFrame(frame []byte) {
	if string(frame) == HelloSentinel {
		if r.onHello != nil {
			r.onHello()
		}
		return
	}
	r.pending = append(r.pending, frame)
	if len(r.pending) == messageFrameCount {
		var frames [7][]byte
		copy(frames[:], r.pending)
		r.pending = nil
		if r.onMessage != nil {
			r.onMessage(frames)
		}
	}
}

// splitFrame extracts one `<len>:<bytes>` frame from the front of buf, if
// a complete one is present. It returns the remaining, not-yet-consumed
// bytes as rest regardless of whether a frame was extracted.
func splitFrame(buf []byte) (frame, rest []byte, ok bool, err error) {
	if len(buf) == 0 {
		return nil, buf, false, nil
	}

	colon := -1
	for i, b := range buf {
		if b == ':' {
			colon = i
			break
		}
		if b < '0' || b > '9' {
			return nil, buf, false, MalformedFrame
		}
		if i > 18 {
			// A decimal length this long would overflow any reasonable
			// frame size; treat as malformed rather than allocate huge.
			return nil, buf, false, MalformedFrame
		}
	}
	if colon == -1 {
		// Still waiting for the rest of the length prefix.
		return nil, buf, false, nil
	}

	lengthBytes := buf[:colon]
	if !utf8.Valid(lengthBytes) {
		return nil, buf, false, MalformedFrame
	}

	n := 0
	for _, b := range lengthBytes {
		n = n*10 + int(b-'0')
	}

	start := colon + 1
	end := start + n
	if end < start {
		// length would require "backing up" past the buffer - malformed.
		return nil, buf, false, MalformedFrame
	}
	if end > len(buf) {
		// Not enough bytes yet; wait for more.
		return nil, buf, false, nil
	}

	frame = buf[start:end]
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, buf[end:], true, nil
}
