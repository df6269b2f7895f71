// Package micronode implements Herald's cooperative single-thread core
// for severely resource-constrained peers (spec.md §4.12): poll the
// serial link, decode whatever frame that produced, dispatch it
// synchronously against a handful of locally registered services, then
// poll again. There is no concurrency here — no goroutines, no mutexes
// — by design: the microcontroller this models has one thread and no
// OS scheduler, so the poll loop itself *is* the cooperative scheduler
// spec.md §4.12 asks for, matching the coroutine-style blocking-call
// design note rather than fighting it with goroutines a real MCU
// couldn't run. Grounded on original_source/pyboard/main.py's polling
// main() and herald.py's manage_message dispatch, reusing the same
// wire framing (internal/wire) and RPC envelope (internal/rpc) a host
// peer uses, per spec.md §1's "same message/RPC wire formats"
// requirement — the one thing a micronode cannot afford to diverge on.
//
// No external dependencies: a single-UART board with no heap has
// nothing to log to but its own serial port and no threads to guard
// with a mutex, so this package sticks to fmt.Printf the way the
// Python original sticks to print().
package micronode

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/router"
	"github.com/librallu/cohorte-herald/internal/rpc"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// Port is the non-blocking byte stream a Node polls: Read must return
// (0, nil) immediately when nothing is available rather than blocking,
// mirroring pyboard's `uart.any()`-gated `uart.read()`.
type Port interface {
	io.Writer
	Read(p []byte) (n int, err error)
}

type service struct {
	name     string
	instance interface{}
}

// Runnable is implemented by a registered service whose class declares a
// run() method: spec.md §4.12's cooperative loop ticks every such
// service once per poll iteration (poll -> decode/dispatch -> tick),
// after whatever frame that poll produced has been dispatched.
type Runnable interface {
	Run()
}

// Node is a leaf Herald peer: one access (bluetooth/serial), a handful
// of registered services, and the subset of the protocol a leaf
// answers — discovery step1/step3, endpoint contact/add, routing
// hello, RPC dispatch. It never initiates a step1 or a routing hello of
// its own: a micronode only ever answers, e.g. step1 with step2
// (spec.md §4.12).
type Node struct {
	uid string
	mac string

	port   Port
	reader *wire.Reader

	inbox    []*wire.Message
	services []service
}

// New builds a Node identified by uid, reachable over bluetooth at mac,
// polling port for incoming frames.
func New(uid, mac string, port Port) *Node {
	n := &Node{uid: uid, mac: mac, port: port}
	n.reader = wire.NewReader(n.replyHello, n.onFrame)
	return n
}

// Register exports instance under a fresh `service_<id>` name, returning
// that name for use as the method-call prefix (spec.md §3).
func (n *Node) Register(instance interface{}) string {
	name := fmt.Sprintf("service_%d", len(n.services))
	n.services = append(n.services, service{name: name, instance: instance})
	return name
}

func (n *Node) replyHello() {
	n.writeRaw(wire.EncodeFrame([]byte(wire.HelloSentinel)))
}

func (n *Node) onFrame(frames [7][]byte) {
	n.inbox = append(n.inbox, wire.Decode(frames))
}

func (n *Node) writeRaw(b []byte) {
	if _, err := n.port.Write(b); err != nil {
		fmt.Printf("micronode: write failed: %v\n", err)
	}
}

func (n *Node) writeMessage(msg *wire.Message) {
	n.writeRaw(wire.Encode(msg))
}

// Poll reads whatever bytes are currently available from the port,
// feeds them to the framer, and dispatches every message that framer
// completed. It never blocks: called in a tight loop it *is* the
// scheduler.
func (n *Node) Poll() error {
	var buf [256]byte
	read, err := n.port.Read(buf[:])
	if err != nil && err != io.EOF {
		return err
	}
	if read > 0 {
		if ferr := n.reader.Feed(buf[:read]); ferr != nil {
			fmt.Printf("micronode: malformed frame: %v\n", ferr)
		}
	}

	for len(n.inbox) > 0 {
		msg := n.inbox[0]
		n.inbox = n.inbox[1:]
		n.dispatch(msg)
	}

	for _, s := range n.services {
		if runner, ok := s.instance.(Runnable); ok {
			runner.Run()
		}
	}
	return nil
}

func (n *Node) dispatch(msg *wire.Message) {
	switch msg.Subject {
	case directory.SubjectStep1:
		n.writeMessage(n.step2Response(msg))
	case directory.SubjectStep3, directory.SubjectEndpointContact, directory.SubjectEndpointAdd:
		n.writeMessage(n.endpointAddResponse(msg))
	case rpc.RequestSubject:
		n.writeMessage(n.rpcResponse(msg))
	case router.HelloSubject:
		n.writeMessage(n.routingReply(msg))
	default:
		fmt.Printf("micronode: unmatched subject %q\n", msg.Subject)
	}
}

func (n *Node) reply(req *wire.Message, subject string, content []byte) *wire.Message {
	return &wire.Message{
		Subject:          subject,
		SenderUID:        n.uid,
		OriginalSender:   n.uid,
		FinalDestination: req.OriginalSender,
		Content:          content,
		ReplyTo:          req.UID,
	}
}

func (n *Node) step2Response(req *wire.Message) *wire.Message {
	access, err := json.Marshal(directory.BluetoothAccess{MAC: n.mac})
	if err != nil {
		access = []byte("{}")
	}
	dump := directory.Dump{
		UID: n.uid, Name: n.uid, NodeUID: n.uid, NodeName: n.uid,
		AppID:    "<herald-legacy>",
		Groups:   map[string]bool{},
		Accesses: map[string]json.RawMessage{"bluetooth": access},
	}
	content, err := json.Marshal(dump)
	if err != nil {
		content = []byte("{}")
	}
	return n.reply(req, directory.SubjectStep2, content)
}

func (n *Node) endpointAddResponse(req *wire.Message) *wire.Message {
	endpoints := make([]directory.Endpoint, 0, len(n.services))
	for _, s := range n.services {
		endpoints = append(endpoints, directory.Endpoint{
			UID: s.name, PeerUID: n.uid, Name: s.name,
			Specifications: []string{s.name},
		})
	}
	content, err := json.Marshal(endpoints)
	if err != nil {
		content = []byte("[]")
	}
	return n.reply(req, directory.SubjectEndpointAdd, content)
}

func (n *Node) rpcResponse(req *wire.Message) *wire.Message {
	methodName, args, err := rpc.DecodeRequest(req.Content)
	if err != nil {
		fmt.Printf("micronode: malformed rpc request: %v\n", err)
		return n.reply(req, rpc.ReplySubject, emptyResponse())
	}

	serviceName, member, ok := rpc.SplitMethodName(methodName)
	if !ok {
		fmt.Printf("micronode: malformed method name %q\n", methodName)
		return n.reply(req, rpc.ReplySubject, emptyResponse())
	}

	instance, ok := n.lookup(serviceName)
	if !ok {
		fmt.Printf("micronode: no local service %q\n", serviceName)
		return n.reply(req, rpc.ReplySubject, emptyResponse())
	}

	result, err := rpc.Invoke(instance, member, args)
	if err != nil {
		fmt.Printf("micronode: invoking %s.%s failed: %v\n", serviceName, member, err)
		return n.reply(req, rpc.ReplySubject, emptyResponse())
	}

	payload, err := rpc.EncodeResponse(result)
	if err != nil {
		fmt.Printf("micronode: encoding reply to %s failed: %v\n", methodName, err)
		return n.reply(req, rpc.ReplySubject, emptyResponse())
	}
	return n.reply(req, rpc.ReplySubject, payload)
}

func (n *Node) routingReply(req *wire.Message) *wire.Message {
	return n.reply(req, router.NodeReplySubject, nil)
}

func (n *Node) lookup(serviceName string) (interface{}, bool) {
	for _, s := range n.services {
		if s.name == serviceName {
			return s.instance, true
		}
	}
	return nil, false
}

func emptyResponse() []byte {
	payload, _ := rpc.EncodeResponse(nil)
	return payload
}
