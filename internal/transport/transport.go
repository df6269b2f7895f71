// Package transport implements Herald's per access-id Transport (spec.md
// §4.5): it bridges DeviceDiscovery device churn onto a link.Set, answers
// a freshly-discovered device's handshake by sending the local peer dump
// as step1, stamps inbound messages with the access-id and transport
// context they arrived over, and hands them to the bus for dispatch.
//
// Grounded on the teacher's (zeromq-gyre) `node.go`: `recvFromBeacon`
// (new address -> `requirePeer` -> outbound hello) and `peer.send`
// (resolve a destination identity to a socket and write to it).
package transport

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/discovery"
	"github.com/librallu/cohorte-herald/internal/link"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// Dispatcher is the bus-facing surface a Transport feeds inbound messages
// into. herald.Bus satisfies this structurally.
type Dispatcher interface {
	HandleMessage(msg *wire.Message)
}

// AddressOf extracts the link.Set address (e.g. a Bluetooth MAC) a given
// AccessDescriptor resolves to.
type AddressOf func(directory.AccessDescriptor) (address string, ok bool)

// BluetoothAddressOf is the AddressOf for directory.BluetoothAccess,
// addressing a link by the remote MAC.
func BluetoothAddressOf(d directory.AccessDescriptor) (string, bool) {
	bt, ok := d.(directory.BluetoothAccess)
	if !ok {
		return "", false
	}
	return bt.MAC, true
}

// TCPAddressOf is the AddressOf for directory.TCPAccess, addressing a
// link by the remote host:port (cmd/ping and cmd/monitor's LAN stand-in
// for a hardware access).
func TCPAddressOf(d directory.AccessDescriptor) (string, bool) {
	t, ok := d.(directory.TCPAccess)
	if !ok {
		return "", false
	}
	return t.Addr, true
}

// Transport is one access-id's bridge between device discovery and the
// link layer (spec.md §4.5).
type Transport struct {
	accessID   string
	localUID   string
	discovery  discovery.DeviceDiscovery
	links      *link.Set
	dispatch   Dispatcher
	contact    *directory.Contact
	addressOf  AddressOf
	loadAccess directory.AccessLoader

	mu         sync.Mutex
	knownAddrs map[string]struct{}
	addrToPeer map[string]string
}

// New wires a Transport for accessID: discovery reports device churn,
// dialer opens a Stream for a given address, contact supplies/consumes
// the peer dump exchanged on first contact, dispatch receives every
// decoded inbound message, and loadAccess decodes this access-id's slice
// of a peer dump (e.g. BluetoothAccessLoader, TCPAccessLoader).
func New(accessID, localUID string, disc discovery.DeviceDiscovery, dialer link.Dialer, cfg link.Config, dispatch Dispatcher, contact *directory.Contact, addressOf AddressOf, loadAccess directory.AccessLoader) *Transport {
	t := &Transport{
		accessID:   accessID,
		localUID:   localUID,
		discovery:  disc,
		dispatch:   dispatch,
		contact:    contact,
		addressOf:  addressOf,
		loadAccess: loadAccess,
		knownAddrs: make(map[string]struct{}),
		addrToPeer: make(map[string]string),
	}
	t.links = link.NewSet(dialer, cfg, t.onMessage)
	t.links.OnNew(t.onLinkValid)
	t.links.OnLeave(t.onLinkLeave)

	disc.ListenNew(t.onDeviceFound)
	disc.ListenDel(t.onDeviceLost)

	contact.RegisterLoader(accessID, t.loadAccess)
	return t
}

// Accept registers an already-open inbound stream (e.g. a freshly
// accepted TCP connection) as address's link, for transports whose
// physical medium accepts connections as well as dialing them.
func (t *Transport) Accept(address string, stream link.Stream) {
	t.links.Accept(address, stream)
}

// AccessID identifies which access descriptor variant this Transport
// serves (spec.md §3).
func (t *Transport) AccessID() string { return t.accessID }

// Start begins device discovery; Stop ends it and closes every link.
func (t *Transport) Start() error { return t.discovery.Start() }

func (t *Transport) Stop() {
	t.discovery.Stop()
	t.links.Close()
}

func (t *Transport) onDeviceFound(address string) {
	t.mu.Lock()
	t.knownAddrs[address] = struct{}{}
	addrs := t.addressList()
	t.mu.Unlock()

	t.links.Update(addrs)
}

func (t *Transport) onDeviceLost(address string) {
	t.mu.Lock()
	delete(t.knownAddrs, address)
	t.mu.Unlock()
	// LinkSet has no explicit removal API (spec.md §4.3 only evicts on
	// error); a lost device's link will fail its next heartbeat and be
	// evicted through the normal on_error path.
}

func (t *Transport) addressList() []string {
	out := make([]string, 0, len(t.knownAddrs))
	for a := range t.knownAddrs {
		out = append(out, a)
	}
	return out
}

// onLinkValid fires the local peer dump as step1 the moment a freshly
// discovered device's handshake completes at the link layer, since the
// remote end isn't yet a directory.Peer to address through Fire.
func (t *Transport) onLinkValid(address string) {
	dump := t.contact.BuildDump()
	msg := wire.New(directory.SubjectStep1, t.localUID, dump)
	if err := t.links.SendTo(address, msg); err != nil {
		plog.Warnf("transport[%s]: failed sending step1 to %s: %v", t.accessID, address, err)
	}
}

func (t *Transport) onLinkLeave(address string) {
	t.mu.Lock()
	var peerUID string
	for uid, a := range t.addrToPeer {
		if a == address {
			peerUID = uid
			break
		}
	}
	if peerUID != "" {
		delete(t.addrToPeer, peerUID)
	}
	t.mu.Unlock()
}

func (t *Transport) onMessage(msg *wire.Message, address string) {
	msg.Access = t.accessID
	if msg.Extra == nil {
		msg.Extra = map[string]interface{}{}
	}
	msg.Extra["address"] = address

	if msg.SenderUID != "" {
		t.mu.Lock()
		t.addrToPeer[msg.SenderUID] = address
		t.mu.Unlock()
	}

	t.dispatch.HandleMessage(msg)
}

// BluetoothAccessLoader decodes a peer dump's bluetooth access slice,
// splicing in the MAC the handshake frame actually arrived on when the
// Transport recorded one (spec.md §4.7's access-loading step).
func BluetoothAccessLoader(raw json.RawMessage, extra map[string]interface{}) (directory.AccessDescriptor, error) {
	var payload struct {
		MAC  string `json:"mac"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "transport: unreadable bluetooth access payload")
	}
	mac := payload.MAC
	if extra != nil {
		if addr, ok := extra["address"].(string); ok && addr != "" {
			mac = addr
		}
	}
	if mac == "" {
		return nil, errors.New("transport: empty bluetooth MAC")
	}
	return directory.BluetoothAccess{MAC: mac, Name: payload.Name}, nil
}

// TCPAccessLoader decodes a peer dump's tcp access slice the same way
// BluetoothAccessLoader does for bluetooth, splicing in the address the
// frame arrived on when one was recorded.
func TCPAccessLoader(raw json.RawMessage, extra map[string]interface{}) (directory.AccessDescriptor, error) {
	var payload struct {
		Addr string `json:"addr"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "transport: unreadable tcp access payload")
	}
	addr := payload.Addr
	if extra != nil {
		if a, ok := extra["address"].(string); ok && a != "" {
			addr = a
		}
	}
	if addr == "" {
		return nil, errors.New("transport: empty tcp address")
	}
	return directory.TCPAccess{Addr: addr}, nil
}

func (t *Transport) resolveAddress(peer *directory.Peer) (string, bool) {
	desc, ok := peer.Access(t.accessID)
	if !ok {
		return "", false
	}
	return t.addressOf(desc)
}

// Fire resolves peer's address for this access-id and sends msg over its
// link.
func (t *Transport) Fire(peer *directory.Peer, msg *wire.Message) error {
	addr, ok := t.resolveAddress(peer)
	if !ok {
		return errors.Errorf("transport[%s]: peer %s has no resolvable access", t.accessID, peer.UID)
	}
	return t.links.SendTo(addr, msg)
}

// FireGroup sends msg to every peer in peers that resolves an address for
// this access-id; unresolvable or failed sends are logged, not fatal to
// the batch.
func (t *Transport) FireGroup(group string, peers []*directory.Peer, msg *wire.Message) []string {
	reached := make([]string, 0, len(peers))
	for _, p := range peers {
		clone := *msg
		if err := t.Fire(p, &clone); err != nil {
			plog.Warnf("transport[%s]: group fire to %s failed: %v", t.accessID, p.UID, err)
		}
		reached = append(reached, p.UID)
	}
	return reached
}

// ReplyTo addresses the same link original arrived on: its Extra carries
// the address the onMessage callback stamped, which survives even if the
// sender isn't (yet) a fully registered directory.Peer.
func (t *Transport) ReplyTo(original *wire.Message, msg *wire.Message) error {
	var addr string
	if original.Extra != nil {
		if a, ok := original.Extra["address"].(string); ok {
			addr = a
		}
	}
	if addr == "" {
		t.mu.Lock()
		addr = t.addrToPeer[original.SenderUID]
		t.mu.Unlock()
	}
	if addr == "" {
		return errors.Errorf("transport[%s]: no address to reply to %s on", t.accessID, original.SenderUID)
	}
	return t.links.SendTo(addr, msg)
}
