package directory

import (
	"encoding/json"

	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/wire"
)

// Discovery and endpoint-exchange subjects (spec.md §6).
const (
	SubjectStep1          = "herald/directory/discovery/step1"
	SubjectStep2          = "herald/directory/discovery/step2"
	SubjectStep3          = "herald/directory/discovery/step3"
	SubjectEndpointContact = "herald/rpc/discovery/contact"
	SubjectEndpointAdd     = "herald/rpc/discovery/add"
	SubjectEndpointUpdate  = "herald/rpc/discovery/update"
	SubjectEndpointRemove  = "herald/rpc/discovery/remove"
)

// Bus is the minimal messaging surface PeerContact needs: firing to a
// known peer, replying to the sender of a just-received message (used
// before that sender is fully registered), and subscribing by subject.
// herald.Bus satisfies this structurally.
type Bus interface {
	Fire(peer *Peer, subject string, content []byte) error
	Reply(original *wire.Message, subject string, content []byte) error
	Listen(patterns []string, handler func(msg *wire.Message))
}

// Endpoint is an exportable view of a provided service (spec.md §3, §6).
type Endpoint struct {
	UID            string            `json:"uid"`
	PeerUID        string            `json:"peer"`
	Name           string            `json:"name"`
	Specifications []string          `json:"specifications"`
	Configurations []string          `json:"configurations"`
	Properties     map[string]string `json:"properties"`
}

// AccessLoader lets the Transport that received a discovery message
// splice in transport-specific access information (e.g. the MAC the
// frame arrived on) into an otherwise transport-transparent dump.
type AccessLoader func(raw json.RawMessage, extra map[string]interface{}) (AccessDescriptor, error)

// LocalInfo supplies the fields PeerContact dumps about the local peer.
type LocalInfo struct {
	UID       string
	Name      string
	NodeUID   string
	NodeName  string
	AppID     string
	Groups    func() []string
	Accesses  func() map[string]AccessDescriptor
	Endpoints func() []Endpoint
}

// Contact implements the three-step discovery handshake and the
// subsequent endpoint add/update/remove exchange (spec.md §4.7).
type Contact struct {
	dir     *Directory
	bus     Bus
	local   LocalInfo
	loaders map[string]AccessLoader

	onEndpointAdd    func(peerUID string, ep Endpoint)
	onEndpointUpdate func(peerUID string, ep Endpoint)
	onEndpointRemove func(peerUID string, epUID string)
}

// NewContact wires a Contact to a Directory and Bus.
func NewContact(dir *Directory, bus Bus, local LocalInfo) *Contact {
	c := &Contact{dir: dir, bus: bus, local: local, loaders: make(map[string]AccessLoader)}
	bus.Listen([]string{SubjectStep1}, c.handleStep1)
	bus.Listen([]string{SubjectStep2}, c.handleStep2)
	bus.Listen([]string{SubjectStep3}, c.handleStep3)
	bus.Listen([]string{SubjectEndpointContact}, c.handleEndpointContact)
	bus.Listen([]string{SubjectEndpointAdd}, c.handleEndpointAdd)
	bus.Listen([]string{SubjectEndpointUpdate}, c.handleEndpointUpdate)
	bus.Listen([]string{SubjectEndpointRemove}, c.handleEndpointRemove)
	return c
}

// RegisterLoader associates an access-id with the Transport responsible
// for loading its transport-specific descriptor out of a raw dump.
func (c *Contact) RegisterLoader(accessID string, loader AccessLoader) {
	c.loaders[accessID] = loader
}

func (c *Contact) onEndpointCallbacks(add, update func(peerUID string, ep Endpoint), remove func(peerUID, epUID string)) {
	c.onEndpointAdd = add
	c.onEndpointUpdate = update
	c.onEndpointRemove = remove
}

// OnEndpoint registers the callbacks fired for contact/add, update, and
// remove respectively.
func (c *Contact) OnEndpoint(add, update func(peerUID string, ep Endpoint), remove func(peerUID, epUID string)) {
	c.onEndpointCallbacks(add, update, remove)
}

// BuildDump renders the local peer dump used as the content of a step1/
// step2/step3 message (spec.md §6 "Peer dump").
func (c *Contact) BuildDump() []byte {
	groups := map[string]bool{}
	for _, g := range c.local.Groups() {
		groups[g] = true
	}
	accesses := map[string]json.RawMessage{}
	for id, desc := range c.local.Accesses() {
		raw, err := json.Marshal(desc)
		if err != nil {
			continue
		}
		accesses[id] = raw
	}
	dump := Dump{
		UID: c.local.UID, Name: c.local.Name, NodeUID: c.local.NodeUID,
		NodeName: c.local.NodeName, AppID: c.local.AppID,
		Groups: groups, Accesses: accesses,
	}
	out, _ := json.Marshal(dump)
	return out
}

// applyDump registers/refreshes the sender as a peer from a received
// dump, loading each access descriptor through the access-id's
// registered loader where one is registered for the originating
// transport. InvalidPeerAccess (missing/un-loadable descriptor) skips
// just that access; the peer is still registered (spec.md §7).
func (c *Contact) applyDump(dump Dump, fromAccess string, extra map[string]interface{}) (*Peer, error) {
	peer, err := c.dir.Register(dump.UID)
	if err != nil {
		return nil, err
	}
	peer.NodeUID = dump.NodeUID
	peer.NodeName = dump.NodeName
	peer.AppID = dump.AppID
	for g := range dump.Groups {
		peer.JoinGroup(g)
	}
	for accessID, raw := range dump.Accesses {
		loader, ok := c.loaders[accessID]
		if !ok {
			continue
		}
		extraForAccess := extra
		if accessID != fromAccess {
			extraForAccess = nil
		}
		desc, lerr := loader(raw, extraForAccess)
		if lerr != nil {
			plog.Warnf("directory: invalid access %q from peer %s: %v", accessID, dump.UID, lerr)
			continue
		}
		peer.SetAccess(accessID, desc)
	}
	return peer, nil
}

func (c *Contact) handleStep1(msg *wire.Message) {
	var dump Dump
	if err := json.Unmarshal(msg.Content, &dump); err != nil {
		plog.Warnf("directory: malformed step1 from %s: %v", msg.SenderUID, err)
		return
	}

	if _, err := c.applyDump(dump, msg.Access, msg.Extra); err != nil {
		plog.Warnf("directory: step1 registration failed: %v", err)
		return
	}

	if err := c.bus.Reply(msg, SubjectStep2, c.BuildDump()); err != nil {
		plog.Warnf("directory: failed replying step2 to %s: %v", msg.SenderUID, err)
	}
}

func (c *Contact) handleStep2(msg *wire.Message) {
	var dump Dump
	if err := json.Unmarshal(msg.Content, &dump); err != nil {
		plog.Warnf("directory: malformed step2 from %s: %v", msg.SenderUID, err)
		return
	}
	if _, err := c.applyDump(dump, msg.Access, msg.Extra); err != nil {
		plog.Warnf("directory: step2 registration failed: %v", err)
		return
	}
	if err := c.bus.Reply(msg, SubjectStep3, nil); err != nil {
		plog.Warnf("directory: failed replying step3 to %s: %v", msg.SenderUID, err)
	}
}

func (c *Contact) handleStep3(msg *wire.Message) {
	// Dialog complete; nothing further to register, the step3 sender was
	// already stored from the dump its step1 carried.
	plog.Debugf("directory: handshake with %s complete", msg.SenderUID)
}

func (c *Contact) handleEndpointContact(msg *wire.Message) {
	eps := c.local.Endpoints()
	payload, _ := json.Marshal(eps)
	if err := c.bus.Reply(msg, SubjectEndpointAdd, payload); err != nil {
		plog.Warnf("directory: failed replying endpoint add to %s: %v", msg.SenderUID, err)
	}
}

func (c *Contact) handleEndpointAdd(msg *wire.Message) {
	c.decodeEndpoints(msg, func(ep Endpoint) {
		if c.onEndpointAdd != nil {
			c.onEndpointAdd(msg.SenderUID, ep)
		}
	})
}

func (c *Contact) handleEndpointUpdate(msg *wire.Message) {
	c.decodeEndpoints(msg, func(ep Endpoint) {
		if c.onEndpointUpdate != nil {
			c.onEndpointUpdate(msg.SenderUID, ep)
		}
	})
}

func (c *Contact) handleEndpointRemove(msg *wire.Message) {
	var uids []string
	if err := json.Unmarshal(msg.Content, &uids); err != nil {
		plog.Warnf("directory: malformed endpoint remove from %s: %v", msg.SenderUID, err)
		return
	}
	for _, uid := range uids {
		if c.onEndpointRemove != nil {
			c.onEndpointRemove(msg.SenderUID, uid)
		}
	}
}

func (c *Contact) decodeEndpoints(msg *wire.Message, apply func(Endpoint)) {
	var eps []Endpoint
	if err := json.Unmarshal(msg.Content, &eps); err != nil {
		plog.Warnf("directory: unreadable endpoint payload from %s: %v", msg.SenderUID, err)
		return
	}
	for _, ep := range eps {
		if ep.Name == "" || ep.UID == "" {
			// UnreadableEndpoint: skip this one, proceed with the rest
			// (spec.md §7).
			continue
		}
		apply(ep)
	}
}

// AnnounceContact fires herald/rpc/discovery/contact at peer, kicking off
// the endpoint exchange once the 3-step handshake has completed.
func (c *Contact) AnnounceContact(peer *Peer) error {
	return c.bus.Fire(peer, SubjectEndpointContact, nil)
}
