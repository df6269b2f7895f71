// Command ping is a runnable two-way Herald peer: it discovers other
// instances of itself on the LAN, completes the discovery handshake,
// exchanges endpoint information, and round-trips an RPC ping call
// against every peer it meets. It stands in for the teacher's
// (zeromq-gyre) cmd/ping demo binary (cmd/monitor replaces the teacher's
// monitor), wiring the real
// Herald stack instead of Zyre, over TCP in place of the hardware
// serial/Bluetooth links spec.md targets (there being no UART or radio
// on a developer's laptop to exercise).
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/librallu/cohorte-herald/internal/container"
	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/discovery"
	"github.com/librallu/cohorte-herald/internal/herald"
	"github.com/librallu/cohorte-herald/internal/link"
	"github.com/librallu/cohorte-herald/internal/rpc"
	"github.com/librallu/cohorte-herald/internal/transport"
)

const pingSpec = "herald.demo.ping"

var (
	uid          = flag.String("uid", "", "This peer's uid (default: a generated one)")
	name         = flag.String("name", "herald-ping", "The announced peer name, also this demo's discovery filter")
	linkPort     = flag.Int("link-port", 9216, "TCP port this peer listens on for incoming links")
	discoverPort = flag.Int("discover-port", 9215, "UDP multicast port used for LAN presence announcements")
	groupFlag    = flag.String("group", "", "Comma-separated groups to join at startup")
)

// pingService is the one local RPC-exported component this demo
// declares: a single no-argument method other peers can call once they
// have discovered it as an endpoint (spec.md §4.11 scenario 6).
type pingService struct {
	mu    sync.Mutex
	count int
}

func (p *pingService) Ping() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return p.count
}

// serviceLookup backs the local rpc.Dispatcher: it's filled in as
// container endpoints activate/deactivate, keyed by the stable
// service_<id> name.
type serviceLookup struct {
	mu       sync.Mutex
	services map[string]interface{}
}

func newServiceLookup() *serviceLookup {
	return &serviceLookup{services: make(map[string]interface{})}
}

func (s *serviceLookup) register(serviceName string, instance interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[serviceName] = instance
}

func (s *serviceLookup) unregister(serviceName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, serviceName)
}

func (s *serviceLookup) Lookup(serviceName string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.services[serviceName]
	return instance, ok
}

// groupSet is the local peer's own group membership, reported in every
// peer dump and used to target FireGroup broadcasts.
type groupSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newGroupSet(initial []string) *groupSet {
	g := &groupSet{names: make(map[string]struct{})}
	for _, n := range initial {
		if n != "" {
			g.names[n] = struct{}{}
		}
	}
	return g
}

func (g *groupSet) List() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.names))
	for n := range g.names {
		out = append(out, n)
	}
	return out
}

// tcpDiscovery adapts a discovery.Scanner's bare-host announcements
// (spec.md §4.4, "reports only a host") onto discovery.DeviceDiscovery
// addresses usable by link.Dialer, by appending this demo's well-known
// link port. The real Bluetooth discovery Scanner stands in for already
// resolves a directly dialable MAC, so this adapter is TCP-demo-only.
type tcpDiscovery struct {
	scanner  *discovery.Scanner
	linkPort int
}

func (d *tcpDiscovery) Devices() map[string]struct{} { return d.scanner.Devices() }

func (d *tcpDiscovery) ListenNew(f func(address string)) {
	d.scanner.ListenNew(func(host string) { f(net.JoinHostPort(host, strconv.Itoa(d.linkPort))) })
}

func (d *tcpDiscovery) ListenDel(f func(address string)) {
	d.scanner.ListenDel(func(host string) { f(net.JoinHostPort(host, strconv.Itoa(d.linkPort))) })
}

func (d *tcpDiscovery) Start() error { return d.scanner.Start() }
func (d *tcpDiscovery) Stop()        { d.scanner.Stop() }

func stringifyProperties(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func main() {
	flag.Parse()

	localUID := *uid
	if localUID == "" {
		localUID = fmt.Sprintf("%s-%d", *name, os.Getpid())
	}
	groups := newGroupSet(strings.Split(*groupFlag, ","))

	log.Printf("I: [%s] starting, listening on :%d\n", localUID, *linkPort)

	dir := directory.New(localUID)
	bus := herald.New(localUID, dir)

	lookup := newServiceLookup()
	remoteFactory := func(peerUID, serviceName string) interface{} {
		return rpc.NewRemoteObject(bus, dir, peerUID, serviceName)
	}
	services := container.New(localUID, remoteFactory)

	ping := &pingService{}
	services.OnEndpointChange(func(event container.EndpointEvent, ep container.Endpoint) {
		if event == container.EndpointAdded {
			lookup.register(ep.Name, ping)
			log.Printf("I: [%s] exported %s as %s\n", localUID, ep.Specifications, ep.Name)
		} else {
			lookup.unregister(ep.Name)
		}
	})
	if err := services.Declare(container.Declaration{
		ComponentName: "ping-service",
		FactoryName:   "ping",
		Provides:      []string{pingSpec},
		Instance:      ping,
	}); err != nil {
		log.Fatalf("F: declaring ping service: %v\n", err)
	}

	local := directory.LocalInfo{
		UID: localUID, Name: *name, NodeUID: localUID, NodeName: *name,
		AppID:  "herald-ping",
		Groups: groups.List,
		Accesses: func() map[string]directory.AccessDescriptor {
			return map[string]directory.AccessDescriptor{
				"tcp": directory.TCPAccess{Addr: fmt.Sprintf(":%d", *linkPort)},
			}
		},
		Endpoints: func() []directory.Endpoint {
			eps := services.ExportedEndpoints()
			out := make([]directory.Endpoint, 0, len(eps))
			for _, ep := range eps {
				out = append(out, directory.Endpoint{
					UID: ep.UID, PeerUID: ep.PeerUID, Name: ep.Name,
					Specifications: ep.Specifications, Properties: stringifyProperties(ep.Properties),
				})
			}
			return out
		},
	}
	contact := directory.NewContact(dir, bus, local)
	contact.OnEndpoint(
		func(peerUID string, ep directory.Endpoint) {
			log.Printf("I: [%s] peer %s exports %v as %s\n", localUID, peerUID, ep.Specifications, ep.Name)
			for _, spec := range ep.Specifications {
				if spec == pingSpec {
					services.AddService(pingSpec, peerUID, ep.Name)
					remote := rpc.NewRemoteObject(bus, dir, peerUID, ep.Name)
					go pingPeer(remote, peerUID)
				}
			}
		},
		func(peerUID string, ep directory.Endpoint) {},
		func(peerUID, epUID string) {},
	)

	discoverCfg := discovery.DefaultConfig()
	discoverCfg.Filter = []string{*name}
	scanner := discovery.NewScanner(*discoverPort, *name, discoverCfg)
	disc := &tcpDiscovery{scanner: scanner, linkPort: *linkPort}

	dialer := func(address string) (link.Stream, error) { return net.Dial("tcp", address) }
	tr := transport.New("tcp", localUID, disc, dialer, link.DefaultConfig(), bus, contact, transport.TCPAddressOf, transport.TCPAccessLoader)
	bus.RegisterTransport(tr)

	rpc.NewDispatcher(bus, lookup)

	dir.OnNew(func(peerUID string) {
		log.Printf("I: [%s] peer %s entered\n", localUID, peerUID)
		// applyDump is still filling in this peer's accesses/groups for
		// the rest of this handshake step; give it a moment to finish
		// before resolving a transport to announce over.
		go func() {
			time.Sleep(200 * time.Millisecond)
			if peer, ok := dir.Get(peerUID); ok {
				if err := contact.AnnounceContact(peer); err != nil {
					log.Printf("W: [%s] announcing contact to %s: %v\n", localUID, peerUID, err)
				}
			}
		}()
	})
	dir.OnLost(func(peerUID string) {
		log.Printf("I: [%s] peer %s exited\n", localUID, peerUID)
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *linkPort))
	if err != nil {
		log.Fatalf("F: listening on :%d: %v\n", *linkPort, err)
	}
	go acceptLoop(ln, tr)

	if err := tr.Start(); err != nil {
		log.Fatalf("F: starting discovery: %v\n", err)
	}
	defer tr.Stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	log.Printf("I: [%s] shutting down\n", localUID)
}

func acceptLoop(ln net.Listener, tr *transport.Transport) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr.Accept(conn.RemoteAddr().String(), conn)
	}
}

// pingPeer calls the newly discovered peer's ping endpoint once, logging
// the round trip (spec.md §8 "RPC correlation" demonstrated end to end).
func pingPeer(remote *rpc.RemoteObject, peerUID string) {
	result, err := remote.Call("ping")
	if err != nil {
		log.Printf("W: ping %s failed: %v\n", peerUID, err)
		return
	}
	log.Printf("I: ping %s -> %v\n", peerUID, result)
}
