// Command monitor is a runnable Herald router peer: it joins the same
// LAN discovery/transport stack as cmd/ping, runs the hello/roads
// routing daemons as a router (spec.md §4.8-§4.9), and serves the
// routing introspection page (internal/httpdebug) so its neighbour
// table and distance-vector route set can be watched live in a browser.
// It replaces the teacher's (zeromq-gyre) cmd/monitor, which dumped Zyre
// enter/exit/join/leave events to a log; this keeps that event log but
// adds the routing state Zyre itself never had to show.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/librallu/cohorte-herald/internal/container"
	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/discovery"
	"github.com/librallu/cohorte-herald/internal/herald"
	"github.com/librallu/cohorte-herald/internal/httpdebug"
	"github.com/librallu/cohorte-herald/internal/link"
	"github.com/librallu/cohorte-herald/internal/router"
	"github.com/librallu/cohorte-herald/internal/transport"
)

var (
	uid          = flag.String("uid", "", "This peer's uid (default: a generated one)")
	name         = flag.String("name", "herald-monitor", "The announced peer name (the monitor applies no discovery name filter)")
	linkPort     = flag.Int("link-port", 9217, "TCP port this peer listens on for incoming links")
	discoverPort = flag.Int("discover-port", 9215, "UDP multicast port used for LAN presence announcements")
	httpAddr     = flag.String("http", ":8080", "Address to serve the routing debug page on")
)

// tcpDiscovery adapts a discovery.Scanner's bare-host announcements onto
// dialable host:port addresses, same as cmd/ping's (spec.md §4.4 doesn't
// name a port, only a TCP demo needs one).
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

func acceptLoop(ln net.Listener, tr *transport.Transport) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr.Accept(conn.RemoteAddr().String(), conn)
	}
}

func main() {
	flag.Parse()

	localUID := *uid
	if localUID == "" {
		localUID = fmt.Sprintf("%s-%d", *name, os.Getpid())
	}
	log.Printf("[%s] monitor starting, routing page on %s\n", localUID, *httpAddr)

	dir := directory.New(localUID)
	bus := herald.New(localUID, dir)

	local := directory.LocalInfo{
		UID: localUID, Name: *name, NodeUID: localUID, NodeName: *name,
		AppID:  "herald-monitor",
		Groups: func() []string { return nil },
		Accesses: func() map[string]directory.AccessDescriptor {
			return map[string]directory.AccessDescriptor{
				"tcp": directory.TCPAccess{Addr: fmt.Sprintf(":%d", *linkPort)},
			}
		},
		Endpoints: func() []directory.Endpoint { return nil },
	}
	contact := directory.NewContact(dir, bus, local)

	discoverCfg := discovery.DefaultConfig()
	discoverCfg.Filter = nil // a monitor watches every peer on the LAN, not just its own kind
	scanner := discovery.NewScanner(*discoverPort, *name, discoverCfg)
	disc := &tcpDiscovery{scanner: scanner, linkPort: *linkPort}

	dialer := func(address string) (link.Stream, error) { return net.Dial("tcp", address) }
	tr := transport.New("tcp", localUID, disc, dialer, link.DefaultConfig(), bus, contact, transport.TCPAddressOf, transport.TCPAccessLoader)
	bus.RegisterTransport(tr)

	reg := prometheus.NewRegistry()
	hellosCfg := router.DefaultHellosConfig()
	hellosCfg.IsRouter = func() bool { return true }
	hellos := router.NewHellos(bus, dir, hellosCfg, reg)
	roads := router.NewRoads(bus, hellos, router.DefaultRoadsConfig(), reg)
	hellos.Start()
	roads.Start()
	defer hellos.Stop()
	defer roads.Stop()

	// Register the routing table as a service-container component, so
	// any locally declared consumer can require router.RoutingSpec and
	// query next_hop_to/is_reachable without importing internal/router.
	services := container.New(localUID, nil)
	if err := services.Declare(router.NewServiceProvider(hellos, roads).Declaration()); err != nil {
		log.Fatalf("declaring routing service provider: %v\n", err)
	}

	dir.OnNew(func(peerUID string) {
		log.Printf("[%s] peer %q entered\n", localUID, peerUID)
	})
	dir.OnLost(func(peerUID string) {
		log.Printf("[%s] peer %q exited\n", localUID, peerUID)
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *linkPort))
	if err != nil {
		log.Fatalf("listening on :%d: %v\n", *linkPort, err)
	}
	go acceptLoop(ln, tr)

	if err := tr.Start(); err != nil {
		log.Fatalf("starting discovery: %v\n", err)
	}
	defer tr.Stop()

	routingRouter := httpdebug.NewRouter(hellos, roads)
	server := &http.Server{Addr: *httpAddr, Handler: routingRouter}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("routing http server: %v\n", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	log.Printf("[%s] shutting down\n", localUID)
}
