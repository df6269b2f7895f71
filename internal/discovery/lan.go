package discovery

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	plog "github.com/prometheus/common/log"
)

const (
	scanBufMax    = 512
	multicastAddr = "224.0.0.250"
)

// Scanner is a reference DeviceDiscovery built on IPv4 UDP multicast,
// adapting the teacher's (zeromq-gyre) beacon listen/signal loop
// (beacon/beacon.go) from "broadcast a liveness beacon, diff incoming
// beacons against what a zmq ROUTER already knows" to "broadcast a
// name-tagged presence announcement, diff address snapshots and report
// add/remove". It stands in for the out-of-scope Bluetooth scanner in
// tests and local multi-process demos.
type Scanner struct {
	port int
	name string
	cfg  Config

	conn *ipv4.PacketConn
	addr *net.UDPAddr

	mu      sync.Mutex
	known   map[string]struct{}
	onNew   []func(address string)
	onDel   []func(address string)
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewScanner creates a Scanner that announces itself as name on port and
// applies cfg's name filter to incoming announcements.
func NewScanner(port int, name string, cfg Config) *Scanner {
	return &Scanner{
		port:  port,
		name:  name,
		cfg:   cfg,
		known: make(map[string]struct{}),
		stop:  make(chan struct{}),
	}
}

func (s *Scanner) Devices() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.known))
	for k := range s.known {
		out[k] = struct{}{}
	}
	return out
}

func (s *Scanner) ListenNew(f func(address string)) { s.onNew = append(s.onNew, f) }
func (s *Scanner) ListenDel(f func(address string)) { s.onDel = append(s.onDel, f) }

// Start joins the multicast group and begins the announce/scan loops.
func (s *Scanner) Start() error {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	pc := ipv4.NewPacketConn(conn)

	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	group := &net.UDPAddr{IP: net.ParseIP(multicastAddr)}
	for _, iface := range ifaces {
		_ = pc.JoinGroup(&iface, group)
	}

	s.conn = pc
	s.addr = &net.UDPAddr{IP: net.ParseIP(multicastAddr), Port: s.port}
	s.started = true

	s.wg.Add(2)
	go s.listenLoop()
	go s.announceLoop()
	return nil
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Scanner) payload() []byte {
	return []byte(s.name)
}

func (s *Scanner) announceLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.TimeInterval) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.conn != nil {
				_, _ = s.conn.WriteTo(s.payload(), nil, s.addr)
			}
		}
	}
}

func (s *Scanner) listenLoop() {
	defer s.wg.Done()
	buf := make([]byte, scanBufMax)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, _, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			// Scan errors must not clear the last-known device set
			// (spec.md §4.4); just log and keep going.
			select {
			case <-s.stop:
				return
			default:
				plog.Debugf("discovery: scan read error: %v", err)
				continue
			}
		}
		s.observe(src, buf[:n])
	}
}

func (s *Scanner) observe(src net.Addr, payload []byte) {
	name := string(bytes.TrimRight(payload, "\x00"))
	if !s.passesFilter(name) {
		return
	}

	host, _, err := net.SplitHostPort(src.String())
	if err != nil {
		host = src.String()
	}

	s.mu.Lock()
	_, already := s.known[host]
	if !already {
		s.known[host] = struct{}{}
	}
	s.mu.Unlock()

	if !already {
		for _, f := range s.onNew {
			f(host)
		}
	}
}

func (s *Scanner) passesFilter(name string) bool {
	if len(s.cfg.Filter) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Filter {
		if strings.Contains(name, allowed) {
			return true
		}
	}
	return false
}

// Expire removes address from the known set, reporting it through the
// on-del listeners if it was known. Scanner has no inherent
// liveness signal of its own (a single presence announcement only adds);
// callers that need expiry drive it explicitly, e.g. from the same timer
// that prunes the Transport's peer table.
func (s *Scanner) Expire(address string) {
	s.mu.Lock()
	_, ok := s.known[address]
	if ok {
		delete(s.known, address)
	}
	s.mu.Unlock()

	if ok {
		for _, f := range s.onDel {
			f(address)
		}
	}
}
