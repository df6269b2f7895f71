package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// RoadsSubject carries a destination->metric distance-vector table
// between router neighbors (spec.md §4.9).
const RoadsSubject = "herald/routing/roads/"

// RoadsConfig holds the tunables named in spec.md §4.9/§6.
type RoadsConfig struct {
	RoadDelay time.Duration
}

// DefaultRoadsConfig mirrors the Python original's road_delay default of
// 5 seconds.
func DefaultRoadsConfig() RoadsConfig {
	return RoadsConfig{RoadDelay: 5 * time.Second}
}

// Roads maintains the multi-hop distance-vector table `next_hop[d]`,
// `metric[d]` and periodically advertises it to router neighbors with
// strict split-horizon poisoning (spec.md §4.9; see DESIGN.md for why
// this implementation departs from the Python original's looser
// poisoning condition).
type Roads struct {
	bus    Bus
	hellos *Hellos
	cfg    RoadsConfig

	mu      sync.Mutex
	nextHop map[string]string
	metric  map[string]float64

	quit chan struct{}
	wg   sync.WaitGroup

	advertisedGauge *prometheus.GaugeVec
}

// NewRoads wires a Roads daemon against bus and hellos (the neighbor
// liveness/router-detection table it layers multi-hop routes on top of).
func NewRoads(bus Bus, hellos *Hellos, cfg RoadsConfig, reg prometheus.Registerer) *Roads {
	r := &Roads{
		bus:     bus,
		hellos:  hellos,
		cfg:     cfg,
		nextHop: make(map[string]string),
		metric:  make(map[string]float64),
		quit:    make(chan struct{}),
		advertisedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "herald_router_route_metric_seconds",
			Help: "Advertised distance-vector metric per known destination.",
		}, []string{"destination"}),
	}
	if reg != nil {
		reg.MustRegister(r.advertisedGauge)
	}
	bus.Listen([]string{RoadsSubject}, r.handleRoads)
	return r
}

// Start launches the periodic roads-advertisement loop.
func (r *Roads) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop ends the loop and clears the routing table.
func (r *Roads) Stop() {
	close(r.quit)
	r.wg.Wait()
	r.mu.Lock()
	r.nextHop = make(map[string]string)
	r.metric = make(map[string]float64)
	r.mu.Unlock()
}

func (r *Roads) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RoadDelay)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			for _, target := range r.hellos.RouterNeighbours() {
				r.sendRoadsTo(target)
			}
		}
	}
}

// sendRoadsTo advertises the table to a single router neighbor, with the
// neighbor excluded as next-hop (split horizon, spec.md §4.9) and every
// directly-reachable neighbor's own metric folded in, keyed to that
// neighbor's uid rather than whatever (possibly longer) route this node
// might otherwise advertise for it.
func (r *Roads) sendRoadsTo(target string) {
	r.mu.Lock()
	roads := make(map[string]float64)
	for d, hop := range r.nextHop {
		if hop == target {
			continue
		}
		hopMetric, ok := r.hellos.NeighbourMetric(hop)
		if !ok {
			continue
		}
		roads[d] = r.metric[d] + hopMetric
	}
	r.mu.Unlock()

	for _, neighbour := range r.hellos.Neighbours() {
		if neighbour == target {
			continue
		}
		nm, ok := r.hellos.NeighbourMetric(neighbour)
		if !ok {
			continue
		}
		if existing, ok := roads[neighbour]; !ok || existing > nm {
			roads[neighbour] = nm
		}
	}

	payload, err := json.Marshal(roads)
	if err != nil {
		plog.Warnf("router: failed encoding roads for %s: %v", target, err)
		return
	}

	peer, ok := r.lookupPeer(target)
	if !ok {
		return
	}
	if err := r.bus.Fire(peer, RoadsSubject, payload); err != nil {
		plog.Debugf("router: failed sending roads to %s: %v", target, err)
	}
}

// lookupPeer resolves a uid to a directory.Peer through Hellos' wrapped
// directory, since Roads only ever addresses peers Hellos already knows
// about (router neighbors or direct neighbors).
func (r *Roads) lookupPeer(uid string) (*directory.Peer, bool) {
	return r.hellos.dir.Get(uid)
}

func (r *Roads) handleRoads(msg *wire.Message) {
	var advertised map[string]float64
	if err := json.Unmarshal(msg.Content, &advertised); err != nil {
		plog.Warnf("router: malformed roads payload from %s: %v", msg.SenderUID, err)
		return
	}
	sender := msg.SenderUID

	r.mu.Lock()
	defer r.mu.Unlock()

	// Poison: drop every entry currently routed through sender (spec.md
	// §4.9 — strict split-horizon poisoning, not the Python original's
	// looser condition; see DESIGN.md open-question decision).
	for d, hop := range r.nextHop {
		if hop == sender {
			delete(r.nextHop, d)
			delete(r.metric, d)
		}
	}

	if !r.hellos.IsReachable(sender) {
		return
	}
	for d, m := range advertised {
		if r.hellos.IsReachable(d) {
			// d is a direct neighbor of ours; never route it via sender.
			continue
		}
		existing, known := r.metric[d]
		if !known || m < existing {
			r.nextHop[d] = sender
			r.metric[d] = m
			r.advertisedGauge.WithLabelValues(d).Set(m)
		}
	}
}

// NextHopTo returns the next-hop uid for destination d: d itself if d is
// a direct neighbor, else the learned next-hop, else ok=false (spec.md
// §4.9).
func (r *Roads) NextHopTo(d string) (string, bool) {
	if r.hellos.IsReachable(d) {
		return d, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Direct-neighbor entries are pruned on every read so a destination
	// that just became reachable never appears stale (spec.md §4.9).
	for dest, hop := range r.nextHop {
		if r.hellos.IsReachable(dest) {
			delete(r.nextHop, dest)
			delete(r.metric, dest)
			if dest == d {
				return d, true
			}
		}
	}
	hop, ok := r.nextHop[d]
	return hop, ok
}

// NextHops returns a snapshot of the full destination->next-hop table.
func (r *Roads) NextHops() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.nextHop))
	for k, v := range r.nextHop {
		out[k] = v
	}
	return out
}

// AccessiblePeers returns destination -> total advertised latency
// (local-to-next-hop plus next-hop-to-destination), for every multi-hop
// destination whose next hop is currently reachable.
func (r *Roads) AccessiblePeers() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64)
	for d, hop := range r.nextHop {
		if m, ok := r.hellos.NeighbourMetric(hop); ok {
			out[d] = r.metric[d] + m
		}
	}
	return out
}
