// Package router implements Herald's link-state neighbor discovery
// (hellos, §4.8) and distance-vector multi-hop routing (roads, §4.9).
// Neither has a teacher (zeromq-gyre) equivalent — Zyre is single-hop
// only — so both are grounded on the Python original at
// original_source/python/herald/routing_hellos.py and routing_roads.py,
// written in the teacher's concurrency idiom: a daemon goroutine per
// component, guarded by a single mutex, metrics exported via
// prometheus/client_golang the way the rest of this module observes
// itself.
package router

import (
	"strings"
	"sync"
	"time"

	plog "github.com/prometheus/common/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// HelloSubject is sent periodically to every directory peer not
// currently awaiting a reply (spec.md §4.8).
const HelloSubject = "herald/routing/hello/"

// NodeReplySubject/RouterReplySubject are the two hello-reply subjects a
// peer answers on, encoding whether it forwards traffic for others
// (spec.md §4.8). Exported so a peer that never runs Hellos itself — the
// micronode — can still answer a hello with the right one.
const (
	NodeReplySubject   = "herald/routing/reply/N/"
	RouterReplySubject = "herald/routing/reply/R/"
)

func replySubject(isRouter bool) string {
	if isRouter {
		return RouterReplySubject
	}
	return NodeReplySubject
}

// Bus is the messaging surface Hellos/Roads need: fire-and-forget send
// plus subject-filtered listening. herald.Bus satisfies this
// structurally.
type Bus interface {
	Fire(peer *directory.Peer, subject string, content []byte) error
	Reply(original *wire.Message, subject string, content []byte) error
	Listen(patterns []string, handler func(msg *wire.Message))
}

// HellosConfig holds the tunables named in spec.md §4.8/§6.
type HellosConfig struct {
	HelloDelay   time.Duration
	HelloTimeout time.Duration
	Granularity  float64
	// IsRouter reports whether this node forwards traffic for others; it
	// is read on every hello reply, so it may change at runtime (e.g.
	// once Roads activates).
	IsRouter func() bool
}

// DefaultHellosConfig mirrors the Python original's defaults (hello_delay
// 5s, hello_timeout 12s, metric_granularity 0.00003).
func DefaultHellosConfig() HellosConfig {
	return HellosConfig{
		HelloDelay:   5 * time.Second,
		HelloTimeout: 12 * time.Second,
		Granularity:  0.00003,
		IsRouter:     func() bool { return false },
	}
}

type neighbourInfo struct {
	hasMetric bool
	metric    float64
	waiting   bool
	lastAsk   time.Time
	hasRouter bool
	router    bool
}

// Hellos measures per-neighbor latency with periodic hello/reply pings
// and tracks which neighbors are themselves routers (spec.md §4.8).
type Hellos struct {
	bus Bus
	dir *directory.Directory
	cfg HellosConfig

	mu         sync.Mutex
	neighbours map[string]*neighbourInfo

	quit chan struct{}
	wg   sync.WaitGroup

	metricGauge *prometheus.GaugeVec
	sentTotal   prometheus.Counter
}

// NewHellos wires a Hellos daemon against bus and dir. reg receives the
// exported Prometheus metrics; pass a fresh *prometheus.Registry in
// tests to avoid colliding with other instances.
func NewHellos(bus Bus, dir *directory.Directory, cfg HellosConfig, reg prometheus.Registerer) *Hellos {
	h := &Hellos{
		bus:        bus,
		dir:        dir,
		cfg:        cfg,
		neighbours: make(map[string]*neighbourInfo),
		quit:       make(chan struct{}),
		metricGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "herald_router_neighbour_metric_seconds",
			Help: "Measured round-trip hello latency per neighbor.",
		}, []string{"peer"}),
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_router_hello_sent_total",
			Help: "Number of hello messages sent.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.metricGauge, h.sentTotal)
	}
	bus.Listen([]string{"herald/routing/reply/**"}, h.handleReply)
	bus.Listen([]string{HelloSubject}, h.handleHello)
	return h
}

// handleHello answers an incoming hello with this peer's router/node
// reply subject (spec.md §4.8).
func (h *Hellos) handleHello(msg *wire.Message) {
	if err := h.bus.Reply(msg, h.ReplySubject(), nil); err != nil {
		plog.Debugf("router: failed replying to hello from %s: %v", msg.SenderUID, err)
	}
}

// Start launches the periodic hello loop.
func (h *Hellos) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop ends the loop and clears all neighbor state.
func (h *Hellos) Stop() {
	close(h.quit)
	h.wg.Wait()
	h.mu.Lock()
	h.neighbours = make(map[string]*neighbourInfo)
	h.mu.Unlock()
}

func (h *Hellos) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HelloDelay)
	defer ticker.Stop()

	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hellos) tick() {
	for _, peer := range h.dir.All() {
		h.sendHello(peer)
	}

	h.mu.Lock()
	now := time.Now()
	for uid, info := range h.neighbours {
		if info.waiting && now.Sub(info.lastAsk) > h.cfg.HelloTimeout {
			delete(h.neighbours, uid)
		}
	}
	known := make(map[string]struct{}, len(h.dir.All()))
	for _, p := range h.dir.All() {
		known[p.UID] = struct{}{}
	}
	for uid := range h.neighbours {
		if _, ok := known[uid]; !ok {
			delete(h.neighbours, uid)
		}
	}
	h.mu.Unlock()
}

func (h *Hellos) sendHello(peer *directory.Peer) {
	h.mu.Lock()
	info, ok := h.neighbours[peer.UID]
	if ok && info.waiting {
		h.mu.Unlock()
		return
	}
	if !ok {
		info = &neighbourInfo{}
		h.neighbours[peer.UID] = info
	}
	info.waiting = true
	info.lastAsk = time.Now()
	h.mu.Unlock()

	h.sentTotal.Inc()
	if err := h.bus.Fire(peer, HelloSubject, nil); err != nil {
		plog.Debugf("router: hello to %s failed, marking unreachable: %v", peer.UID, err)
		h.SetNotReachable(peer.UID)
	}
}

func (h *Hellos) handleReply(msg *wire.Message) {
	uid := msg.SenderUID
	h.mu.Lock()
	info, ok := h.neighbours[uid]
	h.mu.Unlock()
	if !ok || !info.waiting {
		return
	}

	delay := time.Since(info.lastAsk).Seconds()
	h.ChangeMetric(uid, delay)

	h.mu.Lock()
	info.waiting = false
	h.mu.Unlock()

	isRouter := routerFromSubject(msg.Subject)
	h.mu.Lock()
	info.hasRouter = true
	info.router = isRouter
	h.mu.Unlock()

	h.metricGauge.WithLabelValues(uid).Set(delay)
}

func routerFromSubject(subject string) bool {
	parts := strings.Split(subject, "/")
	return len(parts) >= 4 && parts[3] == "R"
}

// ChangeMetric applies spec.md §4.8's damping rule: a new value replaces
// the stored metric when there's no prior metric yet, when it reaches or
// exceeds hello_timeout (so a flapping-to-unreachable transition isn't
// damped away), or when the change magnitude reaches granularity.
func (h *Hellos) ChangeMetric(uid string, newValue float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.neighbours[uid]
	if !ok {
		info = &neighbourInfo{}
		h.neighbours[uid] = info
	}
	if !info.hasMetric {
		info.metric = newValue
		info.hasMetric = true
		return
	}
	diff := newValue - info.metric
	if diff < 0 {
		diff = -diff
	}
	if diff >= h.cfg.Granularity || newValue >= h.cfg.HelloTimeout.Seconds() {
		info.metric = newValue
	}
}

// SetNotReachable removes uid from the neighbor table entirely (spec.md
// §4.8).
func (h *Hellos) SetNotReachable(uid string) {
	h.mu.Lock()
	delete(h.neighbours, uid)
	h.mu.Unlock()
}

// NeighbourMetric returns the measured metric for uid if it is currently
// below hello_timeout.
func (h *Hellos) NeighbourMetric(uid string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.neighbours[uid]
	if !ok || !info.hasMetric || info.metric >= h.cfg.HelloTimeout.Seconds() {
		return 0, false
	}
	return info.metric, true
}

// IsReachable reports whether uid currently has a sub-timeout metric.
func (h *Hellos) IsReachable(uid string) bool {
	_, ok := h.NeighbourMetric(uid)
	return ok
}

// Neighbours returns the uids currently carrying a metric.
func (h *Hellos) Neighbours() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.neighbours))
	for uid, info := range h.neighbours {
		if info.hasMetric {
			out = append(out, uid)
		}
	}
	return out
}

// NeighbourMetrics returns a snapshot of every currently-reachable
// neighbor's metric, keyed by uid (spec.md §4.8, used by the debug
// HTTP page).
func (h *Hellos) NeighbourMetrics() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64)
	for uid, info := range h.neighbours {
		if info.hasMetric && info.metric < h.cfg.HelloTimeout.Seconds() {
			out[uid] = info.metric
		}
	}
	return out
}

// RouterNeighbours returns neighbors known to be routers and currently
// metriced.
func (h *Hellos) RouterNeighbours() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for uid, info := range h.neighbours {
		if info.hasRouter && info.router && info.hasMetric {
			out = append(out, uid)
		}
	}
	return out
}

// IsRouter reports the local node's router/node role for the reply
// subject it stamps onto incoming hellos (answered by the
// "herald/routing/hello/" listener NewHellos registers).
func (h *Hellos) IsRouter() bool {
	if h.cfg.IsRouter == nil {
		return false
	}
	return h.cfg.IsRouter()
}

// ReplySubject is the reply subject this Hellos' own herald/routing/hello/
// listener answers with.
func (h *Hellos) ReplySubject() string {
	return replySubject(h.IsRouter())
}
