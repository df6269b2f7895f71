package router

import "github.com/librallu/cohorte-herald/internal/container"

// RoutingSpec is the specification string other components require to
// obtain an AsServiceProvider handle (original_source's
// routing_handler.py registers the router under "herald.routing" so
// sibling components can query it without importing the router package
// directly).
const RoutingSpec = "herald.routing"

// AsServiceProvider adapts a running Hellos/Roads pair to the service
// container's component contract, exposing exactly the two queries
// routing_handler.py's property service answers: whether a peer is
// currently reachable, and the next hop toward a destination.
type AsServiceProvider struct {
	hellos *Hellos
	roads  *Roads
}

// NewServiceProvider wraps hellos/roads for declaration into a
// container.Container via Declaration.
func NewServiceProvider(hellos *Hellos, roads *Roads) *AsServiceProvider {
	return &AsServiceProvider{hellos: hellos, roads: roads}
}

// IsReachable reports whether uid currently has a live neighbor metric
// or a multi-hop route.
func (s *AsServiceProvider) IsReachable(uid string) bool {
	if s.hellos.IsReachable(uid) {
		return true
	}
	_, ok := s.roads.NextHopTo(uid)
	return ok
}

// NextHopTo returns the next-hop uid for destination d.
func (s *AsServiceProvider) NextHopTo(d string) (string, bool) {
	return s.roads.NextHopTo(d)
}

// Declaration builds the container.Declaration that registers s under
// RoutingSpec, for a caller to pass straight to Container.Declare.
func (s *AsServiceProvider) Declaration() container.Declaration {
	return container.Declaration{
		ComponentName: "router-service-provider",
		FactoryName:   "herald.routing",
		Provides:      []string{RoutingSpec},
		Instance:      s,
	}
}
