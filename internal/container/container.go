// Package container implements Herald's service container (spec.md
// §4.10): component declarations, dependency injection against local and
// remote providers, and activation/deactivation driven purely by
// provider availability.
//
// No teacher (zeromq-gyre) equivalent exists — Zyre has no dependency
// injection — so this is grounded on
// original_source/pyboard/ipopo.py/herald.py's declarative vocabulary
// (component_name, factory_name, provides, requires, properties,
// validate/invalidate/bind_field/unbind_field). Python's iPOPO binds
// requirement/property values directly onto object attributes at
// runtime; Go has no equivalent reflection-free mechanism, so this
// reimagines that binding as an explicit *Context* passed to the
// lifecycle callbacks, read by field name — the builder+registry the
// way the teacher's `node.go` owns its `peers`/`peerGroups` maps under
// one struct.
package container

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// RemoteObjectFactory builds the injectable handle for a remote
// provider; internal/rpc supplies the concrete implementation
// (RemoteObject) so this package need not import it.
type RemoteObjectFactory func(peerUID, serviceName string) interface{}

// Requirement is one dependency a component declares (spec.md §3
// "Service declaration").
type Requirement struct {
	FieldName string
	Spec      string
	Optional  bool
}

// PropertyDecl is one configuration property a component declares, with
// its default value.
type PropertyDecl struct {
	FieldName string
	Name      string
	Default   interface{}
}

// Context is the live view of a component's injected requirements and
// property values, passed to its lifecycle callbacks. Storage is the
// subtree hash map adapted in store.go.
type Context struct {
	properties   propertyTree
	requirements propertyTree
}

// Property returns the current value of the named property field.
func (c *Context) Property(field string) interface{} {
	v, _ := c.properties.Get(field)
	return v
}

// Requirement returns the currently bound handle for the named
// requirement field, or nil if unbound (only possible for optional
// requirements — components with an unmet non-optional requirement
// never reach Validate).
func (c *Context) Requirement(field string) interface{} {
	v, _ := c.requirements.Get(field)
	return v
}

func (c *Context) setRequirement(field string, handle interface{}) {
	c.requirements.Set(field, handle)
}

// Declaration is a component's full registration record (spec.md §3).
type Declaration struct {
	ComponentName string
	FactoryName   string
	Provides      []string
	Requires      []Requirement
	Properties    []PropertyDecl

	// Instance is the arbitrary object this declaration represents; it
	// is handed to other components as the injected handle when they
	// require one of Provides (the "local" bind case).
	Instance interface{}

	Validate    func(ctx *Context) error
	Invalidate  func(ctx *Context)
	BindField   func(ctx *Context, fieldName string, handle interface{})
	UnbindField func(ctx *Context, fieldName string, handle interface{})
}

// Endpoint is an exportable view of a provided service (spec.md §3).
type Endpoint struct {
	UID            string
	PeerUID        string
	Name           string
	Specifications []string
	Configurations []string
	Properties     map[string]interface{}
}

// EndpointEvent distinguishes export from revocation.
type EndpointEvent int

const (
	EndpointAdded EndpointEvent = iota
	EndpointRemoved
)

type componentState struct {
	decl   Declaration
	ctx    *Context
	active bool
}

// Container is the per-peer service registry (spec.md §4.10).
type Container struct {
	localUID      string
	remoteFactory RemoteObjectFactory
	onEndpoint    func(event EndpointEvent, ep Endpoint)

	mu            sync.Mutex
	components    map[string]*componentState
	serviceIDs    map[string]uint64 // "<componentName>#<spec>" -> id
	nextServiceID uint64
	external      map[string][]string            // spec -> ordered peer uids
	serviceNames  map[[2]string]string            // [peerUID, spec] -> service_<id> name
}

// New creates an empty Container for localUID. remoteFactory builds the
// injectable handle for a remote requirement; it is invoked with the
// provider's peer uid and the stable `service_<id>` name.
func New(localUID string, remoteFactory RemoteObjectFactory) *Container {
	return &Container{
		localUID:      localUID,
		remoteFactory: remoteFactory,
		components:    make(map[string]*componentState),
		serviceIDs:    make(map[string]uint64),
		external:      make(map[string][]string),
		serviceNames:  make(map[[2]string]string),
	}
}

// OnEndpointChange registers the callback fired whenever a local
// component's exported endpoints change (used to drive the discovery
// layer's add/update/remove announcements).
func (c *Container) OnEndpointChange(f func(event EndpointEvent, ep Endpoint)) {
	c.onEndpoint = f
}

// ServiceNameFromID renders the stable `service_<id>` form (spec.md §3);
// injective because ids are dense and never reused.
func ServiceNameFromID(id uint64) string {
	return fmt.Sprintf("service_%d", id)
}

// Declare registers a new local component. Each provided specification
// is assigned a service id from this Container's monotonic counter at
// declaration time (spec.md §3 invariant). Declare attempts to start the component immediately.
func (c *Container) Declare(decl Declaration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.components[decl.ComponentName]; exists {
		return errors.Errorf("container: component %q already declared", decl.ComponentName)
	}

	ctx := &Context{
		properties:   newPropertyTree(),
		requirements: newPropertyTree(),
	}
	for _, p := range decl.Properties {
		ctx.properties.Set(p.FieldName, p.Default)
	}

	for _, spec := range decl.Provides {
		c.nextServiceID++
		c.serviceIDs[decl.ComponentName+"#"+spec] = c.nextServiceID
	}

	c.components[decl.ComponentName] = &componentState{decl: decl, ctx: ctx}
	c.startComponentLocked(decl.ComponentName)

	// A component declared earlier may have been waiting on exactly this
	// component's Provides; reconsider it the same way AddService does
	// for a freshly discovered remote provider.
	for _, spec := range decl.Provides {
		c.activateOrBindDependentsLocked(spec, decl.ComponentName)
	}
	return nil
}

// bestProviderLocked returns spec's current provider: an active local
// component providing it (isLocal=true), else the first peer in its
// external provider list (spec.md §4.10 "first peer in the list").
func (c *Container) bestProviderLocked(spec string) (peerUID string, isLocal bool, ok bool) {
	for _, cs := range c.components {
		if !cs.active {
			continue
		}
		for _, p := range cs.decl.Provides {
			if p == spec {
				return "", true, true
			}
		}
	}
	if peers, found := c.external[spec]; found && len(peers) > 0 {
		return peers[0], false, true
	}
	return "", false, false
}

func (c *Container) localProviderLocked(spec string) (*componentState, bool) {
	for _, cs := range c.components {
		if !cs.active {
			continue
		}
		for _, p := range cs.decl.Provides {
			if p == spec {
				return cs, true
			}
		}
	}
	return nil, false
}

func (c *Container) resolveHandleLocked(spec string) interface{} {
	if provider, ok := c.localProviderLocked(spec); ok {
		return provider.decl.Instance
	}
	peerUID, isLocal, ok := c.bestProviderLocked(spec)
	if !ok || isLocal {
		return nil
	}
	name, ok := c.serviceNames[[2]string{peerUID, spec}]
	if !ok || c.remoteFactory == nil {
		return nil
	}
	return c.remoteFactory(peerUID, name)
}

// BestProvider is the exported form of bestProviderLocked.
func (c *Container) BestProvider(spec string) (peerUID string, isLocal bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestProviderLocked(spec)
}

// startComponentLocked short-circuits false if any non-optional
// requirement has no provider; else it applies property defaults,
// injects requirement handles, marks the component active, and calls
// Validate (spec.md §4.10).
func (c *Container) startComponentLocked(name string) bool {
	cs, ok := c.components[name]
	if !ok || cs.active {
		return false
	}

	for _, req := range cs.decl.Requires {
		if req.Optional {
			continue
		}
		if _, _, ok := c.bestProviderLocked(req.Spec); !ok {
			return false
		}
	}

	for _, p := range cs.decl.Properties {
		cs.ctx.properties.Set(p.FieldName, p.Default)
	}

	for _, req := range cs.decl.Requires {
		cs.ctx.setRequirement(req.FieldName, c.resolveHandleLocked(req.Spec))
	}

	cs.active = true
	if cs.decl.Validate != nil {
		if err := cs.decl.Validate(cs.ctx); err != nil {
			cs.active = false
			return false
		}
	}

	for _, spec := range cs.decl.Provides {
		c.fireEndpointLocked(EndpointAdded, name, spec)
	}
	return true
}

func (c *Container) fireEndpointLocked(event EndpointEvent, componentName, spec string) {
	if c.onEndpoint == nil {
		return
	}
	id := c.serviceIDs[componentName+"#"+spec]
	name := ServiceNameFromID(id)
	props := make(map[string]interface{})
	if cs, ok := c.components[componentName]; ok {
		for _, p := range cs.decl.Properties {
			props[p.Name] = cs.ctx.Property(p.FieldName)
		}
	}
	ep := Endpoint{
		UID: name, PeerUID: c.localUID, Name: name,
		Specifications: []string{spec}, Properties: props,
	}
	c.onEndpoint(event, ep)
}

// RemoveComponent marks name inactive, calls Invalidate, and propagates
// removal of every endpoint it had exported (spec.md §4.10).
func (c *Container) RemoveComponent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeComponentLocked(name)
}

func (c *Container) removeComponentLocked(name string) {
	cs, ok := c.components[name]
	if !ok || !cs.active {
		return
	}
	cs.active = false
	if cs.decl.Invalidate != nil {
		cs.decl.Invalidate(cs.ctx)
	}
	for _, spec := range cs.decl.Provides {
		c.fireEndpointLocked(EndpointRemoved, name, spec)
	}

	// A consumer whose non-optional requirement this component was
	// satisfying must itself be invalidated (cascading); an optional
	// consumer just has its handle cleared.
	for otherName, other := range c.components {
		if otherName == name || !other.active {
			continue
		}
		for _, req := range other.decl.Requires {
			if !providesAny(cs.decl.Provides, req.Spec) {
				continue
			}
			if req.Optional {
				old := other.ctx.Requirement(req.FieldName)
				other.ctx.setRequirement(req.FieldName, nil)
				if other.decl.UnbindField != nil {
					other.decl.UnbindField(other.ctx, req.FieldName, old)
				}
				continue
			}
			if _, _, ok := c.bestProviderLocked(req.Spec); !ok {
				c.removeComponentLocked(otherName)
				continue
			}
			// An alternate provider exists (e.g. a remote peer); rebind
			// rather than cascade the deactivation.
			handle := c.resolveHandleLocked(req.Spec)
			other.ctx.setRequirement(req.FieldName, handle)
			if other.decl.BindField != nil {
				other.decl.BindField(other.ctx, req.FieldName, handle)
			}
		}
	}
}

func providesAny(provides []string, spec string) bool {
	for _, p := range provides {
		if p == spec {
			return true
		}
	}
	return false
}

// AddService registers a remote provider of spec (spec.md §4.10
// `add_service`): idempotent on duplicates; every component requiring
// spec either activates (if inactive) or gets the handle injected (if
// its bound slot for spec was empty).
func (c *Container) AddService(spec, peerUID, serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := [2]string{peerUID, spec}
	if _, exists := c.serviceNames[key]; !exists {
		c.external[spec] = appendUnique(c.external[spec], peerUID)
	}
	c.serviceNames[key] = serviceName

	c.activateOrBindDependentsLocked(spec, "")
}

// activateOrBindDependentsLocked reconsiders every other component that
// requires spec: an inactive one is (re)started now that spec has a
// provider; an active one with an unbound slot for spec gets the handle
// injected. skipName excludes the component that just changed (its own
// Requires, if any, were already resolved by startComponentLocked).
func (c *Container) activateOrBindDependentsLocked(spec, skipName string) {
	for name, cs := range c.components {
		if name == skipName {
			continue
		}
		for _, req := range cs.decl.Requires {
			if req.Spec != spec {
				continue
			}
			if !cs.active {
				c.startComponentLocked(name)
				continue
			}
			if cs.ctx.Requirement(req.FieldName) == nil {
				handle := c.resolveHandleLocked(spec)
				cs.ctx.setRequirement(req.FieldName, handle)
				if cs.decl.BindField != nil {
					cs.decl.BindField(cs.ctx, req.FieldName, handle)
				}
			}
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// RemoveService removes peerUID as a provider of spec (spec.md §4.10
// `remove_service`): optional consumers have their handle cleared (and
// rebound if another provider remains); non-optional consumers are
// invalidated (cascading) when no provider of spec remains, and
// otherwise rebound to the remaining best provider.
func (c *Container) RemoveService(spec, peerUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := [2]string{peerUID, spec}
	delete(c.serviceNames, key)
	c.external[spec] = removeValue(c.external[spec], peerUID)

	for name, cs := range c.components {
		if !cs.active {
			continue
		}
		for _, req := range cs.decl.Requires {
			if req.Spec != spec {
				continue
			}
			if req.Optional {
				old := cs.ctx.Requirement(req.FieldName)
				cs.ctx.setRequirement(req.FieldName, nil)
				if cs.decl.UnbindField != nil {
					cs.decl.UnbindField(cs.ctx, req.FieldName, old)
				}
				// a replacement provider may already exist
				if handle := c.resolveHandleLocked(spec); handle != nil {
					cs.ctx.setRequirement(req.FieldName, handle)
					if cs.decl.BindField != nil {
						cs.decl.BindField(cs.ctx, req.FieldName, handle)
					}
				}
			} else if _, _, ok := c.bestProviderLocked(spec); !ok {
				c.removeComponentLocked(name)
			} else {
				handle := c.resolveHandleLocked(spec)
				cs.ctx.setRequirement(req.FieldName, handle)
				if cs.decl.BindField != nil {
					cs.decl.BindField(cs.ctx, req.FieldName, handle)
				}
			}
		}
	}
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// ExportedEndpoints returns every endpoint currently exported by an
// active local component, sorted by name for deterministic dumps.
func (c *Container) ExportedEndpoints() []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Endpoint
	for name, cs := range c.components {
		if !cs.active {
			continue
		}
		for _, spec := range cs.decl.Provides {
			id := c.serviceIDs[name+"#"+spec]
			props := make(map[string]interface{})
			for _, p := range cs.decl.Properties {
				props[p.Name] = cs.ctx.Property(p.FieldName)
			}
			out = append(out, Endpoint{
				UID: ServiceNameFromID(id), PeerUID: c.localUID, Name: ServiceNameFromID(id),
				Specifications: []string{spec}, Properties: props,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsActive reports whether a declared component is currently active.
func (c *Container) IsActive(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.components[name]
	return ok && cs.active
}
