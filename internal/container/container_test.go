package container

import "testing"

func remoteFactory(peerUID, serviceName string) interface{} {
	return "remote:" + peerUID + "/" + serviceName
}

func TestServiceIDsAreDenseInjectiveAndNeverReused(t *testing.T) {
	c := New("local", remoteFactory)

	for i := 0; i < 5; i++ {
		name := "comp-" + string(rune('a'+i))
		if err := c.Declare(Declaration{ComponentName: name, Provides: []string{"spec." + name}}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[uint64]string{}
	for i := 0; i < 5; i++ {
		name := "comp-" + string(rune('a'+i))
		id := c.serviceIDs[name+"#spec."+name]
		if prior, ok := seen[id]; ok {
			t.Fatalf("service id %d reused between %s and %s", id, prior, name)
		}
		seen[id] = name
		if got := ServiceNameFromID(id); got != "service_"+itoa(id) {
			t.Fatalf("unexpected service name %q for id %d", got, id)
		}
	}
}

func itoa(id uint64) string {
	if id == 0 {
		return "0"
	}
	var digits []byte
	for id > 0 {
		digits = append([]byte{byte('0' + id%10)}, digits...)
		id /= 10
	}
	return string(digits)
}

func TestActivationRequiresNonOptionalProvider(t *testing.T) {
	c := New("local", remoteFactory)

	validated := false
	err := c.Declare(Declaration{
		ComponentName: "consumer",
		Requires:      []Requirement{{FieldName: "dep", Spec: "demo.spec", Optional: false}},
		Validate:      func(ctx *Context) error { validated = true; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.IsActive("consumer") {
		t.Fatal("expected consumer to stay inactive with no provider")
	}
	if validated {
		t.Fatal("Validate must not run before activation")
	}

	c.AddService("demo.spec", "peer-a", "service_7")
	if !c.IsActive("consumer") {
		t.Fatal("expected consumer to activate once a provider appears")
	}
	if !validated {
		t.Fatal("expected Validate to run on activation")
	}
}

func TestRemovingLastProviderDeactivatesNonOptionalConsumer(t *testing.T) {
	c := New("local", remoteFactory)
	invalidated := false
	c.Declare(Declaration{
		ComponentName: "consumer",
		Requires:      []Requirement{{FieldName: "dep", Spec: "demo.spec", Optional: false}},
		Invalidate:    func(ctx *Context) { invalidated = true },
	})
	c.AddService("demo.spec", "peer-a", "service_1")
	if !c.IsActive("consumer") {
		t.Fatal("expected consumer active")
	}

	c.RemoveService("demo.spec", "peer-a")
	if c.IsActive("consumer") {
		t.Fatal("expected consumer to deactivate once its only provider left")
	}
	if !invalidated {
		t.Fatal("expected Invalidate to run on deactivation")
	}
}

func TestCascadingDeactivationThroughLocalProvider(t *testing.T) {
	c := New("local", remoteFactory)

	providerInvalidated := false
	c.Declare(Declaration{
		ComponentName: "provider",
		Provides:      []string{"demo.spec"},
		Instance:      "the-instance",
		Invalidate:    func(ctx *Context) { providerInvalidated = true },
	})

	consumerInvalidated := false
	c.Declare(Declaration{
		ComponentName: "consumer",
		Requires:      []Requirement{{FieldName: "dep", Spec: "demo.spec", Optional: false}},
		Invalidate:    func(ctx *Context) { consumerInvalidated = true },
	})

	if !c.IsActive("provider") || !c.IsActive("consumer") {
		t.Fatal("expected both components active: provider satisfies consumer's requirement locally")
	}

	c.RemoveComponent("provider")
	if !providerInvalidated || !consumerInvalidated {
		t.Fatal("expected removing the provider to cascade-invalidate its consumer")
	}
}

func TestOptionalRequirementClearsWithoutDeactivating(t *testing.T) {
	c := New("local", remoteFactory)
	unbound := false
	c.Declare(Declaration{
		ComponentName: "consumer",
		Requires:      []Requirement{{FieldName: "dep", Spec: "demo.spec", Optional: true}},
		UnbindField:   func(ctx *Context, field string, handle interface{}) { unbound = true },
	})
	if !c.IsActive("consumer") {
		t.Fatal("expected an all-optional component to activate immediately")
	}

	c.AddService("demo.spec", "peer-a", "service_1")
	c.RemoveService("demo.spec", "peer-a")

	if !c.IsActive("consumer") {
		t.Fatal("expected optional consumer to remain active after its provider left")
	}
	if !unbound {
		t.Fatal("expected UnbindField to fire for the optional requirement")
	}
}

func TestBestProviderPrefersLocalOverRemote(t *testing.T) {
	c := New("local", remoteFactory)
	c.AddService("demo.spec", "peer-a", "service_1")
	c.Declare(Declaration{ComponentName: "provider", Provides: []string{"demo.spec"}, Instance: "local-thing"})

	_, isLocal, ok := c.BestProvider("demo.spec")
	if !ok || !isLocal {
		t.Fatal("expected local provider to win over the registered remote one")
	}
}
