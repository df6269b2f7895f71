package rpc

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
	plog "github.com/prometheus/common/log"

	"github.com/librallu/cohorte-herald/internal/directory"
	"github.com/librallu/cohorte-herald/internal/wire"
)

// Bus is the messaging surface the RPC layer needs. herald.Bus satisfies
// it structurally. FireMessage lets RemoteObject learn a request's uid
// before sending it, so it can correlate the matching reply.
type Bus interface {
	Fire(peer *directory.Peer, subject string, content []byte) error
	FireMessage(peer *directory.Peer, msg *wire.Message) error
	Reply(original *wire.Message, subject string, content []byte) error
	Listen(patterns []string, handler func(msg *wire.Message))
}

// ServiceLookup resolves a stable `service_<id>` name to the local Go
// value backing it, so the dispatcher can invoke a member on it.
type ServiceLookup interface {
	Lookup(serviceName string) (instance interface{}, ok bool)
}

// Dispatcher answers incoming RPC requests against local components
// (spec.md §4.11): parse method/args, look up the component by
// service-id, invoke the named member with positional args, reply with
// the result.
type Dispatcher struct {
	bus    Bus
	lookup ServiceLookup
}

// NewDispatcher registers a herald/rpc/xmlrpc listener against bus,
// serving requests out of lookup.
func NewDispatcher(bus Bus, lookup ServiceLookup) *Dispatcher {
	d := &Dispatcher{bus: bus, lookup: lookup}
	bus.Listen([]string{RequestSubject}, d.handleRequest)
	return d
}

func (d *Dispatcher) handleRequest(msg *wire.Message) {
	methodName, args, err := DecodeRequest(msg.Content)
	if err != nil {
		plog.Errorf("rpc: malformed request from %s: %v", msg.SenderUID, err)
		return
	}

	serviceName, member, ok := SplitMethodName(methodName)
	if !ok {
		plog.Errorf("rpc: malformed method name %q from %s", methodName, msg.SenderUID)
		return
	}

	instance, ok := d.lookup.Lookup(serviceName)
	if !ok {
		plog.Warnf("rpc: no local service %q for method %q", serviceName, methodName)
		return
	}

	result, err := Invoke(instance, member, args)
	if err != nil {
		plog.Errorf("rpc: invoking %s.%s failed: %v", serviceName, member, err)
		return
	}

	payload, err := EncodeResponse(result)
	if err != nil {
		plog.Errorf("rpc: encoding reply to %s failed: %v", methodName, err)
		return
	}
	if err := d.bus.Reply(msg, ReplySubject, payload); err != nil {
		plog.Errorf("rpc: replying to %s failed: %v", msg.SenderUID, err)
	}
}

// Invoke calls the exported method named member (capitalized, per Go's
// export rule) on instance with args, converting its results back to
// int/string. Any other return kind is ErrUnsupportedType. Shared by
// Dispatcher and internal/micronode's synchronous equivalent.
func Invoke(instance interface{}, member string, args []interface{}) ([]interface{}, error) {
	if member == "" {
		return nil, errors.New("rpc: empty method member")
	}
	exported := strings.ToUpper(member[:1]) + member[1:]

	v := reflect.ValueOf(instance)
	method := v.MethodByName(exported)
	if !method.IsValid() {
		return nil, errors.Errorf("rpc: %T has no method %q", instance, exported)
	}

	mt := method.Type()
	if mt.IsVariadic() {
		return nil, errors.Errorf("rpc: %s is variadic, unsupported", exported)
	}
	if mt.NumIn() != len(args) {
		return nil, errors.Errorf("rpc: %s expects %d args, got %d", exported, mt.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		want := mt.In(i)
		got := reflect.ValueOf(a)
		if !got.Type().AssignableTo(want) {
			return nil, errors.Errorf("rpc: %s arg %d wants %s, got %T", exported, i, want, a)
		}
		in[i] = got
	}

	out := method.Call(in)
	result := make([]interface{}, 0, len(out))
	for _, o := range out {
		switch o.Kind() {
		case reflect.Int:
			result = append(result, int(o.Int()))
		case reflect.String:
			result = append(result, o.String())
		default:
			return nil, ErrUnsupportedType
		}
	}
	return result, nil
}
