//go:build test

package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/srg/blues/internal/bus"
)

const fakeQueueSize = 128

// ErrUnknownObject is the D-Bus error returned for paths or interfaces the
// fake bus does not hold.
var ErrUnknownObject = dbus.Error{
	Name: "org.freedesktop.DBus.Error.UnknownObject",
	Body: []interface{}{"unknown object"},
}

// CallHandler answers a method call. The returned body is what Call.Store decodes.
type CallHandler func(b *FakeBus, path dbus.ObjectPath, args []any) ([]any, error)

// RecordedCall is one method call seen by the fake bus.
type RecordedCall struct {
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// FakeBus is an in-memory bus.Session holding a BlueZ object tree.
//
// Mutations emit the signals BlueZ would emit: AddObject sends
// InterfacesAdded, RemoveObject sends InterfacesRemoved and SetProperties
// sends PropertiesChanged to the matching subscriptions.
type FakeBus struct {
	mu         sync.Mutex
	objects    bus.ManagedObjects
	objectSubs map[*fakeSub[bus.ObjectEvent]]struct{}
	propSubs   map[propKey]map[*fakeSub[bus.PropertiesChanged]]struct{}
	broken     map[dbus.ObjectPath]bool
	handlers   map[string]CallHandler
	calls      []RecordedCall
	closed     bool
}

type propKey struct {
	path  dbus.ObjectPath
	iface string
}

var _ bus.Session = (*FakeBus)(nil)

// NewFakeBus returns an empty bus with BlueZ-like default call handlers.
func NewFakeBus() *FakeBus {
	b := &FakeBus{
		objects:    make(bus.ManagedObjects),
		objectSubs: make(map[*fakeSub[bus.ObjectEvent]]struct{}),
		propSubs:   make(map[propKey]map[*fakeSub[bus.PropertiesChanged]]struct{}),
		broken:     make(map[dbus.ObjectPath]bool),
		handlers:   make(map[string]CallHandler),
	}
	b.installDefaultHandlers()
	return b
}

// ---- bus.Session ----

func (b *FakeBus) ManagedObjects(ctx context.Context) (bus.ManagedObjects, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	out := make(bus.ManagedObjects, len(b.objects))
	for path, ifaces := range b.objects {
		out[path] = copyInterfaces(ifaces)
	}
	return out, nil
}

func (b *FakeBus) WatchObjects(ctx context.Context) (bus.ObjectSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	sub := newFakeSub[bus.ObjectEvent]()
	sub.detach = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.objectSubs, sub)
	}
	b.objectSubs[sub] = struct{}{}
	return sub, nil
}

func (b *FakeBus) WatchProperties(ctx context.Context, path dbus.ObjectPath, iface string) (bus.PropertySubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if b.broken[path] {
		return nil, fmt.Errorf("watch %s: %w", path, ErrUnknownObject)
	}

	key := propKey{path: path, iface: iface}
	sub := newFakeSub[bus.PropertiesChanged]()
	sub.detach = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.propSubs[key], sub)
	}
	if b.propSubs[key] == nil {
		b.propSubs[key] = make(map[*fakeSub[bus.PropertiesChanged]]struct{})
	}
	b.propSubs[key][sub] = struct{}{}
	return sub, nil
}

func (b *FakeBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	call := &dbus.Call{Path: path, Method: method, Args: args}
	if err := ctx.Err(); err != nil {
		call.Err = err
		return call
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		call.Err = bus.ErrClosed
		return call
	}
	b.calls = append(b.calls, RecordedCall{Path: path, Method: method, Args: args})
	handler, ok := b.handlers[method]
	b.mu.Unlock()

	if !ok {
		call.Err = dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownMethod", Body: []interface{}{method}}
		return call
	}
	call.Body, call.Err = handler(b, path, args)
	return call
}

func (b *FakeBus) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	props, err := b.Properties(ctx, path, iface)
	if err != nil {
		return dbus.Variant{}, err
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.Error{
			Name: "org.freedesktop.DBus.Error.InvalidArgs",
			Body: []interface{}{"No such property '" + name + "'"},
		}
	}
	return v, nil
}

func (b *FakeBus) Properties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if b.broken[path] {
		return nil, ErrUnknownObject
	}
	props, ok := b.objects[path][iface]
	if !ok {
		return nil, ErrUnknownObject
	}
	out := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out, nil
}

// Close ends every subscription. Later calls fail with bus.ErrClosed.
func (b *FakeBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []interface{ end() bool }
	for s := range b.objectSubs {
		subs = append(subs, s)
	}
	for _, set := range b.propSubs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
	return nil
}

// ---- object tree mutation ----

// AddObject stores an object and announces it with InterfacesAdded.
func (b *FakeBus) AddObject(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.objects[path]
	if current == nil {
		current = make(map[string]map[string]dbus.Variant)
		b.objects[path] = current
	}
	for name, props := range ifaces {
		current[name] = copyProps(props)
	}
	b.emitObjectLocked(bus.ObjectEvent{
		Kind:       bus.InterfacesAdded,
		Path:       path,
		Interfaces: sortedKeys(ifaces),
		Properties: copyInterfaces(ifaces),
	})
}

// RemoveObject drops an object and announces it with InterfacesRemoved.
func (b *FakeBus) RemoveObject(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ifaces, ok := b.objects[path]
	if !ok {
		return
	}
	delete(b.objects, path)
	b.emitObjectLocked(bus.ObjectEvent{
		Kind:       bus.InterfacesRemoved,
		Path:       path,
		Interfaces: sortedKeys(ifaces),
	})
}

// EmitAdded announces an object without storing it, so opening it fails.
func (b *FakeBus) EmitAdded(path dbus.ObjectPath, ifaces ...string) {
	props := make(map[string]map[string]dbus.Variant, len(ifaces))
	for _, name := range ifaces {
		props[name] = map[string]dbus.Variant{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitObjectLocked(bus.ObjectEvent{Kind: bus.InterfacesAdded, Path: path, Interfaces: sortedKeys(props), Properties: props})
}

// EmitRemoved announces a removal without touching the object tree.
func (b *FakeBus) EmitRemoved(path dbus.ObjectPath, ifaces ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitObjectLocked(bus.ObjectEvent{Kind: bus.InterfacesRemoved, Path: path, Interfaces: ifaces})
}

// SetProperties updates stored values and emits PropertiesChanged.
// Invalidated names are removed from the store.
func (b *FakeBus) SetProperties(path dbus.ObjectPath, iface string, changed map[string]any, invalidated ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	variants := make(map[string]dbus.Variant, len(changed))
	for k, v := range changed {
		variants[k] = toVariant(v)
	}

	if props, ok := b.objects[path][iface]; ok {
		for k, v := range variants {
			props[k] = v
		}
		for _, k := range invalidated {
			delete(props, k)
		}
	}

	batch := bus.PropertiesChanged{Interface: iface, Changed: variants, Invalidated: invalidated}
	for s := range b.propSubs[propKey{path: path, iface: iface}] {
		s.send(batch)
	}
}

// EndObjectStream ends every object subscription, as a lost bus would.
func (b *FakeBus) EndObjectStream() {
	b.mu.Lock()
	subs := make([]*fakeSub[bus.ObjectEvent], 0, len(b.objectSubs))
	for s := range b.objectSubs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
}

// EndPropertyStreams ends every property subscription on path.
func (b *FakeBus) EndPropertyStreams(path dbus.ObjectPath) {
	b.mu.Lock()
	var subs []*fakeSub[bus.PropertiesChanged]
	for key, set := range b.propSubs {
		if key.path != path {
			continue
		}
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
}

// Break makes every property read and subscription on path fail.
func (b *FakeBus) Break(path dbus.ObjectPath) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken[path] = true
}

// ---- inspection ----

// Handle installs or replaces the handler for a fully qualified method name.
func (b *FakeBus) Handle(method string, h CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// Calls returns the recorded calls whose method has the given suffix.
// An empty suffix returns every call.
func (b *FakeBus) Calls(suffix string) []RecordedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RecordedCall
	for _, c := range b.calls {
		if strings.HasSuffix(c.Method, suffix) {
			out = append(out, c)
		}
	}
	return out
}

// PropertySubscriptions returns the number of live property subscriptions on path.
func (b *FakeBus) PropertySubscriptions(path dbus.ObjectPath) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, set := range b.propSubs {
		if key.path == path {
			n += len(set)
		}
	}
	return n
}

// ObjectSubscriptions returns the number of live object subscriptions.
func (b *FakeBus) ObjectSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objectSubs)
}

// Value returns a stored property value, or nil.
func (b *FakeBus) Value(path dbus.ObjectPath, iface, name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[path][iface][name]
	if !ok {
		return nil
	}
	return v.Value()
}

func (b *FakeBus) emitObjectLocked(ev bus.ObjectEvent) {
	for s := range b.objectSubs {
		s.send(ev)
	}
}

// ---- subscriptions ----

type fakeSub[T any] struct {
	mu     sync.Mutex
	ch     chan T
	done   bool
	detach func()
}

func newFakeSub[T any]() *fakeSub[T] {
	return &fakeSub[T]{ch: make(chan T, fakeQueueSize), detach: func() {}}
}

func (s *fakeSub[T]) C() <-chan T {
	return s.ch
}

func (s *fakeSub[T]) Close() {
	if s.end() {
		s.detach()
	}
}

// end closes the channel once and reports whether this call closed it.
func (s *fakeSub[T]) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	close(s.ch)
	return true
}

func (s *fakeSub[T]) send(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- v:
	default:
		panic("fake bus subscription queue full")
	}
}

// ---- helpers ----

func toVariant(v any) dbus.Variant {
	if variant, ok := v.(dbus.Variant); ok {
		return variant
	}
	return dbus.MakeVariant(v)
}

// Props converts plain values into a property map.
func Props(values map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(values))
	for k, v := range values {
		out[k] = toVariant(v)
	}
	return out
}

func copyProps(props map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func copyInterfaces(ifaces map[string]map[string]dbus.Variant) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(ifaces))
	for name, props := range ifaces {
		out[name] = copyProps(props)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
