// Package bus is the boundary between the BlueZ tracking engine and the
// system message bus.
//
// It exposes a small Session contract (managed-object snapshots, object
// add/remove subscriptions, per-object property-change subscriptions and
// plain method calls) and a godbus-backed implementation of it. Everything
// above this package works with decoded Go values and never touches
// *dbus.Signal directly.
package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// ManagedObjects is the ObjectManager snapshot:
// path -> interface name -> property name -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// ObjectEventKind tells InterfacesAdded and InterfacesRemoved apart.
type ObjectEventKind int

const (
	InterfacesAdded ObjectEventKind = iota
	InterfacesRemoved
)

func (k ObjectEventKind) String() string {
	switch k {
	case InterfacesAdded:
		return "added"
	case InterfacesRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ObjectEvent is one decoded ObjectManager signal.
type ObjectEvent struct {
	Kind       ObjectEventKind
	Path       dbus.ObjectPath
	Interfaces []string
	// Properties is only set for InterfacesAdded.
	Properties map[string]map[string]dbus.Variant
}

// HasInterface reports whether the event names iface.
func (e ObjectEvent) HasInterface(iface string) bool {
	for _, name := range e.Interfaces {
		if name == iface {
			return true
		}
	}
	return false
}

// PropertiesChanged is one decoded PropertiesChanged batch.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// Subscription delivers decoded signals until it is closed or the bus goes away.
// C is closed when the subscription ends.
type Subscription[T any] interface {
	C() <-chan T
	Close()
}

type (
	ObjectSubscription   = Subscription[ObjectEvent]
	PropertySubscription = Subscription[PropertiesChanged]
)

// Session is the bus contract used by the bluez package.
// Implementations must be safe for concurrent use.
type Session interface {
	// ManagedObjects returns the full BlueZ object tree.
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
	// WatchObjects subscribes to InterfacesAdded/InterfacesRemoved.
	WatchObjects(ctx context.Context) (ObjectSubscription, error)
	// WatchProperties subscribes to PropertiesChanged for iface on path.
	WatchProperties(ctx context.Context, path dbus.ObjectPath, iface string) (PropertySubscription, error)
	// Call invokes a BlueZ method on path.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call
	// Property reads one property.
	Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	// Properties reads every property of iface.
	Properties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error)
	// Close releases the connection and ends every live subscription.
	Close() error
}
