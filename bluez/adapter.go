package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/bus"
)

// Adapter is a local Bluetooth radio managed by BlueZ.
type Adapter struct {
	session     *Session
	name        string
	path        dbus.ObjectPath
	openTimeout time.Duration
	logger      *logrus.Entry
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithOpenTimeout bounds the validation of devices announced while tracking.
func WithOpenTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.openTimeout = d
	}
}

// OpenAdapter opens the first adapter by name (hci0 before hci1).
func OpenAdapter(ctx context.Context, session *Session, opts ...AdapterOption) (*Adapter, error) {
	adapters, err := EnumerateAdapters(ctx, session, opts...)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	return adapters[0], nil
}

// OpenAdapterByName opens the adapter with the given name, e.g. "hci1".
// An empty name behaves like OpenAdapter.
func OpenAdapterByName(ctx context.Context, session *Session, name string, opts ...AdapterOption) (*Adapter, error) {
	if name == "" {
		return OpenAdapter(ctx, session, opts...)
	}
	adapters, err := EnumerateAdapters(ctx, session, opts...)
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		if a.name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAdapter, name)
}

// EnumerateAdapters lists every adapter exposed under /org/bluez, sorted by name.
func EnumerateAdapters(ctx context.Context, session *Session, opts ...AdapterOption) ([]*Adapter, error) {
	session.logger.Debug("Enumerating BlueZ adapters")

	objects, err := session.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var adapters []*Adapter
	for path, ifaces := range objects {
		if _, ok := ifaces[bus.AdapterIface]; !ok {
			continue
		}
		name, ok := strings.CutPrefix(string(path), bus.BluezPrefix)
		if !ok || name == "" || strings.Contains(name, "/") {
			session.logger.WithField("path", path).Warn("Skipping adapter with unexpected path")
			continue
		}
		session.logger.WithField("path", path).Debug("Found BlueZ adapter")
		adapters = append(adapters, newAdapter(session, name, opts...))
	}

	sort.Slice(adapters, func(i, j int) bool { return adapters[i].name < adapters[j].name })
	return adapters, nil
}

func newAdapter(session *Session, name string, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		session:     session,
		name:        name,
		path:        dbus.ObjectPath(bus.BluezPrefix + name),
		openTimeout: DefaultOpenTimeout,
		logger:      session.logger.WithField("adapter", name),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter name, e.g. "hci0".
func (a *Adapter) Name() string {
	return a.name
}

// Path returns the BlueZ object path.
func (a *Adapter) Path() dbus.ObjectPath {
	return a.path
}

// Address returns the adapter's own address.
func (a *Adapter) Address(ctx context.Context) (Address, error) {
	s, err := property[string](ctx, a.session, a.path, bus.AdapterIface, "Address")
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(s)
}

// AddressType reports whether the adapter address is public or random.
func (a *Adapter) AddressType(ctx context.Context) (AddressType, error) {
	s, err := property[string](ctx, a.session, a.path, bus.AdapterIface, "AddressType")
	if err != nil {
		return 0, err
	}
	return parseAddressType(s)
}

// StartDiscovery asks BlueZ to start scanning.
func (a *Adapter) StartDiscovery(ctx context.Context) error {
	a.logger.Debug("Starting discovery")
	if err := a.call(ctx, "StartDiscovery"); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

// StopDiscovery asks BlueZ to stop scanning.
func (a *Adapter) StopDiscovery(ctx context.Context) error {
	a.logger.Debug("Stopping discovery")
	if err := a.call(ctx, "StopDiscovery"); err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}
	return nil
}

// IsDiscovering reports whether the adapter is scanning.
func (a *Adapter) IsDiscovering(ctx context.Context) (bool, error) {
	return property[bool](ctx, a.session, a.path, bus.AdapterIface, "Discovering")
}

// Transport restricts discovery to one bearer.
type Transport string

const (
	TransportAuto  Transport = "auto"
	TransportLE    Transport = "le"
	TransportBREDR Transport = "bredr"
)

// DiscoveryFilter narrows what StartDiscovery reports. Zero fields are left
// to BlueZ defaults.
type DiscoveryFilter struct {
	Transport     Transport
	UUIDs         []uuid.UUID
	RSSI          *int16
	DuplicateData bool
}

func (f DiscoveryFilter) options() map[string]dbus.Variant {
	opts := map[string]dbus.Variant{
		"DuplicateData": dbus.MakeVariant(f.DuplicateData),
	}
	if f.Transport != "" {
		opts["Transport"] = dbus.MakeVariant(string(f.Transport))
	}
	if len(f.UUIDs) > 0 {
		ids := make([]string, len(f.UUIDs))
		for i, u := range f.UUIDs {
			ids[i] = u.String()
		}
		opts["UUIDs"] = dbus.MakeVariant(ids)
	}
	if f.RSSI != nil {
		opts["RSSI"] = dbus.MakeVariant(*f.RSSI)
	}
	return opts
}

// SetDiscoveryFilter applies f to subsequent discovery sessions.
func (a *Adapter) SetDiscoveryFilter(ctx context.Context, f DiscoveryFilter) error {
	a.logger.WithFields(logrus.Fields{
		"transport": f.Transport,
		"uuids":     len(f.UUIDs),
	}).Debug("Setting discovery filter")
	if err := a.call(ctx, "SetDiscoveryFilter", f.options()); err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	return nil
}

// Device opens the device with the given address if BlueZ knows it.
func (a *Adapter) Device(ctx context.Context, addr Address) (Device, error) {
	d, err := openDevice(ctx, a.session, addr.devicePath(a.path))
	if errors.Is(err, ErrNotDevice) {
		return Device{}, fmt.Errorf("%w: %w", &NotFoundError{Resource: "device", UUIDs: []string{addr.String()}}, err)
	}
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

// DeviceSet starts tracking the adapter's devices.
func (a *Adapter) DeviceSet(ctx context.Context) (*DeviceSet, error) {
	return newDeviceSet(ctx, a.session, a.path, a.openTimeout)
}

// DeviceStream starts tracking the adapter's devices and returns a cursor
// that replays known devices before following live changes.
func (a *Adapter) DeviceStream(ctx context.Context) (*DeviceStream, error) {
	set, err := a.DeviceSet(ctx)
	if err != nil {
		return nil, err
	}
	return newDeviceStream(set), nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...any) error {
	return NormalizeError(a.session.bus.Call(ctx, a.path, bus.AdapterIface+"."+method, args...).Err)
}
