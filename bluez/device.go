package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/bus"
)

// deviceProxy is the state shared by every copy of a Device.
type deviceProxy struct {
	session *Session
	path    dbus.ObjectPath
	address Address
}

// Device is a handle on one remote peripheral. Copies share the same proxy;
// two handles with the same path refer to the same peripheral.
//
// The zero Device is what failed lookups return. Path, Address, Equal and
// String are safe on it; methods that talk to the bus need an opened handle.
type Device struct {
	proxy *deviceProxy
}

// openDevice validates that path exposes org.bluez.Device1 and returns a handle.
func openDevice(ctx context.Context, session *Session, path dbus.ObjectPath) (Device, error) {
	v, err := session.bus.Property(ctx, path, bus.DeviceIface, "Address")
	if err != nil {
		if isMissingObject(err) {
			return Device{}, fmt.Errorf("open device %s: %w: %w", path, ErrNotDevice, err)
		}
		return Device{}, fmt.Errorf("open device %s: %w", path, err)
	}
	s, ok := v.Value().(string)
	if !ok {
		return Device{}, fmt.Errorf("open device %s: %w: address has type %s", path, ErrNotDevice, v.Signature())
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return Device{}, fmt.Errorf("open device %s: %w", path, err)
	}
	return Device{proxy: &deviceProxy{session: session, path: path, address: addr}}, nil
}

// Path returns the BlueZ object path, or "" for the zero Device.
func (d Device) Path() dbus.ObjectPath {
	if d.proxy == nil {
		return ""
	}
	return d.proxy.path
}

// Equal reports whether both handles refer to the same peripheral.
func (d Device) Equal(other Device) bool {
	if d.proxy == nil || other.proxy == nil {
		return d.proxy == other.proxy
	}
	return d.proxy.path == other.proxy.path
}

func (d Device) String() string {
	if d.proxy == nil {
		return "<nil device>"
	}
	return string(d.proxy.path)
}

// Address returns the device address read when the handle was opened.
// The zero Device has the zero Address.
func (d Device) Address() Address {
	if d.proxy == nil {
		return Address{}
	}
	return d.proxy.address
}

// AddressType reports whether the address is public or random.
func (d Device) AddressType(ctx context.Context) (AddressType, error) {
	s, err := property[string](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, "AddressType")
	if err != nil {
		return 0, err
	}
	return parseAddressType(s)
}

// Alias returns the display name of the device.
func (d Device) Alias(ctx context.Context) (string, error) {
	return property[string](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, PropertyAlias.Key())
}

// RSSI returns the signal strength of the last advertisement. BlueZ only
// reports it while the device is advertising during discovery.
func (d Device) RSSI(ctx context.Context) (int16, error) {
	return property[int16](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, PropertyRSSI.Key())
}

// ServiceUUIDs returns the advertised (or resolved) service UUIDs.
func (d Device) ServiceUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	values, err := property[[]string](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, PropertyServiceUUIDs.Key())
	if err != nil {
		return nil, err
	}
	return parseUUIDs(values)
}

// IsConnected reports the current connection state.
func (d Device) IsConnected(ctx context.Context) (bool, error) {
	return property[bool](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, PropertyConnected.Key())
}

// Connect connects to the device. Connecting an already connected device is
// a no-op.
func (d Device) Connect(ctx context.Context) error {
	connected, err := d.IsConnected(ctx)
	if err != nil {
		return err
	}
	if connected {
		return nil
	}

	d.logger().Debug("Connecting")
	err = NormalizeError(d.proxy.session.bus.Call(ctx, d.proxy.path, bus.DeviceIface+".Connect").Err)
	if err == nil || errors.Is(err, ErrAlreadyConnected) {
		return nil
	}

	// Another client may have connected it while our call was in flight.
	if connected, cerr := d.IsConnected(ctx); cerr == nil && connected {
		return nil
	}
	return fmt.Errorf("connect %s: %w", d.proxy.address, err)
}

// Disconnect disconnects the device. Disconnecting an already disconnected
// device is a no-op.
func (d Device) Disconnect(ctx context.Context) error {
	connected, err := d.IsConnected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		return nil
	}

	d.logger().Debug("Disconnecting")
	err = NormalizeError(d.proxy.session.bus.Call(ctx, d.proxy.path, bus.DeviceIface+".Disconnect").Err)
	if err == nil || errors.Is(err, ErrNotConnected) {
		return nil
	}

	if connected, cerr := d.IsConnected(ctx); cerr == nil && !connected {
		return nil
	}
	return fmt.Errorf("disconnect %s: %w", d.proxy.address, err)
}

// GATTServices waits for BlueZ to finish service discovery and returns the
// device's services sorted by object path. The device must be connected.
// Services that cannot be opened are skipped with a warning.
func (d Device) GATTServices(ctx context.Context) ([]*Service, error) {
	if err := d.waitServicesResolved(ctx); err != nil {
		return nil, err
	}

	objects, err := d.proxy.session.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var services []*Service
	for _, path := range childPaths(objects, d.proxy.path, bus.GattServiceIface) {
		svc, err := newService(d.proxy.session, path, objects[path][bus.GattServiceIface])
		if err != nil {
			d.logger().WithError(err).WithField("service", path).Warn("Skipping GATT service")
			continue
		}
		services = append(services, svc)
	}
	return services, nil
}

// Service returns the GATT service with the given UUID.
func (d Device) Service(ctx context.Context, id uuid.UUID) (*Service, error) {
	services, err := d.GATTServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if svc.UUID() == id {
			return svc, nil
		}
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{id.String()}}
}

func (d Device) waitServicesResolved(ctx context.Context) error {
	connected, err := d.IsConnected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		return fmt.Errorf("%w: cannot resolve services", ErrNotConnected)
	}

	// Subscribe before reading so the transition cannot be missed.
	sub, err := d.proxy.session.bus.WatchProperties(ctx, d.proxy.path, bus.DeviceIface)
	if err != nil {
		return err
	}
	defer sub.Close()

	resolved, err := property[bool](ctx, d.proxy.session, d.proxy.path, bus.DeviceIface, "ServicesResolved")
	if err != nil {
		return err
	}
	if resolved {
		d.logger().Debug("Services already resolved")
		return nil
	}

	d.logger().Debug("Waiting for services to be resolved")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-sub.C():
			if !ok {
				return ErrServicesUnresolved
			}
			if v, ok := batch.Changed["ServicesResolved"]; ok {
				if b, _ := v.Value().(bool); b {
					d.logger().Debug("Service discovery completed")
					return nil
				}
			}
			if v, ok := batch.Changed[PropertyConnected.Key()]; ok {
				if b, _ := v.Value().(bool); !b {
					return fmt.Errorf("%w: disconnected while resolving services", ErrNotConnected)
				}
			}
		}
	}
}

// PropertyChanges opens a change stream for the given properties.
func (d Device) PropertyChanges(ctx context.Context, names ...PropertyName) (*Changes, error) {
	sub, err := d.proxy.session.bus.WatchProperties(ctx, d.proxy.path, bus.DeviceIface)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", d.proxy.path, err)
	}
	return newChanges(sub, names), nil
}

// DeviceInfo is a snapshot of a device's Device1 properties.
type DeviceInfo struct {
	Address          string            `json:"address"`
	AddressType      string            `json:"address_type"`
	Name             string            `json:"name,omitempty"`
	Alias            string            `json:"alias,omitempty"`
	RSSI             *int16            `json:"rssi,omitempty"`
	TxPower          *int16            `json:"tx_power,omitempty"`
	Connected        bool              `json:"connected"`
	Paired           bool              `json:"paired"`
	Trusted          bool              `json:"trusted"`
	ServicesResolved bool              `json:"services_resolved"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
}

// Info reads every Device1 property in one round trip.
func (d Device) Info(ctx context.Context) (DeviceInfo, error) {
	props, err := d.proxy.session.bus.Properties(ctx, d.proxy.path, bus.DeviceIface)
	if err != nil {
		return DeviceInfo{}, err
	}
	return deviceInfoFromProperties(props), nil
}

func deviceInfoFromProperties(props map[string]dbus.Variant) DeviceInfo {
	var info DeviceInfo
	info.Address, _ = variant[string](props, "Address")
	info.AddressType, _ = variant[string](props, "AddressType")
	info.Name, _ = variant[string](props, "Name")
	info.Alias, _ = variant[string](props, "Alias")
	if v, ok := variant[int16](props, "RSSI"); ok {
		info.RSSI = &v
	}
	if v, ok := variant[int16](props, "TxPower"); ok {
		info.TxPower = &v
	}
	info.Connected, _ = variant[bool](props, "Connected")
	info.Paired, _ = variant[bool](props, "Paired")
	info.Trusted, _ = variant[bool](props, "Trusted")
	info.ServicesResolved, _ = variant[bool](props, "ServicesResolved")
	info.ServiceUUIDs, _ = variant[[]string](props, "UUIDs")

	if md, ok := variant[map[uint16]dbus.Variant](props, "ManufacturerData"); ok {
		info.ManufacturerData = make(map[uint16][]byte, len(md))
		for id, v := range md {
			if b, ok := v.Value().([]byte); ok {
				info.ManufacturerData[id] = b
			}
		}
	}
	if sd, ok := variant[map[string]dbus.Variant](props, "ServiceData"); ok {
		info.ServiceData = make(map[string][]byte, len(sd))
		for id, v := range sd {
			if b, ok := v.Value().([]byte); ok {
				info.ServiceData[strings.ToLower(id)] = b
			}
		}
	}
	return info
}

func (d Device) logger() *logrus.Entry {
	if d.proxy == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.proxy.session.logger.WithFields(logrus.Fields{
		"device":  d.proxy.address.String(),
		"path":    d.proxy.path,
		"session": "bluez",
	})
}

// property reads one property and asserts its Go type.
func property[T any](ctx context.Context, s *Session, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := s.bus.Property(ctx, path, iface, name)
	if err != nil {
		return zero, NormalizeError(err)
	}
	out, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s on %s: unexpected type %s", iface, name, path, v.Signature())
	}
	return out, nil
}

func variant[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	out, ok := v.Value().(T)
	return out, ok
}

// childPaths returns the sorted paths strictly below parent exposing iface.
func childPaths(objects bus.ManagedObjects, parent dbus.ObjectPath, iface string) []dbus.ObjectPath {
	prefix := string(parent) + "/"
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if _, ok := ifaces[iface]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// isChildOf reports whether path lies strictly below parent.
func isChildOf(path, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(parent)+"/")
}
