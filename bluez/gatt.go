package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/bus"
)

// Service is a GATT service of a connected device.
type Service struct {
	session *Session
	path    dbus.ObjectPath
	uuid    uuid.UUID
	primary bool
}

func newService(session *Session, path dbus.ObjectPath, props map[string]dbus.Variant) (*Service, error) {
	raw, ok := variant[string](props, "UUID")
	if !ok {
		return nil, fmt.Errorf("service %s: missing UUID", path)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", path, err)
	}
	primary, _ := variant[bool](props, "Primary")
	return &Service{session: session, path: path, uuid: id, primary: primary}, nil
}

// UUID returns the service UUID.
func (s *Service) UUID() uuid.UUID {
	return s.uuid
}

// IsPrimary reports whether this is a primary service.
func (s *Service) IsPrimary() bool {
	return s.primary
}

// Path returns the BlueZ object path.
func (s *Service) Path() dbus.ObjectPath {
	return s.path
}

// Characteristic returns the characteristic with the given UUID.
func (s *Service) Characteristic(ctx context.Context, id uuid.UUID) (*Characteristic, error) {
	chars, err := s.Characteristics(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range chars {
		if c.uuid == id {
			return c, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid.String(), id.String()}}
}

// Characteristics lists the service's characteristics sorted by object path.
func (s *Service) Characteristics(ctx context.Context) ([]*Characteristic, error) {
	objects, err := s.session.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var out []*Characteristic
	for _, path := range childPaths(objects, s.path, bus.GattCharacteristicIface) {
		c, err := newCharacteristic(s.session, path, objects[path][bus.GattCharacteristicIface])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CharacteristicFlags are the BlueZ characteristic flags ("read", "notify", ...).
type CharacteristicFlags []string

func (f CharacteristicFlags) has(flag string) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

func (f CharacteristicFlags) CanRead() bool     { return f.has("read") }
func (f CharacteristicFlags) CanNotify() bool   { return f.has("notify") }
func (f CharacteristicFlags) CanIndicate() bool { return f.has("indicate") }

// CanWrite reports whether a write with response is allowed.
func (f CharacteristicFlags) CanWrite() bool { return f.has("write") }

// CanWriteWithoutResponse reports whether a write command is allowed.
func (f CharacteristicFlags) CanWriteWithoutResponse() bool {
	return f.has("write-without-response")
}

// Characteristic is a GATT characteristic.
type Characteristic struct {
	session *Session
	path    dbus.ObjectPath
	uuid    uuid.UUID
}

func newCharacteristic(session *Session, path dbus.ObjectPath, props map[string]dbus.Variant) (*Characteristic, error) {
	raw, ok := variant[string](props, "UUID")
	if !ok {
		return nil, fmt.Errorf("characteristic %s: missing UUID", path)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("characteristic %s: %w", path, err)
	}
	return &Characteristic{session: session, path: path, uuid: id}, nil
}

// UUID returns the characteristic UUID.
func (c *Characteristic) UUID() uuid.UUID {
	return c.uuid
}

// Path returns the BlueZ object path.
func (c *Characteristic) Path() dbus.ObjectPath {
	return c.path
}

// MTU returns the negotiated ATT MTU of the link.
func (c *Characteristic) MTU(ctx context.Context) (uint16, error) {
	return property[uint16](ctx, c.session, c.path, bus.GattCharacteristicIface, "MTU")
}

// Flags returns the characteristic properties.
func (c *Characteristic) Flags(ctx context.Context) (CharacteristicFlags, error) {
	flags, err := property[[]string](ctx, c.session, c.path, bus.GattCharacteristicIface, "Flags")
	if err != nil {
		return nil, err
	}
	return CharacteristicFlags(flags), nil
}

// Read reads the characteristic value.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	var value []byte
	call := c.session.bus.Call(ctx, c.path, bus.GattCharacteristicIface+".ReadValue", map[string]dbus.Variant{})
	if err := call.Store(&value); err != nil {
		return nil, fmt.Errorf("read %s: %w", c.uuid, NormalizeError(err))
	}
	return value, nil
}

// WriteType selects between a write request and a write command.
type WriteType string

const (
	WriteWithResponse    WriteType = "request"
	WriteWithoutResponse WriteType = "command"
)

// Write writes value with the given write type.
func (c *Characteristic) Write(ctx context.Context, value []byte, wt WriteType) error {
	opts := map[string]dbus.Variant{}
	if wt != "" {
		opts["type"] = dbus.MakeVariant(string(wt))
	}
	if err := c.session.bus.Call(ctx, c.path, bus.GattCharacteristicIface+".WriteValue", value, opts).Err; err != nil {
		return fmt.Errorf("write %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications and returns the stream of values.
func (c *Characteristic) Subscribe(ctx context.Context) (*ValueStream, error) {
	// Watch before StartNotify so the first notification is not lost.
	sub, err := c.session.bus.WatchProperties(ctx, c.path, bus.GattCharacteristicIface)
	if err != nil {
		return nil, err
	}
	if err := c.session.bus.Call(ctx, c.path, bus.GattCharacteristicIface+".StartNotify").Err; err != nil {
		sub.Close()
		return nil, fmt.Errorf("start notify %s: %w", c.uuid, NormalizeError(err))
	}

	c.session.logger.WithFields(logrus.Fields{
		"characteristic": c.uuid,
		"path":           c.path,
	}).Debug("Notifications enabled")

	return &ValueStream{char: c, sub: sub}, nil
}

// ValueStream delivers characteristic notifications.
type ValueStream struct {
	char *Characteristic
	sub  bus.PropertySubscription
	err  error
}

// Next blocks until the next notified value. Once the stream ends it returns
// ErrNotificationStreamEnded on every call.
func (vs *ValueStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if vs.err != nil {
			return nil, vs.err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case batch, ok := <-vs.sub.C():
			if !ok {
				vs.err = ErrNotificationStreamEnded
				continue
			}
			if v, ok := batch.Changed["Value"]; ok {
				if b, ok := v.Value().([]byte); ok {
					return b, nil
				}
			}
		}
	}
}

// Close disables notifications and ends the stream.
func (vs *ValueStream) Close(ctx context.Context) error {
	vs.sub.Close()
	if vs.err == nil {
		vs.err = ErrNotificationStreamEnded
	}
	if err := vs.char.session.bus.Call(ctx, vs.char.path, bus.GattCharacteristicIface+".StopNotify").Err; err != nil {
		return fmt.Errorf("stop notify %s: %w", vs.char.uuid, NormalizeError(err))
	}
	return nil
}
