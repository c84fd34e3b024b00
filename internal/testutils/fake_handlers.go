//go:build test

package testutils

import (
	"github.com/godbus/dbus/v5"

	"github.com/srg/blues/internal/bus"
)

func (b *FakeBus) installDefaultHandlers() {
	b.handlers[bus.AdapterIface+".StartDiscovery"] = setFlag(bus.AdapterIface, "Discovering", true)
	b.handlers[bus.AdapterIface+".StopDiscovery"] = setFlag(bus.AdapterIface, "Discovering", false)
	b.handlers[bus.AdapterIface+".SetDiscoveryFilter"] = func(*FakeBus, dbus.ObjectPath, []any) ([]any, error) {
		return nil, nil
	}

	b.handlers[bus.DeviceIface+".Connect"] = func(b *FakeBus, path dbus.ObjectPath, _ []any) ([]any, error) {
		if !b.has(path, bus.DeviceIface) {
			return nil, ErrUnknownObject
		}
		b.SetProperties(path, bus.DeviceIface, map[string]any{"Connected": true})
		b.SetProperties(path, bus.DeviceIface, map[string]any{"ServicesResolved": true})
		return nil, nil
	}
	b.handlers[bus.DeviceIface+".Disconnect"] = func(b *FakeBus, path dbus.ObjectPath, _ []any) ([]any, error) {
		if !b.has(path, bus.DeviceIface) {
			return nil, ErrUnknownObject
		}
		b.SetProperties(path, bus.DeviceIface, map[string]any{"Connected": false, "ServicesResolved": false})
		return nil, nil
	}

	b.handlers[bus.GattCharacteristicIface+".ReadValue"] = func(b *FakeBus, path dbus.ObjectPath, _ []any) ([]any, error) {
		v, ok := b.Value(path, bus.GattCharacteristicIface, "Value").([]byte)
		if !ok {
			return []any{[]byte{}}, nil
		}
		return []any{v}, nil
	}
	b.handlers[bus.GattCharacteristicIface+".WriteValue"] = func(b *FakeBus, path dbus.ObjectPath, args []any) ([]any, error) {
		if len(args) == 0 {
			return nil, dbus.Error{Name: "org.bluez.Error.InvalidArguments"}
		}
		value, _ := args[0].([]byte)
		b.store(path, bus.GattCharacteristicIface, "Value", value)
		return nil, nil
	}
	b.handlers[bus.GattCharacteristicIface+".StartNotify"] = setFlag(bus.GattCharacteristicIface, "Notifying", true)
	b.handlers[bus.GattCharacteristicIface+".StopNotify"] = setFlag(bus.GattCharacteristicIface, "Notifying", false)
}

func setFlag(iface, name string, value bool) CallHandler {
	return func(b *FakeBus, path dbus.ObjectPath, _ []any) ([]any, error) {
		if !b.has(path, iface) {
			return nil, ErrUnknownObject
		}
		b.SetProperties(path, iface, map[string]any{name: value})
		return nil, nil
	}
}

func (b *FakeBus) has(path dbus.ObjectPath, iface string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path][iface]
	return ok
}

// store updates a value without emitting a signal.
func (b *FakeBus) store(path dbus.ObjectPath, iface, name string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if props, ok := b.objects[path][iface]; ok {
		props[name] = toVariant(v)
	}
}
