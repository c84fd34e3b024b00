//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/srg/blues/internal/bus"
)

// CharacteristicConfig describes a GATT characteristic of a fake device.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig describes a GATT service of a fake device.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceConfig describes a fake BlueZ device object and its GATT tree.
type DeviceConfig struct {
	Address     string          `json:"address"`
	AddressType string          `json:"address_type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Alias       string          `json:"alias,omitempty"`
	RSSI        *int16          `json:"rssi,omitempty"`
	UUIDs       []string        `json:"uuids,omitempty"`
	Connected   bool            `json:"connected,omitempty"`
	Services    []ServiceConfig `json:"services,omitempty"`
}

// DeviceBuilder builds a fake device for a FakeBus.
type DeviceBuilder struct {
	config DeviceConfig
}

// NewDeviceBuilder creates a new builder
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{config: DeviceConfig{AddressType: "public"}}
}

func (b *DeviceBuilder) WithAddress(addr string) *DeviceBuilder {
	b.config.Address = addr
	return b
}

func (b *DeviceBuilder) WithAddressType(t string) *DeviceBuilder {
	b.config.AddressType = t
	return b
}

func (b *DeviceBuilder) WithName(name string) *DeviceBuilder {
	b.config.Name = name
	return b
}

func (b *DeviceBuilder) WithAlias(alias string) *DeviceBuilder {
	b.config.Alias = alias
	return b
}

func (b *DeviceBuilder) WithRSSI(rssi int16) *DeviceBuilder {
	b.config.RSSI = &rssi
	return b
}

// WithServiceUUIDs sets the advertised service UUIDs.
func (b *DeviceBuilder) WithServiceUUIDs(uuids ...string) *DeviceBuilder {
	b.config.UUIDs = append(b.config.UUIDs, uuids...)
	return b
}

func (b *DeviceBuilder) WithConnected(connected bool) *DeviceBuilder {
	b.config.Connected = connected
	return b
}

// WithService adds a GATT service.
func (b *DeviceBuilder) WithService(uuid string) *DeviceBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *DeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *DeviceBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.config.Services) - 1
	b.config.Services[last].Characteristics = append(b.config.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON fills the device config from JSON
func (b *DeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *DeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := DeviceConfig{AddressType: "public"}
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("DeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = config
	return b
}

// Install adds the device and its GATT tree under adapter and returns the
// device path. Every added object is announced with InterfacesAdded.
func (b *DeviceBuilder) Install(fb *FakeBus, adapter dbus.ObjectPath) dbus.ObjectPath {
	cfg := b.config
	path := DevicePath(adapter, cfg.Address)

	alias := cfg.Alias
	if alias == "" {
		alias = cfg.Name
	}
	if alias == "" {
		alias = strings.ReplaceAll(strings.ToUpper(cfg.Address), ":", "-")
	}

	uuids := make([]string, 0, len(cfg.UUIDs)+len(cfg.Services))
	for _, u := range cfg.UUIDs {
		uuids = append(uuids, ExpandUUID(u))
	}
	for _, svc := range cfg.Services {
		uuids = append(uuids, ExpandUUID(svc.UUID))
	}

	props := map[string]any{
		"Address":          strings.ToUpper(cfg.Address),
		"AddressType":      cfg.AddressType,
		"Alias":            alias,
		"Adapter":          adapter,
		"UUIDs":            uuids,
		"Connected":        cfg.Connected,
		"ServicesResolved": cfg.Connected,
		"Paired":           false,
		"Trusted":          false,
	}
	if cfg.Name != "" {
		props["Name"] = cfg.Name
	}
	if cfg.RSSI != nil {
		props["RSSI"] = *cfg.RSSI
	}
	fb.AddObject(path, map[string]map[string]dbus.Variant{
		bus.DeviceIface:     Props(props),
		bus.PropertiesIface: {},
	})

	handle := 1
	for _, svc := range cfg.Services {
		svcPath := dbus.ObjectPath(fmt.Sprintf("%s/service%04x", path, handle))
		handle++
		fb.AddObject(svcPath, map[string]map[string]dbus.Variant{
			bus.GattServiceIface: Props(map[string]any{
				"UUID":    ExpandUUID(svc.UUID),
				"Primary": true,
				"Device":  path,
			}),
		})

		for _, ch := range svc.Characteristics {
			charPath := dbus.ObjectPath(fmt.Sprintf("%s/char%04x", svcPath, handle))
			handle += 2
			value := ch.Value
			if value == nil {
				value = []byte{}
			}
			fb.AddObject(charPath, map[string]map[string]dbus.Variant{
				bus.GattCharacteristicIface: Props(map[string]any{
					"UUID":      ExpandUUID(ch.UUID),
					"Service":   svcPath,
					"Flags":     parseFlags(ch.Properties),
					"Value":     value,
					"Notifying": false,
					"MTU":       uint16(23),
				}),
			})
		}
	}
	return path
}

// DevicePath returns the BlueZ path of addr under adapter.
func DevicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// ExpandUUID turns a 16-bit alias such as "180D" into the full lowercase UUID.
// Full UUIDs are normalised.
func ExpandUUID(s string) string {
	if len(s) == 4 {
		return "0000" + strings.ToLower(s) + "-0000-1000-8000-00805f9b34fb"
	}
	return uuid.MustParse(s).String()
}

func parseFlags(props string) []string {
	if props == "" {
		return []string{"read", "write", "notify"}
	}
	var flags []string
	for _, f := range strings.Split(props, ",") {
		if f = strings.TrimSpace(f); f != "" {
			flags = append(flags, f)
		}
	}
	return flags
}

// BusBuilder assembles a FakeBus with adapters and devices.
type BusBuilder struct {
	adapters []adapterConfig
	devices  []pendingDevice
}

type adapterConfig struct {
	name    string
	address string
}

type pendingDevice struct {
	adapter string
	builder *DeviceBuilder
}

// NewBusBuilder creates a new builder
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{}
}

// WithAdapter adds an adapter object at /org/bluez/<name>.
func (b *BusBuilder) WithAdapter(name, address string) *BusBuilder {
	b.adapters = append(b.adapters, adapterConfig{name: name, address: address})
	return b
}

// WithDevice adds a device under the named adapter.
func (b *BusBuilder) WithDevice(adapter string, device *DeviceBuilder) *BusBuilder {
	b.devices = append(b.devices, pendingDevice{adapter: adapter, builder: device})
	return b
}

// Build returns the populated bus.
func (b *BusBuilder) Build() *FakeBus {
	fb := NewFakeBus()
	for _, a := range b.adapters {
		AddAdapter(fb, a.name, a.address)
	}
	for _, d := range b.devices {
		d.builder.Install(fb, AdapterPath(d.adapter))
	}
	return fb
}

// AdapterPath returns the BlueZ path of the named adapter.
func AdapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath(bus.BluezPrefix + name)
}

// AddAdapter adds an adapter object.
func AddAdapter(fb *FakeBus, name, address string) dbus.ObjectPath {
	path := AdapterPath(name)
	fb.AddObject(path, map[string]map[string]dbus.Variant{
		bus.AdapterIface: Props(map[string]any{
			"Address":     address,
			"AddressType": "public",
			"Name":        name,
			"Alias":       name,
			"Powered":     true,
			"Discovering": false,
		}),
	})
	return path
}

// HeartRateDevice returns a connected-capable device exposing Heart Rate
// (180D) and Battery (180F) services.
func HeartRateDevice(addr, alias string) *DeviceBuilder {
	return NewDeviceBuilder().FromJSON(`{
		"address": %q,
		"alias": %q,
		"rssi": -55,
		"services": [
			{
				"uuid": "180D",
				"characteristics": [
					{ "uuid": "2A37", "properties": "notify", "value": [0, 72] },
					{ "uuid": "2A39", "properties": "write", "value": [0] }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
				]
			}
		]
	}`, addr, alias)
}
