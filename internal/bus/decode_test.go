package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObjectSignal(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	t.Run("interfaces added", func(t *testing.T) {
		sig := &dbus.Signal{
			Name: InterfacesAddedIface,
			Body: []interface{}{
				path,
				map[string]map[string]dbus.Variant{
					DeviceIface:                  {"Alias": dbus.MakeVariant("sensor")},
					"org.bluez.MediaControl1":    {},
					"org.freedesktop.DBus.Intro": {},
				},
			},
		}

		ev, ok := decodeObjectSignal(sig)
		require.True(t, ok)
		assert.Equal(t, InterfacesAdded, ev.Kind)
		assert.Equal(t, path, ev.Path)
		assert.Equal(t, []string{DeviceIface, "org.bluez.MediaControl1", "org.freedesktop.DBus.Intro"}, ev.Interfaces,
			"interface names MUST be sorted")
		assert.True(t, ev.HasInterface(DeviceIface))
		assert.Equal(t, "sensor", ev.Properties[DeviceIface]["Alias"].Value())
	})

	t.Run("interfaces removed", func(t *testing.T) {
		sig := &dbus.Signal{
			Name: InterfacesRemovedIface,
			Body: []interface{}{path, []string{DeviceIface}},
		}

		ev, ok := decodeObjectSignal(sig)
		require.True(t, ok)
		assert.Equal(t, InterfacesRemoved, ev.Kind)
		assert.True(t, ev.HasInterface(DeviceIface))
		assert.False(t, ev.HasInterface(AdapterIface))
		assert.Nil(t, ev.Properties)
	})

	t.Run("rejects malformed signals", func(t *testing.T) {
		cases := map[string]*dbus.Signal{
			"nil":            nil,
			"short body":     {Name: InterfacesAddedIface, Body: []interface{}{path}},
			"wrong path":     {Name: InterfacesAddedIface, Body: []interface{}{"not-a-path", map[string]map[string]dbus.Variant{}}},
			"wrong payload":  {Name: InterfacesRemovedIface, Body: []interface{}{path, 42}},
			"unknown member": {Name: PropertiesChangedIface, Body: []interface{}{path, []string{}}},
		}
		for name, sig := range cases {
			t.Run(name, func(t *testing.T) {
				_, ok := decodeObjectSignal(sig)
				assert.False(t, ok, "malformed signal MUST be rejected")
			})
		}
	})
}

func TestDecodePropertiesSignal(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	valid := func() *dbus.Signal {
		return &dbus.Signal{
			Name: PropertiesChangedIface,
			Path: path,
			Body: []interface{}{
				DeviceIface,
				map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))},
				[]string{"Alias"},
			},
		}
	}

	t.Run("decodes changed and invalidated", func(t *testing.T) {
		pc, ok := decodePropertiesSignal(valid(), path, DeviceIface)
		require.True(t, ok)
		assert.Equal(t, DeviceIface, pc.Interface)
		assert.Equal(t, int16(-60), pc.Changed["RSSI"].Value())
		assert.Equal(t, []string{"Alias"}, pc.Invalidated)
	})

	t.Run("invalidated is optional", func(t *testing.T) {
		sig := valid()
		sig.Body = sig.Body[:2]
		pc, ok := decodePropertiesSignal(sig, path, DeviceIface)
		require.True(t, ok)
		assert.Empty(t, pc.Invalidated)
	})

	t.Run("filters other objects", func(t *testing.T) {
		_, ok := decodePropertiesSignal(valid(), "/org/bluez/hci0/dev_11_22_33_44_55_66", DeviceIface)
		assert.False(t, ok, "signals for another path MUST be rejected")
	})

	t.Run("filters other interfaces", func(t *testing.T) {
		_, ok := decodePropertiesSignal(valid(), path, AdapterIface)
		assert.False(t, ok, "signals for another interface MUST be rejected")
	})

	t.Run("filters other members", func(t *testing.T) {
		sig := valid()
		sig.Name = InterfacesAddedIface
		_, ok := decodePropertiesSignal(sig, path, DeviceIface)
		assert.False(t, ok)
	})
}

func TestMergeProperties(t *testing.T) {
	older := PropertiesChanged{
		Interface: DeviceIface,
		Changed: map[string]dbus.Variant{
			"Alias": dbus.MakeVariant("sensor"),
			"RSSI":  dbus.MakeVariant(int16(-70)),
		},
		Invalidated: []string{"TxPower", "ManufacturerData"},
	}
	newer := PropertiesChanged{
		Interface: DeviceIface,
		Changed: map[string]dbus.Variant{
			"RSSI":    dbus.MakeVariant(int16(-60)),
			"TxPower": dbus.MakeVariant(int16(4)),
		},
		Invalidated: []string{"Alias", "ServiceData"},
	}

	merged := mergeProperties(older, newer)

	assert.Equal(t, DeviceIface, merged.Interface)
	assert.Equal(t, map[string]dbus.Variant{
		"RSSI":    dbus.MakeVariant(int16(-60)),
		"TxPower": dbus.MakeVariant(int16(4)),
	}, merged.Changed, "newer values MUST win and invalidated keys MUST leave Changed")
	assert.ElementsMatch(t, []string{"ManufacturerData", "Alias", "ServiceData"}, merged.Invalidated,
		"a key changed after invalidation MUST NOT stay invalidated")
	assert.Equal(t, int16(-70), older.Changed["RSSI"].Value(), "merge MUST NOT mutate the older batch")
}
