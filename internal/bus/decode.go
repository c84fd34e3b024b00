package bus

import (
	"sort"

	"github.com/godbus/dbus/v5"
)

// decodeObjectSignal converts an ObjectManager signal into an ObjectEvent.
// Signals with an unexpected name or body shape are rejected.
func decodeObjectSignal(sig *dbus.Signal) (ObjectEvent, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return ObjectEvent{}, false
	}

	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return ObjectEvent{}, false
	}

	switch sig.Name {
	case InterfacesAddedIface:
		props, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return ObjectEvent{}, false
		}
		ifaces := make([]string, 0, len(props))
		for name := range props {
			ifaces = append(ifaces, name)
		}
		sort.Strings(ifaces)
		return ObjectEvent{Kind: InterfacesAdded, Path: path, Interfaces: ifaces, Properties: props}, true

	case InterfacesRemovedIface:
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return ObjectEvent{}, false
		}
		return ObjectEvent{Kind: InterfacesRemoved, Path: path, Interfaces: ifaces}, true
	}

	return ObjectEvent{}, false
}

// decodePropertiesSignal converts a PropertiesChanged signal emitted by path
// for iface. Everything else is rejected.
func decodePropertiesSignal(sig *dbus.Signal, path dbus.ObjectPath, iface string) (PropertiesChanged, bool) {
	if sig == nil || sig.Name != PropertiesChangedIface || sig.Path != path {
		return PropertiesChanged{}, false
	}
	if len(sig.Body) < 2 {
		return PropertiesChanged{}, false
	}

	name, ok := sig.Body[0].(string)
	if !ok || name != iface {
		return PropertiesChanged{}, false
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, false
	}

	var invalidated []string
	if len(sig.Body) > 2 {
		invalidated, _ = sig.Body[2].([]string)
	}

	return PropertiesChanged{Interface: name, Changed: changed, Invalidated: invalidated}, true
}

// mergeProperties folds newer into older as if both batches were one signal.
// A key changed after being invalidated counts as changed, and the reverse.
func mergeProperties(older, newer PropertiesChanged) PropertiesChanged {
	changed := make(map[string]dbus.Variant, len(older.Changed)+len(newer.Changed))
	for k, v := range older.Changed {
		changed[k] = v
	}
	for _, k := range newer.Invalidated {
		delete(changed, k)
	}
	for k, v := range newer.Changed {
		changed[k] = v
	}

	var invalidated []string
	seen := make(map[string]bool, len(older.Invalidated)+len(newer.Invalidated))
	for _, k := range append(append([]string(nil), older.Invalidated...), newer.Invalidated...) {
		if _, ok := changed[k]; ok || seen[k] {
			continue
		}
		seen[k] = true
		invalidated = append(invalidated, k)
	}

	return PropertiesChanged{Interface: newer.Interface, Changed: changed, Invalidated: invalidated}
}
