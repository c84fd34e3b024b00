package bluez

import "fmt"

// PropertyName is one of the device attributes the tracking engine reacts to.
// Changes to any other Device1 property are ignored.
type PropertyName int

const (
	PropertyAlias PropertyName = iota
	PropertyRSSI
	PropertyServiceUUIDs
	PropertyConnected
)

var propertyKeys = [...]string{
	PropertyAlias:        "Alias",
	PropertyRSSI:         "RSSI",
	PropertyServiceUUIDs: "UUIDs",
	PropertyConnected:    "Connected",
}

// Key returns the Device1 property key.
func (p PropertyName) Key() string {
	if p < 0 || int(p) >= len(propertyKeys) {
		return fmt.Sprintf("PropertyName(%d)", int(p))
	}
	return propertyKeys[p]
}

func (p PropertyName) String() string {
	return p.Key()
}

func parsePropertyName(key string) (PropertyName, bool) {
	for i, k := range propertyKeys {
		if k == key {
			return PropertyName(i), true
		}
	}
	return 0, false
}

// DiscoveryInterest is the property set a DeviceSet watches on every device.
var DiscoveryInterest = []PropertyName{PropertyAlias, PropertyServiceUUIDs}
