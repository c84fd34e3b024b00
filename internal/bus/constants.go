package bus

import "github.com/godbus/dbus/v5"

// D-Bus interface, member and method names.
const (
	PropertiesIface        = "org.freedesktop.DBus.Properties"
	PropertiesGet          = PropertiesIface + ".Get"
	PropertiesGetAll       = PropertiesIface + ".GetAll"
	PropertiesSet          = PropertiesIface + ".Set"
	PropertiesChangedName  = "PropertiesChanged"
	PropertiesChangedIface = PropertiesIface + "." + PropertiesChangedName

	ObjectManagerIface             = "org.freedesktop.DBus.ObjectManager"
	ObjectManagerGetManagedObjects = ObjectManagerIface + ".GetManagedObjects"
	InterfacesAddedName            = "InterfacesAdded"
	InterfacesRemovedName          = "InterfacesRemoved"
	InterfacesAddedIface           = ObjectManagerIface + "." + InterfacesAddedName
	InterfacesRemovedIface         = ObjectManagerIface + "." + InterfacesRemovedName
)

// BlueZ names.
const (
	BluezBusName = "org.bluez"
	BluezRoot    = dbus.ObjectPath("/")
	BluezPrefix  = "/org/bluez/"

	AdapterIface            = "org.bluez.Adapter1"
	DeviceIface             = "org.bluez.Device1"
	GattServiceIface        = "org.bluez.GattService1"
	GattCharacteristicIface = "org.bluez.GattCharacteristic1"
)

// Subscription buffer sizes.
const (
	objectQueueSize   = 64
	propertyQueueSize = 32
	rawSignalQueue    = 16

	// backlogWarn is the backlog length at which a lagging consumer is logged.
	backlogWarn = 1024
)
