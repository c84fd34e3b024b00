package bluez

import (
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Address is a 48-bit Bluetooth device address, most significant byte first.
type Address [6]byte

// ParseAddress parses the colon separated form BlueZ uses ("AA:BB:CC:DD:EE:FF").
// Dashes are accepted as separators too.
func ParseAddress(s string) (Address, error) {
	var a Address
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
	}
	if len(hw) != len(a) {
		return a, fmt.Errorf("invalid bluetooth address %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

func (a Address) String() string {
	return strings.ToUpper(net.HardwareAddr(a[:]).String())
}

// pathSegment returns the "dev_AA_BB_CC_DD_EE_FF" element BlueZ uses for the
// device object under an adapter.
func (a Address) pathSegment() string {
	return "dev_" + strings.ReplaceAll(a.String(), ":", "_")
}

func (a Address) devicePath(adapter dbus.ObjectPath) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/" + a.pathSegment())
}

// AddressType tells public and random addresses apart.
type AddressType int

const (
	AddressPublic AddressType = iota
	AddressRandom
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	default:
		return fmt.Sprintf("AddressType(%d)", int(t))
	}
}

func parseAddressType(s string) (AddressType, error) {
	switch s {
	case "public":
		return AddressPublic, nil
	case "random":
		return AddressRandom, nil
	default:
		return 0, fmt.Errorf("invalid address type %q", s)
	}
}
