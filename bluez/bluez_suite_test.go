//go:build test

package bluez_test

import (
	"github.com/godbus/dbus/v5"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/testutils"
)

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"
	addrC = "AA:BB:CC:DD:EE:03"
)

// BluezTestSuite opens a session and the hci0 adapter over the fake bus.
type BluezTestSuite struct {
	testutils.FakeBusSuite

	session *bluez.Session
	adapter *bluez.Adapter
}

func (suite *BluezTestSuite) SetupTest() {
	suite.FakeBusSuite.SetupTest()

	suite.session = bluez.NewSessionFromBus(suite.Bus, suite.Logger)
	adapter, err := bluez.OpenAdapter(suite.Context(), suite.session)
	suite.Require().NoError(err, "MUST open hci0")
	suite.adapter = adapter
}

// install adds a device under hci0 and returns its path.
func (suite *BluezTestSuite) install(b *testutils.DeviceBuilder) dbus.ObjectPath {
	return b.Install(suite.Bus, suite.Adapter("hci0"))
}

func (suite *BluezTestSuite) devicePath(addr string) dbus.ObjectPath {
	return testutils.DevicePath(suite.Adapter("hci0"), addr)
}

func (suite *BluezTestSuite) device(addr string) bluez.Device {
	a, err := bluez.ParseAddress(addr)
	suite.Require().NoError(err)
	d, err := suite.adapter.Device(suite.Context(), a)
	suite.Require().NoError(err, "MUST open device %s", addr)
	return d
}

func paths(devices []bluez.Device) []dbus.ObjectPath {
	out := make([]dbus.ObjectPath, len(devices))
	for i, d := range devices {
		out[i] = d.Path()
	}
	return out
}
