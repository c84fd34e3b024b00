//go:build test

package main

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/bus"
	"github.com/srg/blues/internal/testutils"
)

type InspectTestSuite struct {
	CommandTestSuite
}

// shortDeviceTimeout writes a config file that gives up on unknown devices quickly.
func (suite *InspectTestSuite) shortDeviceTimeout() string {
	return suite.Helper.WriteTempFile("blues.yaml", "device_timeout: 200ms\nlog_level: error\n")
}

func (suite *InspectTestSuite) TestInspectTextOutput() {
	// GOAL: Verify inspect connects, walks the GATT tree and disconnects again
	//
	// TEST SCENARIO: Heart rate sensor → inspect → services and characteristics printed with flags, readable value shown → device disconnected

	stdout, _, err := suite.ExecuteCommand(suite.Context(), "inspect", TestDeviceAddress1)
	suite.Require().NoError(err)

	testutils.NewTextAsserter(suite.T()).Assert(stdout, `
Device AA:BB:CC:DD:EE:01 (Pulse)
  Address type: public
  RSSI: -55 dBm
  Services: 2

Service 180d (primary)
  Characteristic 2a37 [notify]
  Characteristic 2a39 [write]

Service 180f (primary)
  Characteristic 2a19 [read, notify] value: 32
`)

	suite.Len(suite.Bus.Calls(".Connect"), 1)
	suite.Len(suite.Bus.Calls(".Disconnect"), 1, "inspect MUST disconnect when done")
	suite.Equal(false, suite.Bus.Value(suite.DevicePath(TestDeviceAddress1), bus.DeviceIface, "Connected"))
}

func (suite *InspectTestSuite) TestInspectJSONOutput() {
	stdout, _, err := suite.ExecuteCommand(suite.Context(), "inspect", TestDeviceAddress1, "--json")
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).Assert(stdout, `{
		"device": {
			"address": "AA:BB:CC:DD:EE:01",
			"alias": "Pulse",
			"connected": true,
			"services_resolved": true
		},
		"services": [
			{
				"uuid": "180d",
				"primary": true,
				"characteristics": [
					{"uuid": "2a37", "flags": ["notify"], "mtu": 23},
					{"uuid": "2a39", "flags": ["write"], "mtu": 23}
				]
			},
			{
				"uuid": "180f",
				"primary": true,
				"characteristics": [
					{"uuid": "2a19", "flags": ["read", "notify"], "mtu": 23, "value": "32"}
				]
			}
		]
	}`)
}

func (suite *InspectTestSuite) TestInspectReadLimit() {
	stdout, _, err := suite.ExecuteCommand(suite.Context(), "inspect", TestDeviceAddress1, "--read-limit", "0")
	suite.Require().NoError(err)
	suite.NotContains(stdout, "value:", "reads MUST be skipped with --read-limit 0")
	suite.Empty(suite.Bus.Calls(".ReadValue"))
}

func (suite *InspectTestSuite) TestInspectReportsReadFailure() {
	suite.Bus.Handle(bus.GattCharacteristicIface+".ReadValue", func(*testutils.FakeBus, dbus.ObjectPath, []any) ([]any, error) {
		return nil, dbus.Error{Name: "org.bluez.Error.NotPermitted", Body: []any{"Read not permitted"}}
	})

	stdout, _, err := suite.ExecuteCommand(suite.Context(), "inspect", TestDeviceAddress1)
	suite.Require().NoError(err, "a failed read MUST NOT fail the inspection")
	suite.Contains(stdout, "Characteristic 2a19 [read, notify] read failed:")
}

func (suite *InspectTestSuite) TestInspectDiscoversUnknownDevice() {
	// GOAL: Verify a device BlueZ does not know yet is found by discovery
	//
	// TEST SCENARIO: Address unknown → inspect starts discovery → device appears → inspection succeeds and discovery stops

	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	ctx := suite.Context()
	go func() {
		stdout, _, err := suite.ExecuteCommand(ctx, "inspect", TestDeviceAddress2)
		done <- result{stdout, err}
	}()

	suite.WaitForCall(".StartDiscovery", 1)
	testutils.HeartRateDevice(TestDeviceAddress2, "Second").Install(suite.Bus, suite.Adapter("hci0"))

	res := <-done
	suite.Require().NoError(res.err)
	suite.Contains(res.stdout, "Device AA:BB:CC:DD:EE:02 (Second)")
	suite.Len(suite.Bus.Calls(".StopDiscovery"), 1, "discovery MUST stop once the device is found")
}

func (suite *InspectTestSuite) TestInspectUnknownDevice() {
	_, _, err := suite.ExecuteCommand(suite.Context(), "--config", suite.shortDeviceTimeout(), "inspect", UnknownAddress)
	suite.Require().Error(err)

	var notFound *bluez.NotFoundError
	suite.Require().ErrorAs(err, &notFound)
	suite.Equal("device", notFound.Resource)
	suite.Contains(FormatUserError(err), "run 'blues scan'")
}

func (suite *InspectTestSuite) TestInspectArgumentErrors() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing address", args: []string{"inspect"}, wantErr: "accepts 1 arg(s)"},
		{name: "invalid address", args: []string{"inspect", "not-an-address"}, wantErr: "invalid"},
		{name: "negative read limit", args: []string{"inspect", TestDeviceAddress1, "--read-limit", "-1"}, wantErr: "invalid read limit"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			resetFlags(rootCmd)
			_, _, err := suite.ExecuteCommand(suite.Context(), tt.args...)
			suite.Require().Error(err)
			suite.Contains(err.Error(), tt.wantErr)
		})
	}
}

func TestInspectTestSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
