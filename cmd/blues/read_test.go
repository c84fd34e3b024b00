//go:build test

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blues/internal/bus"
	"github.com/srg/blues/internal/testutils"
)

type ReadTestSuite struct {
	CommandTestSuite
}

func (suite *ReadTestSuite) TestReadSingle() {
	// GOAL: Verify a single characteristic is read and printed in the requested encoding
	//
	// TEST SCENARIO: read 180f/2a19 → raw and hex output match the stored value → device disconnected after each run

	stdout, _, err := suite.ExecuteCommand(suite.Context(), "read", TestDeviceAddress1, "180f", "2a19", "--hex")
	suite.Require().NoError(err)
	suite.Equal("32\n", stdout)

	resetFlags(rootCmd)
	stdout, _, err = suite.ExecuteCommand(suite.Context(), "read", TestDeviceAddress1, "180f", "2a19")
	suite.Require().NoError(err)
	suite.Equal("2\n", stdout)

	suite.Len(suite.Bus.Calls(".ReadValue"), 2)
	suite.Len(suite.Bus.Calls(".Disconnect"), 2)
}

func (suite *ReadTestSuite) TestReadMultiple() {
	testutils.NewDeviceBuilder().
		WithAddress(TestDeviceAddress2).
		WithAlias("Thermo").
		WithService("180a").
		WithCharacteristic("2a29", "read", []byte("ACME")).
		WithCharacteristic("2a24", "read", []byte("T-1000")).
		Install(suite.Bus, suite.Adapter("hci0"))

	stdout, _, err := suite.ExecuteCommand(suite.Context(), "read", TestDeviceAddress2, "180a", "2a29, 2a24")
	suite.Require().NoError(err)
	suite.Equal("2a29: ACME\n2a24: T-1000\n", stdout)
}

func (suite *ReadTestSuite) TestReadWatch() {
	// GOAL: Verify watch mode keeps polling until the command is cancelled
	//
	// TEST SCENARIO: read --watch 20ms → value changes between polls → both values printed → cancel ends the command cleanly

	ctx, cancel := context.WithCancel(suite.Context())
	defer cancel()

	done := suite.RunAsync(ctx, "read", TestDeviceAddress1, "180f", "2a19", "--hex", "--watch=20ms")

	read := suite.WaitForCall(".ReadValue", 1)
	suite.Bus.SetProperties(read.Path, bus.GattCharacteristicIface, map[string]any{"Value": []byte{0x33}})
	suite.WaitForCall(".ReadValue", len(suite.Bus.Calls(".ReadValue"))+1)
	cancel()

	select {
	case res := <-done:
		suite.Require().NoError(res.Err)
		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		suite.Equal("32", lines[0])
		suite.Equal("33", lines[len(lines)-1])
	case <-time.After(suite.TestTimeout):
		suite.Fail("read --watch MUST stop when cancelled")
	}
}

func (suite *ReadTestSuite) TestReadErrors() {
	tests := []struct {
		name    string
		args    []string
		errText string
	}{
		{name: "not readable", args: []string{"180d", "2a39"}, errText: "does not support read operations"},
		{name: "unknown characteristic", args: []string{"180f", "2a00"}, errText: `characteristic "00002a00-0000-1000-8000-00805f9b34fb" not found`},
		{name: "watch with several characteristics", args: []string{"180f", "2a19,2a37", "--watch"}, errText: "watch mode requires a single characteristic, got 2"},
		{name: "bad watch interval", args: []string{"180f", "2a19", "--watch=soon"}, errText: "invalid watch interval"},
		{name: "empty characteristic list", args: []string{"180f", " , "}, errText: "no characteristic UUIDs provided"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			resetFlags(rootCmd)
			args := append([]string{"read", TestDeviceAddress1}, tt.args...)
			_, _, err := suite.ExecuteCommand(suite.Context(), args...)
			suite.Require().Error(err)
			suite.Contains(FormatUserError(err), tt.errText)
		})
	}
}

func (suite *ReadTestSuite) TestReadRejected() {
	suite.Bus.Handle(bus.GattCharacteristicIface+".ReadValue", func(*testutils.FakeBus, dbus.ObjectPath, []any) ([]any, error) {
		return nil, dbus.Error{Name: "org.bluez.Error.NotConnected"}
	})

	_, _, err := suite.ExecuteCommand(suite.Context(), "read", TestDeviceAddress1, "180f", "2a19")
	suite.Require().Error(err)
	suite.Equal("device is not connected", FormatUserError(err))
}

func TestReadTestSuite(t *testing.T) {
	suite.Run(t, new(ReadTestSuite))
}
