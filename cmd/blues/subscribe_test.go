//go:build test

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blues/internal/bus"
)

type SubscribeTestSuite struct {
	CommandTestSuite
}

func (suite *SubscribeTestSuite) TestSubscribePrintsNotifications() {
	// GOAL: Verify notified values are printed in order until --count is reached
	//
	// TEST SCENARIO: subscribe 180d/2a37 --hex -n 2 → two Value changes → two hex lines printed → notifications disabled

	done := suite.RunAsync(suite.Context(), "subscribe", TestDeviceAddress1, "180d", "2a37", "--hex", "-n", "2")

	start := suite.WaitForCall(".StartNotify", 1)
	suite.Bus.SetProperties(start.Path, bus.GattCharacteristicIface, map[string]any{"Value": []byte{0x00, 0x48}})
	suite.Bus.SetProperties(start.Path, bus.GattCharacteristicIface, map[string]any{"Value": []byte{0x00, 0x4a}})

	res := <-done
	suite.Require().NoError(res.Err)
	suite.Equal("0048\n004a\n", res.Stdout)
	suite.Contains(res.Stderr, "Subscribed to 2a37")
	suite.Len(suite.Bus.Calls(".StopNotify"), 1, "notifications MUST be disabled on exit")
	suite.Len(suite.Bus.Calls(".Disconnect"), 1)
}

func (suite *SubscribeTestSuite) TestSubscribeRawOutput() {
	done := suite.RunAsync(suite.Context(), "subscribe", TestDeviceAddress1, "180f", "2a19", "-n", "1")

	start := suite.WaitForCall(".StartNotify", 1)
	suite.Bus.SetProperties(start.Path, bus.GattCharacteristicIface, map[string]any{"Value": []byte("ok")})

	res := <-done
	suite.Require().NoError(res.Err)
	suite.Equal("ok\n", res.Stdout)
}

func (suite *SubscribeTestSuite) TestSubscribeStopsOnCancel() {
	ctx, cancel := context.WithCancel(suite.Context())
	done := suite.RunAsync(ctx, "subscribe", TestDeviceAddress1, "180d", "2a37", "--hex")

	suite.WaitForCall(".StartNotify", 1)
	cancel()

	res := <-done
	suite.NoError(res.Err, "Ctrl+C MUST end the subscription cleanly")
	suite.Empty(res.Stdout)
	suite.Len(suite.Bus.Calls(".StopNotify"), 1)
}

func (suite *SubscribeTestSuite) TestSubscribeConnectionLost() {
	// GOAL: Verify the command fails when the device drops the link
	//
	// TEST SCENARIO: Subscribed → Connected becomes false → ErrConnectionLost returned

	done := suite.RunAsync(suite.Context(), "subscribe", TestDeviceAddress1, "180d", "2a37")

	suite.WaitForCall(".StartNotify", 1)
	suite.Bus.SetProperties(suite.DevicePath(TestDeviceAddress1), bus.DeviceIface, map[string]any{"Connected": false})

	res := <-done
	suite.Require().Error(res.Err)
	suite.ErrorIs(res.Err, ErrConnectionLost)
	suite.Equal("device disconnected", FormatUserError(res.Err))
}

func (suite *SubscribeTestSuite) TestSubscribeErrors() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "characteristic cannot notify",
			args:    []string{"subscribe", TestDeviceAddress1, "180d", "2a39"},
			wantErr: "does not support notifications",
		},
		{
			name:    "negative count",
			args:    []string{"subscribe", TestDeviceAddress1, "180d", "2a37", "-n", "-1"},
			wantErr: "invalid count",
		},
		{
			name:    "missing characteristic",
			args:    []string{"subscribe", TestDeviceAddress1, "180d"},
			wantErr: "accepts 3 arg(s)",
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			resetFlags(rootCmd)
			_, _, err := suite.ExecuteCommand(suite.Context(), tt.args...)
			suite.Require().Error(err)
			suite.Contains(err.Error(), tt.wantErr)
		})
	}
	suite.Empty(suite.Bus.Calls(".StartNotify"))
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}
