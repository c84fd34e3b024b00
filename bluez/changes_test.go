//go:build test

package bluez_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/bus"
	"github.com/srg/blues/internal/testutils"
)

type ChangesTestSuite struct {
	BluezTestSuite
}

func (suite *ChangesTestSuite) SetupTest() {
	suite.WithBus().
		WithAdapter("hci0", "00:11:22:33:44:55").
		WithDevice("hci0", testutils.NewDeviceBuilder().WithAddress(addrA).WithAlias("sensor"))

	suite.BluezTestSuite.SetupTest()
}

func (suite *ChangesTestSuite) changes(names ...bluez.PropertyName) *bluez.Changes {
	changes, err := suite.device(addrA).PropertyChanges(suite.Context(), names...)
	suite.Require().NoError(err)
	suite.T().Cleanup(changes.Close)
	return changes
}

func (suite *ChangesTestSuite) TestDrainsBatchOneNamePerWait() {
	// GOAL: Verify one notification naming three interesting properties yields exactly three waits
	//
	// TEST SCENARIO: Single PropertiesChanged with Alias, RSSI, UUIDs and Paired → three Wait calls succeed → fourth blocks

	changes := suite.changes(bluez.PropertyAlias, bluez.PropertyRSSI, bluez.PropertyServiceUUIDs)

	suite.Bus.SetProperties(suite.devicePath(addrA), bus.DeviceIface, map[string]any{
		"Alias":  "renamed",
		"RSSI":   int16(-40),
		"UUIDs":  []string{testutils.ExpandUUID("180D")},
		"Paired": true,
	})

	var got []bluez.PropertyName
	for i := 0; i < 3; i++ {
		name, err := changes.Wait(suite.Context())
		suite.Require().NoError(err, "wait %d MUST succeed", i+1)
		got = append(got, name)
	}
	suite.Assert().ElementsMatch(
		[]bluez.PropertyName{bluez.PropertyAlias, bluez.PropertyRSSI, bluez.PropertyServiceUUIDs}, got,
		"MUST report every interesting property once")

	_, err := changes.Wait(suite.ShortContext())
	suite.Assert().ErrorIs(err, context.DeadlineExceeded, "fourth wait MUST block until a new notification")
}

func (suite *ChangesTestSuite) TestFiltersToInterest() {
	suite.Run("uninteresting batch yields nothing", func() {
		changes := suite.changes(bluez.PropertyAlias)

		suite.Bus.SetProperties(suite.devicePath(addrA), bus.DeviceIface, map[string]any{"RSSI": int16(-70)})
		_, err := changes.Wait(suite.ShortContext())
		suite.Assert().ErrorIs(err, context.DeadlineExceeded, "RSSI MUST be ignored when not in the interest set")
	})

	suite.Run("invalidated names count as changes", func() {
		changes := suite.changes(bluez.PropertyRSSI)

		suite.Bus.SetProperties(suite.devicePath(addrA), bus.DeviceIface, nil, "RSSI")
		name, err := changes.Wait(suite.Context())
		suite.Require().NoError(err)
		suite.Assert().Equal(bluez.PropertyRSSI, name)
	})

	suite.Run("changed and invalidated in one batch are reported once", func() {
		changes := suite.changes(bluez.PropertyAlias)

		suite.Bus.SetProperties(suite.devicePath(addrA), bus.DeviceIface, map[string]any{"Alias": "x"}, "Alias")
		name, err := changes.Wait(suite.Context())
		suite.Require().NoError(err)
		suite.Assert().Equal(bluez.PropertyAlias, name)

		_, err = changes.Wait(suite.ShortContext())
		suite.Assert().ErrorIs(err, context.DeadlineExceeded, "duplicate name in one batch MUST be reported once")
	})
}

func (suite *ChangesTestSuite) TestCrossBatchOrderFollowsArrival() {
	changes := suite.changes(bluez.PropertyAlias, bluez.PropertyConnected)
	path := suite.devicePath(addrA)

	suite.Bus.SetProperties(path, bus.DeviceIface, map[string]any{"Connected": true})
	suite.Bus.SetProperties(path, bus.DeviceIface, map[string]any{"Alias": "later"})

	first, err := changes.Wait(suite.Context())
	suite.Require().NoError(err)
	second, err := changes.Wait(suite.Context())
	suite.Require().NoError(err)

	suite.Assert().Equal(bluez.PropertyConnected, first)
	suite.Assert().Equal(bluez.PropertyAlias, second)
}

func (suite *ChangesTestSuite) TestCancellationKeepsPendingNames() {
	// GOAL: Verify an abandoned Wait leaves queued names intact
	//
	// TEST SCENARIO: Batch of two → one Wait → cancelled Wait still returns the queued name → next Wait blocks

	changes := suite.changes(bluez.PropertyAlias, bluez.PropertyServiceUUIDs)
	suite.Bus.SetProperties(suite.devicePath(addrA), bus.DeviceIface, map[string]any{
		"Alias": "a",
		"UUIDs": []string{},
	})

	_, err := changes.Wait(suite.Context())
	suite.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = changes.Wait(ctx)
	suite.Assert().NoError(err, "a queued name MUST be returned without receiving")

	_, err = changes.Wait(ctx)
	suite.Assert().ErrorIs(err, context.Canceled)
}

func (suite *ChangesTestSuite) TestTerminalError() {
	changes := suite.changes(bluez.PropertyAlias)

	suite.Bus.EndPropertyStreams(suite.devicePath(addrA))

	_, err := changes.Wait(suite.Context())
	suite.Assert().ErrorIs(err, bluez.ErrChangeStreamEnded, "MUST fail once the subscription ends")

	_, err = changes.Wait(suite.Context())
	suite.Assert().ErrorIs(err, bluez.ErrChangeStreamEnded, "terminal error MUST be sticky")
}

func TestChangesTestSuite(t *testing.T) {
	suite.Run(t, new(ChangesTestSuite))
}
