//go:build test

package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/bus"
	"github.com/srg/blues/internal/testutils"
)

const (
	addrSensor  = "AA:BB:CC:DD:EE:01"
	addrBeacon  = "AA:BB:CC:DD:EE:02"
	addrLate    = "AA:BB:CC:DD:EE:03"
	scanTimeout = 200 * time.Millisecond
)

type ScannerTestSuite struct {
	testutils.FakeBusSuite

	adapter *bluez.Adapter
	scanner *Scanner
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.WithBus().
		WithAdapter("hci0", "00:11:22:33:44:55").
		WithDevice("hci0", testutils.HeartRateDevice(addrSensor, "Pulse")).
		WithDevice("hci0", testutils.NewDeviceBuilder().
			WithAddress(addrBeacon).
			WithAddressType("random").
			WithAlias("Beacon").
			WithRSSI(-80))
	suite.FakeBusSuite.SetupTest()

	session := bluez.NewSessionFromBus(suite.Bus, suite.Logger)
	adapter, err := bluez.OpenAdapterByName(suite.Context(), session, "hci0", bluez.WithOpenTimeout(time.Second))
	suite.Require().NoError(err, "MUST open hci0")
	suite.adapter = adapter

	s, err := NewScanner(adapter, suite.Logger)
	suite.Require().NoError(err)
	suite.scanner = s
}

func (suite *ScannerTestSuite) scanOptions(mutate func(*ScanOptions)) *ScanOptions {
	opts := DefaultScanOptions()
	opts.Duration = scanTimeout
	if mutate != nil {
		mutate(opts)
	}
	return opts
}

func (suite *ScannerTestSuite) drainEvents() []DeviceEvent {
	var events []DeviceEvent
	for {
		select {
		case ev := <-suite.scanner.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (suite *ScannerTestSuite) TestNewScannerRequiresAdapter() {
	_, err := NewScanner(nil, suite.Logger)
	suite.Error(err, "MUST reject a nil adapter")
}

func (suite *ScannerTestSuite) TestScanReportsKnownDevices() {
	// GOAL: Verify a scan reports every device already known to the adapter
	//
	// TEST SCENARIO: Two devices exist before the scan starts → scan runs to its deadline → both are reported with their properties

	devices, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(nil), nil)
	suite.Require().NoError(err, "deadline MUST end the scan without error")

	suite.Require().Len(devices, 2)
	testutils.NewJSONAsserter(suite.T()).
		WithOptions(testutils.WithIgnoreArrayOrder(true)).
		AssertValue(devices, `{
			"AA:BB:CC:DD:EE:01": {
				"address": "AA:BB:CC:DD:EE:01",
				"address_type": "public",
				"name": "Pulse",
				"rssi": -55,
				"services": ["0000180d-0000-1000-8000-00805f9b34fb", "0000180f-0000-1000-8000-00805f9b34fb"],
				"first_seen": "<<PRESENCE>>",
				"last_seen": "<<PRESENCE>>",
				"updates": 1
			},
			"AA:BB:CC:DD:EE:02": {
				"address": "AA:BB:CC:DD:EE:02",
				"address_type": "random",
				"name": "Beacon",
				"rssi": -80,
				"connected": false
			}
		}`)
}

func (suite *ScannerTestSuite) TestScanDrivesDiscovery() {
	// GOAL: Verify the scanner configures, starts and stops adapter discovery
	//
	// TEST SCENARIO: Scan with a service filter → SetDiscoveryFilter carries it → StartDiscovery then StopDiscovery are called → adapter stops discovering

	heartRate := bluez.UUIDFromUint16(0x180d)
	_, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(func(o *ScanOptions) {
		o.ServiceUUIDs = []uuid.UUID{heartRate}
	}), nil)
	suite.Require().NoError(err)

	filters := suite.Bus.Calls(".SetDiscoveryFilter")
	suite.Require().Len(filters, 1)
	opts, ok := filters[0].Args[0].(map[string]dbus.Variant)
	suite.Require().True(ok, "filter MUST be sent as a{sv}")
	suite.Equal("le", opts["Transport"].Value())
	suite.Equal([]string{heartRate.String()}, opts["UUIDs"].Value())

	suite.Len(suite.Bus.Calls(".StartDiscovery"), 1)
	suite.Len(suite.Bus.Calls(".StopDiscovery"), 1, "discovery MUST be stopped after the scan")

	discovering, err := suite.adapter.IsDiscovering(suite.Context())
	suite.Require().NoError(err)
	suite.False(discovering)
}

func (suite *ScannerTestSuite) TestScanContinuesWhenFilterRejected() {
	suite.Bus.Handle(bus.AdapterIface+".SetDiscoveryFilter", func(*testutils.FakeBus, dbus.ObjectPath, []any) ([]any, error) {
		return nil, dbus.Error{Name: "org.bluez.Error.NotSupported"}
	})

	devices, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(nil), nil)
	suite.Require().NoError(err, "a rejected filter MUST NOT abort the scan")
	suite.Len(devices, 2)
	suite.Contains(suite.Warnings(), "Failed to set discovery filter, scanning unfiltered")
}

func (suite *ScannerTestSuite) TestScanFailsWhenDiscoveryCannotStart() {
	suite.Bus.Handle(bus.AdapterIface+".StartDiscovery", func(*testutils.FakeBus, dbus.ObjectPath, []any) ([]any, error) {
		return nil, dbus.Error{Name: "org.bluez.Error.NotReady"}
	})

	_, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(nil), nil)
	suite.Require().Error(err)
	suite.ErrorIs(err, bluez.ErrNotReady)
}

func (suite *ScannerTestSuite) TestScanFilters() {
	tests := []struct {
		name     string
		mutate   func(*ScanOptions)
		expected []string
	}{
		{
			name:     "no filters",
			expected: []string{addrSensor, addrBeacon},
		},
		{
			name:     "allow list",
			mutate:   func(o *ScanOptions) { o.AllowList = []string{"aa:bb:cc:dd:ee:02"} },
			expected: []string{addrBeacon},
		},
		{
			name:     "block list",
			mutate:   func(o *ScanOptions) { o.BlockList = []string{addrBeacon} },
			expected: []string{addrSensor},
		},
		{
			name:     "block list wins over allow list",
			mutate:   func(o *ScanOptions) { o.AllowList = []string{addrBeacon}; o.BlockList = []string{addrBeacon} },
			expected: []string{},
		},
		{
			name:     "service filter",
			mutate:   func(o *ScanOptions) { o.ServiceUUIDs = []uuid.UUID{bluez.UUIDFromUint16(0x180f)} },
			expected: []string{addrSensor},
		},
		{
			name:     "service filter without match",
			mutate:   func(o *ScanOptions) { o.ServiceUUIDs = []uuid.UUID{bluez.UUIDFromUint16(0xfeaa)} },
			expected: []string{},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			devices, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(tt.mutate), nil)
			suite.Require().NoError(err)

			addresses := make([]string, 0, len(devices))
			for addr := range devices {
				addresses = append(addresses, addr)
			}
			suite.ElementsMatch(tt.expected, addresses)
		})
	}
}

func (suite *ScannerTestSuite) TestScanPublishesEvents() {
	// GOAL: Verify devices found and updated during a scan are published as events
	//
	// TEST SCENARIO: Scan starts → a new device appears → an existing device changes alias → events report new, new, new, updated

	ctx := suite.Context()
	sensorPath := testutils.DevicePath(suite.Adapter("hci0"), addrSensor)

	type result struct {
		devices map[string]DeviceEntry
		err     error
	}
	done := make(chan result, 1)
	go func() {
		devices, err := suite.scanner.Scan(ctx, suite.scanOptions(func(o *ScanOptions) {
			o.Duration = 500 * time.Millisecond
		}), nil)
		done <- result{devices, err}
	}()

	suite.Require().Eventually(func() bool {
		return suite.Bus.PropertySubscriptions(sensorPath) > 0 && len(suite.Bus.Calls(".StartDiscovery")) == 1
	}, time.Second, 5*time.Millisecond, "scan MUST be tracking devices")

	testutils.NewDeviceBuilder().WithAddress(addrLate).WithAlias("Late").Install(suite.Bus, suite.Adapter("hci0"))
	suite.Bus.SetProperties(sensorPath, bus.DeviceIface, map[string]any{"Alias": "Pulse 2"})

	res := <-done
	suite.Require().NoError(res.err)
	suite.Require().Len(res.devices, 3)
	suite.Equal("Pulse 2", res.devices[addrSensor].Name)
	suite.Equal(2, res.devices[addrSensor].Updates)

	var newCount int
	var updated []string
	for _, ev := range suite.drainEvents() {
		switch ev.Type {
		case EventNew:
			newCount++
		case EventUpdated:
			updated = append(updated, ev.Entry.Address)
			suite.Equal("Pulse 2", ev.Entry.Name)
		}
	}
	suite.Equal(3, newCount, "every device MUST be announced once")
	suite.Equal([]string{addrSensor}, updated)

	metrics := suite.scanner.EventMetrics()
	suite.EqualValues(4, metrics.Written)
	suite.Zero(metrics.Overwritten, "a short scan MUST NOT overflow the event buffer")
}

func (suite *ScannerTestSuite) TestScanProgressPhases() {
	var phases []string
	_, err := suite.scanner.Scan(suite.Context(), suite.scanOptions(nil), func(phase string) {
		phases = append(phases, phase)
	})
	suite.Require().NoError(err)
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (suite *ScannerTestSuite) TestScanStopsOnCancel() {
	ctx, cancel := context.WithCancel(suite.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	devices, err := suite.scanner.Scan(ctx, suite.scanOptions(func(o *ScanOptions) { o.Duration = 0 }), nil)
	suite.Require().NoError(err, "cancellation MUST end the scan without error")
	suite.Less(time.Since(start), time.Second)
	suite.Len(devices, 2)
	suite.Len(suite.Bus.Calls(".StopDiscovery"), 1, "discovery MUST be stopped even after cancellation")
}

func (suite *ScannerTestSuite) TestScanFailsWhenAdapterDisappears() {
	ctx := suite.Context()
	go func() {
		suite.Eventually(func() bool { return suite.Bus.ObjectSubscriptions() > 0 }, time.Second, 5*time.Millisecond)
		suite.Bus.EndObjectStream()
	}()

	_, err := suite.scanner.Scan(ctx, suite.scanOptions(func(o *ScanOptions) { o.Duration = time.Second }), nil)
	suite.Require().Error(err)
	suite.True(errors.Is(err, bluez.ErrEventStreamEnded), "MUST surface the ended event stream, got %v", err)
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
