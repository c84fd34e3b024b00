//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"
)

// FakeBusSuite provides a reusable test suite backed by an in-memory BlueZ bus.
//
// Basic usage (one adapter "hci0", no devices):
//
//	type DeviceSetSuite struct {
//	    testutils.FakeBusSuite
//	}
//
//	func TestDeviceSetSuite(t *testing.T) {
//	    suite.Run(t, new(DeviceSetSuite))
//	}
//
// Custom object tree:
//
//	func (s *DeviceSetSuite) SetupTest() {
//	    s.WithBus().
//	        WithAdapter("hci0", "00:11:22:33:44:55").
//	        WithDevice("hci0", testutils.NewDeviceBuilder().WithAddress("AA:BB:CC:DD:EE:01"))
//
//	    s.FakeBusSuite.SetupTest() // Call parent last to apply configuration
//	}
type FakeBusSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger
	// Hook records every log entry of the current test.
	Hook *logtest.Hook

	// Bus is rebuilt for every test.
	Bus         *FakeBus
	BusBuilder  *BusBuilder
	TestTimeout time.Duration
}

// SetupSuite is called once before all tests in the suite.
func (s *FakeBusSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Hook = logtest.NewLocal(s.Logger)
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds the bus before each test.
func (s *FakeBusSuite) SetupTest() {
	if s.BusBuilder == nil {
		s.BusBuilder = NewBusBuilder().WithAdapter("hci0", "00:11:22:33:44:55")
	}
	s.Bus = s.BusBuilder.Build()
	s.Helper.T = s.T()
	s.Hook.Reset()
}

// TearDownTest closes the bus and resets the builder.
func (s *FakeBusSuite) TearDownTest() {
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
	s.Bus = nil
	s.BusBuilder = nil
}

// WithBus returns the bus builder for fluent configuration in SetupTest.
func (s *FakeBusSuite) WithBus() *BusBuilder {
	if s.BusBuilder == nil {
		s.BusBuilder = NewBusBuilder()
	}
	return s.BusBuilder
}

// Context returns a context bounded by TestTimeout.
func (s *FakeBusSuite) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	s.T().Cleanup(cancel)
	return ctx
}

// ShortContext returns a context that expires quickly, for asserting that a
// call blocks.
func (s *FakeBusSuite) ShortContext() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	s.T().Cleanup(cancel)
	return ctx
}

// Adapter returns the path of the named adapter.
func (s *FakeBusSuite) Adapter(name string) dbus.ObjectPath {
	return AdapterPath(name)
}

// Warnings returns the messages logged at warn level or above.
func (s *FakeBusSuite) Warnings() []string {
	var out []string
	for _, e := range s.Hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}
