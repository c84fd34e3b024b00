//go:build test

package main

import (
	"bytes"
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/testutils"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
	UnknownAddress     = "AA:BB:CC:DD:EE:09"
)

// CommandTestSuite runs commands against a fake bus. Unless a test suite
// configures its own bus, hci0 carries a heart rate sensor at
// TestDeviceAddress1.
type CommandTestSuite struct {
	testutils.FakeBusSuite

	origNewSession      func(context.Context, *logrus.Logger) (*bluez.Session, error)
	origRefreshInterval time.Duration
}

func (s *CommandTestSuite) SetupTest() {
	if s.BusBuilder == nil {
		s.WithBus().
			WithAdapter("hci0", "00:11:22:33:44:55").
			WithDevice("hci0", testutils.HeartRateDevice(TestDeviceAddress1, "Pulse"))
	}
	s.FakeBusSuite.SetupTest()

	s.origNewSession = newSession
	s.origRefreshInterval = watchRefreshInterval
	newSession = func(_ context.Context, logger *logrus.Logger) (*bluez.Session, error) {
		return bluez.NewSessionFromBus(s.Bus, logger), nil
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	newSession = s.origNewSession
	watchRefreshInterval = s.origRefreshInterval
	s.FakeBusSuite.TearDownTest()
}

// ExecuteCommand runs the root command with args and returns what it wrote
// to stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// CommandResult is the outcome of a command started with RunAsync.
type CommandResult struct {
	Stdout string
	Stderr string
	Err    error
}

// RunAsync runs the root command in a goroutine; the result is delivered
// once the command returns.
func (s *CommandTestSuite) RunAsync(ctx context.Context, args ...string) <-chan CommandResult {
	done := make(chan CommandResult, 1)
	go func() {
		stdout, stderr, err := s.ExecuteCommand(ctx, args...)
		done <- CommandResult{Stdout: stdout, Stderr: stderr, Err: err}
	}()
	return done
}

// DevicePath returns the hci0 path of addr.
func (s *CommandTestSuite) DevicePath(addr string) dbus.ObjectPath {
	return testutils.DevicePath(s.Adapter("hci0"), addr)
}

// WaitForCall blocks until the bus has seen n calls whose method ends with
// suffix and returns the last one.
func (s *CommandTestSuite) WaitForCall(suffix string, n int) testutils.RecordedCall {
	s.Require().Eventually(func() bool {
		return len(s.Bus.Calls(suffix)) >= n
	}, s.TestTimeout, 5*time.Millisecond, "%s MUST be called %d times", suffix, n)
	calls := s.Bus.Calls(suffix)
	return calls[len(calls)-1]
}

// resetFlags restores every flag of cmd and its children to its default,
// so one test's flags do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
