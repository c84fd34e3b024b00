package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/config"
)

// newSession opens the BlueZ session every command runs on.
var newSession = func(ctx context.Context, logger *logrus.Logger) (*bluez.Session, error) {
	return bluez.NewSession(ctx, logger)
}

// commandEnv is what a command needs once its flags are validated.
type commandEnv struct {
	cfg     *config.Config
	logger  *logrus.Logger
	session *bluez.Session
	adapter *bluez.Adapter
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*commandEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	session, err := newSession(ctx, logger)
	if err != nil {
		return nil, err
	}
	adapter, err := bluez.OpenAdapterByName(ctx, session, cfg.Adapter, bluez.WithOpenTimeout(cfg.DeviceTimeout))
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	logger.WithField("adapter", adapter.Name()).Debug("Using adapter")
	return &commandEnv{cfg: cfg, logger: logger, session: session, adapter: adapter}, nil
}

func (e *commandEnv) Close() {
	if err := e.session.Close(); err != nil {
		e.logger.WithError(err).Debug("Failed to close session")
	}
}

// findDevice returns the device with the given address. Devices BlueZ does
// not know yet are looked for with a discovery bounded by the device timeout.
func (e *commandEnv) findDevice(ctx context.Context, address string) (bluez.Device, error) {
	addr, err := bluez.ParseAddress(address)
	if err != nil {
		return bluez.Device{}, err
	}

	dev, err := e.adapter.Device(ctx, addr)
	var nf *bluez.NotFoundError
	if !errors.As(err, &nf) {
		return dev, err
	}

	e.logger.WithField("address", addr).Debug("Device unknown to BlueZ, discovering")

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DeviceTimeout)
	defer cancel()

	stream, err := e.adapter.DeviceStream(ctx)
	if err != nil {
		return bluez.Device{}, err
	}
	defer stream.Close()

	if err := e.adapter.StartDiscovery(ctx); err != nil {
		return bluez.Device{}, err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer stop()
		if err := e.adapter.StopDiscovery(stopCtx); err != nil {
			e.logger.WithError(err).Debug("Failed to stop discovery")
		}
	}()

	for {
		dev, err := stream.Next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return bluez.Device{}, &bluez.NotFoundError{Resource: "device", UUIDs: []string{addr.String()}}
		}
		if err != nil {
			return bluez.Device{}, err
		}
		if dev.Address() == addr {
			return dev, nil
		}
	}
}

// connect finds and connects the device, bounded by the device timeout.
func (e *commandEnv) connect(ctx context.Context, address string) (bluez.Device, error) {
	dev, err := e.findDevice(ctx, address)
	if err != nil {
		return bluez.Device{}, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.DeviceTimeout)
	defer cancel()
	if err := dev.Connect(connectCtx); err != nil {
		return bluez.Device{}, fmt.Errorf("failed to connect: %w", err)
	}
	return dev, nil
}

// disconnect is deferred by commands; it must work after ctx is cancelled.
func (e *commandEnv) disconnect(ctx context.Context, dev bluez.Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := dev.Disconnect(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to disconnect")
	}
}

// characteristic resolves a characteristic of a connected device.
func characteristic(ctx context.Context, dev bluez.Device, serviceID, charID string) (*bluez.Characteristic, error) {
	svcUUID, err := bluez.ParseUUID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID: %w", err)
	}
	charUUID, err := bluez.ParseUUID(charID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	svc, err := dev.Service(ctx, svcUUID)
	if err != nil {
		return nil, err
	}
	return svc.Characteristic(ctx, charUUID)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
