// Package bluez tracks Bluetooth Low Energy peripherals through BlueZ.
//
// A Session wraps one bus connection. Adapters opened from it expose a
// DeviceStream: a cursor that first replays every device BlueZ already knows
// and then follows the adapter's live object and property signals, yielding a
// device each time it appears or one of its interesting properties changes.
//
//	session, err := bluez.NewSession(ctx, logger)
//	adapter, err := bluez.OpenAdapter(ctx, session)
//	_ = adapter.StartDiscovery(ctx)
//	stream, err := adapter.DeviceStream(ctx)
//	for {
//		dev, err := stream.Next(ctx)
//		...
//	}
package bluez

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/bus"
)

// Session is a shared handle on the bus connection. Every adapter, device and
// GATT object derived from it reuses the same connection.
type Session struct {
	bus    bus.Session
	logger *logrus.Logger
}

// NewSession connects to the system bus.
func NewSession(ctx context.Context, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := bus.ConnectSystemBus(logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("Connected to system bus")
	return NewSessionFromBus(conn, logger), nil
}

// NewSessionFromBus builds a Session over an existing bus implementation.
func NewSessionFromBus(b bus.Session, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{bus: b, logger: logger}
}

// Logger returns the session logger.
func (s *Session) Logger() *logrus.Logger {
	return s.logger
}

// Close releases the bus connection. Every stream derived from the session
// ends with a terminal error afterwards.
func (s *Session) Close() error {
	return s.bus.Close()
}
