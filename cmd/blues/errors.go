package main

import (
	"errors"
	"fmt"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/bus"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the device disconnected while a command was
	// still using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns library errors into a message fit for the terminal.
// Unknown errors are printed as they are.
func FormatUserError(err error) string {
	var notFound *bluez.NotFoundError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, bus.ErrClosed):
		return "bus connection closed"
	case errors.Is(err, bluez.ErrNoAdapter):
		return fmt.Sprintf("%v; is bluetoothd running and the adapter powered?", err)
	case errors.Is(err, bluez.ErrEventStreamEnded):
		return "lost track of the adapter (was it removed or was bluetoothd restarted?)"
	case errors.Is(err, ErrConnectionLost), errors.Is(err, bluez.ErrNotificationStreamEnded):
		return "device disconnected"
	case errors.Is(err, bluez.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, bluez.ErrNotReady):
		return "adapter is not ready (is it powered on?)"
	case errors.Is(err, bluez.ErrInProgress):
		return "another operation is in progress on this device, try again"
	case errors.As(err, &notFound):
		if notFound.Resource == "device" {
			return fmt.Sprintf("%v; run 'blues scan' to discover nearby devices", notFound)
		}
		return notFound.Error()
	}
	return err.Error()
}
