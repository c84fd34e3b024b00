package bluez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Terminal stream errors. Once returned, the stream that produced them is done.
var (
	// ErrEventStreamEnded means the adapter's object add/remove subscription
	// ended. Callers should re-enumerate adapters rather than retry.
	ErrEventStreamEnded = errors.New("event stream ended (adapter disconnected?)")

	// ErrChangeStreamEnded means a device's property subscription ended.
	ErrChangeStreamEnded = errors.New("property change stream ended")

	// ErrNotificationStreamEnded means a characteristic notification stream ended.
	ErrNotificationStreamEnded = errors.New("notification stream ended")
)

// Lookup errors
var (
	ErrNoAdapter          = errors.New("no bluetooth adapter found")
	ErrNotDevice          = errors.New("object does not expose org.bluez.Device1")
	ErrServicesUnresolved = errors.New("gatt services not resolved")
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "adapter", "device", "service", "characteristic"
	UUIDs    []string // e.g. [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotReady         ConnectionState = "not_ready"
	InProgress       ConnectionState = "in_progress"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotReady         = &ConnectionError{State: NotReady}
	ErrInProgress       = &ConnectionError{State: InProgress}
)

// bluezErrors maps BlueZ D-Bus error names onto connection sentinels.
var bluezErrors = map[string]*ConnectionError{
	"org.bluez.Error.NotConnected":     ErrNotConnected,
	"org.bluez.Error.AlreadyConnected": ErrAlreadyConnected,
	"org.bluez.Error.NotReady":         ErrNotReady,
	"org.bluez.Error.InProgress":       ErrInProgress,
}

// NormalizeError maps BlueZ error replies to structured ConnectionError values.
// The original error stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	derr, ok := asDBusError(err)
	if !ok {
		return err
	}
	if sentinel, ok := bluezErrors[derr.Name]; ok {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

// Replies meaning the object, interface or property is not there.
var missingObjectErrors = map[string]bool{
	"org.freedesktop.DBus.Error.UnknownObject":    true,
	"org.freedesktop.DBus.Error.UnknownInterface": true,
	"org.freedesktop.DBus.Error.UnknownMethod":    true,
	"org.freedesktop.DBus.Error.InvalidArgs":      true,
}

// isMissingObject reports whether err is a bus reply saying the object does
// not exist or lacks the requested interface. Transport failures are not.
func isMissingObject(err error) bool {
	derr, ok := asDBusError(err)
	return ok && missingObjectErrors[derr.Name]
}

func asDBusError(err error) (dbus.Error, bool) {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr, true
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return *pderr, true
	}
	return dbus.Error{}, false
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
