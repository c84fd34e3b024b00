package bus

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrClosed is returned by every operation on a closed Conn.
var ErrClosed = errors.New("bus connection closed")

type closer interface {
	Close()
}

var _ Session = (*Conn)(nil)

// Conn is the godbus-backed Session.
type Conn struct {
	conn   *dbus.Conn
	logger *logrus.Logger
	subs   *hashmap.Map[string, closer]
	closed atomic.Bool
}

// ConnectSystemBus opens a private connection to the system bus.
func ConnectSystemBus(logger *logrus.Logger) (*Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, wrap(context.Background(), err, "connect-systembus", "Cannot connect to the system bus")
	}
	return NewConn(conn, logger), nil
}

// NewConn wraps an already established godbus connection.
func NewConn(conn *dbus.Conn, logger *logrus.Logger) *Conn {
	if logger == nil {
		logger = logrus.New()
	}
	return &Conn{
		conn:   conn,
		logger: logger,
		subs:   hashmap.New[string, closer](),
	}
}

// ManagedObjects implements Session.
func (c *Conn) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	objects := make(ManagedObjects)
	if err := c.Call(ctx, BluezRoot, ObjectManagerGetManagedObjects).Store(&objects); err != nil {
		return nil, wrap(ctx, err, "get-managed-objects", "Cannot list BlueZ objects")
	}
	return objects, nil
}

// WatchObjects implements Session.
func (c *Conn) WatchObjects(ctx context.Context) (ObjectSubscription, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender(BluezBusName),
		dbus.WithMatchInterface(ObjectManagerIface),
	}
	sub, err := subscribe(ctx, c, "objects", opts, objectQueueSize, nil, decodeObjectSignal)
	if err != nil {
		return nil, wrap(ctx, err, "watch-objects", "Cannot subscribe to BlueZ object signals")
	}
	return sub, nil
}

// WatchProperties implements Session.
func (c *Conn) WatchProperties(ctx context.Context, path dbus.ObjectPath, iface string) (PropertySubscription, error) {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender(BluezBusName),
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(PropertiesIface),
		dbus.WithMatchMember(PropertiesChangedName),
	}
	decode := func(sig *dbus.Signal) (PropertiesChanged, bool) {
		return decodePropertiesSignal(sig, path, iface)
	}
	// Device batches only matter for which keys moved, so they coalesce while
	// the consumer lags. Other interfaces carry data (GATT Value) and queue.
	var merge func(older, newer PropertiesChanged) PropertiesChanged
	if iface == DeviceIface {
		merge = mergeProperties
	}
	sub, err := subscribe(ctx, c, "properties:"+string(path), opts, propertyQueueSize, merge, decode)
	if err != nil {
		return nil, wrap(ctx, err, "watch-properties", "Cannot subscribe to property changes", "path", string(path))
	}
	return sub, nil
}

// Call implements Session.
func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	if c.closed.Load() {
		return &dbus.Call{Path: path, Method: method, Err: ErrClosed}
	}
	return c.conn.Object(BluezBusName, path).CallWithContext(ctx, method, 0, args...)
}

// Property implements Session.
func (c *Conn) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	if err := c.Call(ctx, path, PropertiesGet, iface, name).Store(&v); err != nil {
		return dbus.Variant{}, wrap(ctx, err, "get-property", "Cannot read property",
			"path", string(path), "property", iface+"."+name)
	}
	return v, nil
}

// Properties implements Session.
func (c *Conn) Properties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	props := make(map[string]dbus.Variant)
	if err := c.Call(ctx, path, PropertiesGetAll, iface).Store(&props); err != nil {
		return nil, wrap(ctx, err, "get-all-properties", "Cannot read properties",
			"path", string(path), "interface", iface)
	}
	return props, nil
}

// Close ends every live subscription and closes the connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var live []closer
	c.subs.Range(func(_ string, sub closer) bool {
		live = append(live, sub)
		return true
	})
	for _, sub := range live {
		sub.Close()
	}

	if err := c.conn.Close(); err != nil {
		return wrap(context.Background(), err, "close-systembus", "Error while closing system bus")
	}
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (c *Conn) Subscriptions() int {
	return c.subs.Len()
}

func subscribe[T any](
	ctx context.Context,
	c *Conn,
	name string,
	opts []dbus.MatchOption,
	capacity int,
	merge func(older, newer T) T,
	decode func(*dbus.Signal) (T, bool),
) (*subscription[T], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := newSubscription[T](name, capacity, merge, c.logger)

	// Register the channel before the match rule so nothing slips in between.
	c.conn.Signal(sub.raw)
	if err := c.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		c.conn.RemoveSignal(sub.raw)
		return nil, err
	}

	sub.detach = func() {
		c.conn.RemoveSignal(sub.raw)
		if err := c.conn.RemoveMatchSignal(opts...); err != nil {
			c.logger.WithError(err).WithField("subscription", name).Debug("Failed to remove match rule")
		}
		c.subs.Del(sub.id)
	}
	sub.start(ctx, decode)
	c.subs.Set(sub.id, sub)

	c.logger.WithFields(logrus.Fields{
		"subscription": name,
		"id":           sub.id,
	}).Debug("Subscribed to bus signals")

	return sub, nil
}

// wrap attaches the bus-layer context to a transport error.
func wrap(ctx context.Context, err error, at, msg string, kv ...string) error {
	if err == nil {
		return nil
	}
	md := append([]string{"error_at", at}, kv...)
	return fault.Wrap(err,
		fctx.With(ctx, md...),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
