package bluez

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/internal/bus"
)

// DefaultOpenTimeout bounds the validation of a device announced by an
// InterfacesAdded signal.
const DefaultOpenTimeout = 5 * time.Second

// ChangeKind classifies a DeviceSetChange.
type ChangeKind int

const (
	DeviceAdded ChangeKind = iota
	DeviceRemoved
	DeviceChanged
)

func (k ChangeKind) String() string {
	switch k {
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	case DeviceChanged:
		return "changed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// DeviceSetChange is one membership or property change reported by a DeviceSet.
// Property is only meaningful for DeviceChanged.
type DeviceSetChange struct {
	Kind     ChangeKind
	Device   Device
	Property PropertyName
}

type deviceEntry struct {
	device  Device
	changes *Changes
}

type modKind int

const (
	modAdded modKind = iota
	modRemoved
	modChanged
)

// modification is one merged event, not yet applied to the set.
type modification struct {
	kind     modKind
	entry    deviceEntry // modAdded
	index    int         // modRemoved, modChanged
	property PropertyName
}

// DeviceSet tracks the devices of one adapter.
//
// Change merges the adapter's object add/remove signals with the property
// changes of every tracked device into a single ordered sequence. A DeviceSet
// has a single reader: Change must not be called concurrently.
type DeviceSet struct {
	session     *Session
	adapter     dbus.ObjectPath
	objects     bus.ObjectSubscription
	entries     []deviceEntry
	err         error
	openTimeout time.Duration
	logger      *logrus.Entry

	// scratch for the multi-way wait, rebuilt on every call
	cases  []reflect.SelectCase
	owners []int
}

func newDeviceSet(ctx context.Context, session *Session, adapter dbus.ObjectPath, openTimeout time.Duration) (*DeviceSet, error) {
	// Subscribe first: a device announced between snapshot and subscription
	// would otherwise be lost.
	objects, err := session.bus.WatchObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch objects: %w", err)
	}

	snapshot, err := session.bus.ManagedObjects(ctx)
	if err != nil {
		objects.Close()
		return nil, fmt.Errorf("list objects: %w", err)
	}

	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	s := &DeviceSet{
		session:     session,
		adapter:     adapter,
		objects:     objects,
		openTimeout: openTimeout,
		logger:      session.logger.WithField("adapter", adapter),
	}

	for _, path := range childPaths(snapshot, adapter, bus.DeviceIface) {
		entry, err := s.open(ctx, path)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Skipping device")
			continue
		}
		s.entries = append(s.entries, entry)
	}

	s.logger.WithField("devices", len(s.entries)).Debug("Device set ready")
	return s, nil
}

// Change blocks until the next modification and returns it.
//
// Devices announced by InterfacesAdded that cannot be opened are skipped with
// a warning. Removal of an unknown path is ignored. Once the object
// subscription ends, Change returns ErrEventStreamEnded on this and every
// later call.
func (s *DeviceSet) Change(ctx context.Context) (DeviceSetChange, error) {
	mod, err := s.nextModification(ctx)
	if err != nil {
		return DeviceSetChange{}, err
	}
	return s.apply(mod), nil
}

// Devices returns the devices currently tracked.
func (s *DeviceSet) Devices() []Device {
	out := make([]Device, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.device
	}
	return out
}

// Len returns the number of devices currently tracked.
func (s *DeviceSet) Len() int {
	return len(s.entries)
}

// Close ends every subscription held by the set.
func (s *DeviceSet) Close() {
	s.objects.Close()
	for _, e := range s.entries {
		e.changes.Close()
	}
	if s.err == nil {
		s.err = ErrEventStreamEnded
	}
}

func (s *DeviceSet) open(ctx context.Context, path dbus.ObjectPath) (deviceEntry, error) {
	device, err := openDevice(ctx, s.session, path)
	if err != nil {
		return deviceEntry{}, err
	}
	changes, err := device.PropertyChanges(ctx, DiscoveryInterest...)
	if err != nil {
		return deviceEntry{}, err
	}
	return deviceEntry{device: device, changes: changes}, nil
}

func (s *DeviceSet) indexOf(path dbus.ObjectPath) int {
	for i, e := range s.entries {
		if e.device.Path() == path {
			return i
		}
	}
	return -1
}

func (s *DeviceSet) nextModification(ctx context.Context) (modification, error) {
	for {
		if s.err != nil {
			return modification{}, s.err
		}

		// Names already queued by a multiplexer are ready without receiving.
		for i, e := range s.entries {
			if p, ok := e.changes.pop(); ok {
				return modification{kind: modChanged, index: i, property: p}, nil
			}
		}

		chosen, recv, ok := reflect.Select(s.selectCases(ctx))
		switch chosen {
		case 0:
			return modification{}, ctx.Err()

		case 1:
			if !ok {
				s.logger.Debug("Object subscription ended")
				s.err = ErrEventStreamEnded
				continue
			}
			if mod, ok := s.fromObjectEvent(ctx, recv.Interface().(bus.ObjectEvent)); ok {
				return mod, nil
			}

		default:
			e := s.entries[s.owners[chosen]]
			if !ok {
				s.logger.WithField("device", e.device.Address()).Debug("Property subscription ended")
				e.changes.terminate()
				continue
			}
			e.changes.absorb(recv.Interface().(bus.PropertiesChanged))
		}
	}
}

// selectCases lists ctx.Done, the object subscription and every live
// multiplexer, in that order. owners maps a case index back to its entry.
func (s *DeviceSet) selectCases(ctx context.Context) []reflect.SelectCase {
	s.cases = append(s.cases[:0],
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.objects.C())},
	)
	s.owners = append(s.owners[:0], -1, -1)

	for i, e := range s.entries {
		if e.changes.ended() {
			continue
		}
		s.cases = append(s.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.changes.sub.C())})
		s.owners = append(s.owners, i)
	}
	return s.cases
}

func (s *DeviceSet) fromObjectEvent(ctx context.Context, ev bus.ObjectEvent) (modification, bool) {
	if !isChildOf(ev.Path, s.adapter) || !ev.HasInterface(bus.DeviceIface) {
		return modification{}, false
	}

	log := s.logger.WithField("path", ev.Path)

	switch ev.Kind {
	case bus.InterfacesAdded:
		if s.indexOf(ev.Path) >= 0 {
			log.Debug("Device already tracked")
			return modification{}, false
		}

		// Opening takes bus round trips; finish it even if the caller gives
		// up, otherwise the announcement would be lost.
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.openTimeout)
		defer cancel()

		entry, err := s.open(openCtx, ev.Path)
		if err != nil {
			log.WithError(err).Warn("Ignoring added device")
			return modification{}, false
		}
		return modification{kind: modAdded, entry: entry}, true

	case bus.InterfacesRemoved:
		i := s.indexOf(ev.Path)
		if i < 0 {
			return modification{}, false
		}
		return modification{kind: modRemoved, index: i}, true
	}

	return modification{}, false
}

func (s *DeviceSet) apply(mod modification) DeviceSetChange {
	switch mod.kind {
	case modAdded:
		s.entries = append(s.entries, mod.entry)
		s.logger.WithField("device", mod.entry.device.Address()).Debug("Device added")
		return DeviceSetChange{Kind: DeviceAdded, Device: mod.entry.device}

	case modRemoved:
		e := s.entries[mod.index]
		last := len(s.entries) - 1
		s.entries[mod.index] = s.entries[last]
		s.entries[last] = deviceEntry{}
		s.entries = s.entries[:last]
		e.changes.Close()
		s.logger.WithField("device", e.device.Address()).Debug("Device removed")
		return DeviceSetChange{Kind: DeviceRemoved, Device: e.device}

	default:
		return DeviceSetChange{Kind: DeviceChanged, Device: s.entries[mod.index].device, Property: mod.property}
	}
}
