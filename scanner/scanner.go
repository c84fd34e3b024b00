package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blues/bluez"
	"github.com/srg/blues/internal/ringchan"
)

// stopTimeout bounds StopDiscovery once the scan context is gone.
const stopTimeout = 2 * time.Second

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type      DeviceEventType
	Entry     DeviceEntry
	Timestamp time.Time
}

// DeviceEntry is what the scanner knows about one device.
type DeviceEntry struct {
	Device       bluez.Device `json:"-"`
	Address      string       `json:"address"`
	AddressType  string       `json:"address_type"`
	Name         string       `json:"name"`
	RSSI         *int16       `json:"rssi,omitempty"`
	TxPower      *int16       `json:"tx_power,omitempty"`
	Connected    bool         `json:"connected"`
	ServiceUUIDs []string     `json:"services"`
	FirstSeen    time.Time    `json:"first_seen"`
	LastSeen     time.Time    `json:"last_seen"`
	Updates      int          `json:"updates"`
}

// Adapter is the part of a bluez.Adapter the scanner drives.
type Adapter interface {
	SetDiscoveryFilter(ctx context.Context, f bluez.DiscoveryFilter) error
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	DeviceStream(ctx context.Context) (*bluez.DeviceStream, error)
}

// Scanner handles BLE device discovery
type Scanner struct {
	adapter Adapter
	devices *hashmap.Map[string, DeviceEntry]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	now     func() time.Time
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []uuid.UUID
	AllowList    []string
	BlockList    []string
	Transport    bluez.Transport
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:  10 * time.Second,
		Transport: bluez.TransportLE,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(adapter Adapter, logger *logrus.Logger) (*Scanner, error) {
	if adapter == nil {
		return nil, errors.New("scanner: adapter is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		adapter: adapter,
		devices: hashmap.New[string, DeviceEntry](),
		events:  ringchan.New[DeviceEvent](100),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Scan runs discovery until opts.Duration elapses or ctx ends and returns the
// devices seen, keyed by address. A zero Duration scans until ctx ends.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceEntry, error) {
	s.devices = hashmap.New[string, DeviceEntry]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	filter := bluez.DiscoveryFilter{Transport: opts.Transport, UUIDs: opts.ServiceUUIDs}
	if err := s.adapter.SetDiscoveryFilter(scanCtx, filter); err != nil {
		s.logger.WithError(err).Warn("Failed to set discovery filter, scanning unfiltered")
	}

	stream, err := s.adapter.DeviceStream(scanCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to track devices: %w", err)
	}
	defer stream.Close()

	if err := s.adapter.StartDiscovery(scanCtx); err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := s.adapter.StopDiscovery(stopCtx); err != nil {
			s.logger.WithError(err).Warn("Failed to stop discovery")
		}
	}()

	for {
		dev, err := stream.Next(scanCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		s.handleDevice(scanCtx, dev, opts)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")

	devices := make(map[string]DeviceEntry, s.devices.Len())
	s.devices.Range(func(key string, value DeviceEntry) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleDevice updates existing or adds a new device
func (s *Scanner) handleDevice(ctx context.Context, dev bluez.Device, opts *ScanOptions) {
	info, err := dev.Info(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("path", dev.Path()).Debug("Device vanished before it could be read")
		return
	}

	now := s.now()
	addr := dev.Address().String()

	entry, existing := s.devices.Get(addr)
	if !existing {
		if !s.shouldIncludeDevice(addr, info, opts) {
			return
		}
		entry = DeviceEntry{Device: dev, Address: addr, FirstSeen: now}
	}

	entry.AddressType = info.AddressType
	entry.Name = info.Alias
	entry.RSSI = info.RSSI
	entry.TxPower = info.TxPower
	entry.Connected = info.Connected
	entry.ServiceUUIDs = info.ServiceUUIDs
	entry.LastSeen = now
	entry.Updates++
	s.devices.Set(addr, entry)

	event := DeviceEvent{Entry: entry, Timestamp: now}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  entry.Name,
			"address": entry.Address,
			"rssi":    entry.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(addr string, info bluez.DeviceInfo, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			for _, advertised := range info.ServiceUUIDs {
				if strings.EqualFold(required.String(), advertised) {
					return true
				}
			}
		}
		return false
	}

	return true
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// EventMetrics reports how many events were published and dropped.
func (s *Scanner) EventMetrics() ringchan.Metrics {
	return s.events.GetMetrics()
}
