package bluez

import "context"

// DeviceStream replays the devices present when it was created and then
// follows the adapter: it yields a device when it appears or when one of its
// watched properties changes. Removed devices are never yielded.
//
// The same device is usually yielded many times; callers that need each
// device once must deduplicate by path. Next has no timeout of its own.
type DeviceStream struct {
	toYield []Device
	set     *DeviceSet
}

func newDeviceStream(set *DeviceSet) *DeviceStream {
	return &DeviceStream{toYield: set.Devices(), set: set}
}

// Next returns the next device. Errors from the underlying DeviceSet are
// terminal; the stream must be discarded and discovery restarted.
func (ds *DeviceStream) Next(ctx context.Context) (Device, error) {
	if n := len(ds.toYield); n > 0 {
		d := ds.toYield[n-1]
		ds.toYield = ds.toYield[:n-1]
		return d, nil
	}

	for {
		change, err := ds.set.Change(ctx)
		if err != nil {
			return Device{}, err
		}
		switch change.Kind {
		case DeviceAdded, DeviceChanged:
			return change.Device, nil
		}
	}
}

// Close releases the stream's subscriptions.
func (ds *DeviceStream) Close() {
	ds.toYield = nil
	ds.set.Close()
}
