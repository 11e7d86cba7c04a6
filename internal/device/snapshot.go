package device

import (
	"errors"
	"fmt"
)

// ErrStaleHandle is returned when a handle from an earlier scan is resolved
// against a newer one.
var ErrStaleHandle = errors.New("stale device handle")

// ErrInvalidSelection is returned for handles naming no device or table row
var ErrInvalidSelection = errors.New("invalid selection")

// Handle refers to a device, and optionally one of its table entries, within
// a single scan. Handles never survive a rescan; re-resolve by node path.
type Handle struct {
	Generation uint64
	Device     int
	Partition  int
}

// NoPartition is the Partition index of a device-only handle
const NoPartition = -1

// Snapshot is the result of one device scan
type Snapshot struct {
	Generation uint64
	Devices    []*Device
}

// NewSnapshot wraps the devices of a scan
func NewSnapshot(generation uint64, devices []*Device) *Snapshot {
	return &Snapshot{Generation: generation, Devices: devices}
}

// DeviceHandle returns a handle for the device at index i
func (s *Snapshot) DeviceHandle(i int) Handle {
	return Handle{Generation: s.Generation, Device: i, Partition: NoPartition}
}

// PartitionHandle returns a handle for table entry row of device dev
func (s *Snapshot) PartitionHandle(dev, row int) Handle {
	return Handle{Generation: s.Generation, Device: dev, Partition: row}
}

// Resolve returns the live objects behind h. The partition is nil for a
// device-only handle.
func (s *Snapshot) Resolve(h Handle) (*Device, *Partition, error) {
	if s == nil || h.Generation != s.Generation {
		return nil, nil, ErrStaleHandle
	}
	if h.Device < 0 || h.Device >= len(s.Devices) {
		return nil, nil, fmt.Errorf("device index %d out of range: %w", h.Device, ErrInvalidSelection)
	}
	d := s.Devices[h.Device]
	if h.Partition == NoPartition {
		return d, nil, nil
	}
	parts := d.Partitions()
	if h.Partition < 0 || h.Partition >= len(parts) {
		return nil, nil, fmt.Errorf("partition row %d out of range on %s: %w", h.Partition, d.Node, ErrInvalidSelection)
	}
	return d, parts[h.Partition], nil
}

// DeviceByNode returns the index of the device with the given node path, or -1
func (s *Snapshot) DeviceByNode(node string) int {
	if s == nil {
		return -1
	}
	for i, d := range s.Devices {
		if d.Node == node {
			return i
		}
	}
	return -1
}
