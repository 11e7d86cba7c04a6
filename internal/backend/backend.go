// Package backend defines the contract between the planner and the
// partitioning backends that actually touch devices.
package backend

import (
	"context"
	"errors"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/report"
)

// ErrNotSupported is returned by backends for primitives they cannot perform
var ErrNotSupported = errors.New("not supported by backend")

// Backend scans devices and performs the primitive partitioning steps.
// All calls are blocking. Scan returns fresh objects on every call.
type Backend interface {
	Name() string
	Scan(ctx context.Context) ([]*device.Device, error)

	// CanCreateNew reports whether p can be created on dev as laid out.
	CanCreateNew(dev *device.Device, p *device.Partition) bool

	CreateTable(ctx context.Context, r *report.Report, dev *device.Device, t device.TableType) error
	CreatePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error
	DeletePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error

	// CreateFileSystem formats p.Node with p.FileSystem and p.Label.
	CreateFileSystem(ctx context.Context, r *report.Report, p *device.Partition) error

	Mount(ctx context.Context, r *report.Report, p *device.Partition, mountPoint string) error
	Unmount(ctx context.Context, r *report.Report, p *device.Partition) error
}

// MBRMaxPrimary is the number of primary slots in an MBR table
const MBRMaxPrimary = 4

// CanCreateOn is the feasibility check shared by all backends: the
// partition must fit a free extent, and MBR tables must have a free
// primary slot numbered 1 to MBRMaxPrimary for it.
func CanCreateOn(dev *device.Device, p *device.Partition) bool {
	if dev.TableType() == device.TableNone {
		return false
	}
	if dev.TableType() == device.TableMBR {
		if dev.CountPrimaryPartitions() >= MBRMaxPrimary {
			return false
		}
		if p.Node != "" {
			n, err := nodepath.Index(dev.Node, p.Node)
			if err != nil || n > MBRMaxPrimary {
				return false
			}
		}
	}
	return device.FitsFreeExtent(dev, p)
}
