// Package operation holds the pending partition table mutations of a
// planner and runs them as a batch.
package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
)

// ErrIrreversible is returned by Undo on operations without a compensating action
var ErrIrreversible = errors.New("operation cannot be undone")

// Kind identifies the type of an operation
type Kind string

const (
	KindCreateTable     Kind = "create-table"
	KindCreatePartition Kind = "create-partition"
	KindDeletePartition Kind = "delete-partition"
)

// Operation is a single pending change. Undo is the compensating action run
// when a later operation of the same batch fails.
type Operation interface {
	Kind() Kind
	Description() string
	Execute(ctx context.Context, r *report.Report) error
	Undo(ctx context.Context, r *report.Report) error
	Reversible() bool
}

// CreateTable replaces the partition table of a device
type CreateTable struct {
	Backend backend.Backend
	Device  *device.Device
	Type    device.TableType
}

func (o *CreateTable) Kind() Kind { return KindCreateTable }

func (o *CreateTable) Description() string {
	return fmt.Sprintf("Create a new partition table (type: %s) on '%s'", o.Type, o.Device.Node)
}

func (o *CreateTable) Execute(ctx context.Context, r *report.Report) error {
	return o.Backend.CreateTable(ctx, r, o.Device, o.Type)
}

// Undo is impossible: the previous table is gone once written
func (o *CreateTable) Undo(ctx context.Context, r *report.Report) error {
	return ErrIrreversible
}

func (o *CreateTable) Reversible() bool { return false }

// CreatePartition adds a partition to a device's table
type CreatePartition struct {
	Backend   backend.Backend
	Device    *device.Device
	Partition *device.Partition
}

func (o *CreatePartition) Kind() Kind { return KindCreatePartition }

func (o *CreatePartition) Description() string {
	return fmt.Sprintf("Create a new partition (%s, %s) on '%s'",
		units.HumanSize(o.Partition.Capacity()), o.Partition.FileSystem, o.Device.Node)
}

func (o *CreatePartition) Execute(ctx context.Context, r *report.Report) error {
	return o.Backend.CreatePartition(ctx, r, o.Device, o.Partition)
}

func (o *CreatePartition) Undo(ctx context.Context, r *report.Report) error {
	return o.Backend.DeletePartition(ctx, r, o.Device, o.Partition)
}

func (o *CreatePartition) Reversible() bool { return true }

// DeletePartition removes a partition from a device's table
type DeletePartition struct {
	Backend   backend.Backend
	Device    *device.Device
	Partition *device.Partition
}

func (o *DeletePartition) Kind() Kind { return KindDeletePartition }

func (o *DeletePartition) Description() string {
	return fmt.Sprintf("Delete partition '%s' (%s, %s)",
		o.Partition.Node, units.HumanSize(o.Partition.Capacity()), o.Partition.DisplayFileSystem())
}

func (o *DeletePartition) Execute(ctx context.Context, r *report.Report) error {
	return o.Backend.DeletePartition(ctx, r, o.Device, o.Partition)
}

// Undo restores the table entry with its original extent. The filesystem
// contents are not touched by a table-only delete, so they come back with it.
func (o *DeletePartition) Undo(ctx context.Context, r *report.Report) error {
	return o.Backend.CreatePartition(ctx, r, o.Device, o.Partition)
}

func (o *DeletePartition) Reversible() bool { return true }
