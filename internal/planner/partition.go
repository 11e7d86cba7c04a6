package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/operation"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/sirupsen/logrus"
)

// nextNodes predicts the node paths of the next n partitions of d. On MBR
// tables free primary slots 1-4 are used first. Otherwise numbering
// continues after the primary partition count and skips numbers in use.
func nextNodes(d *device.Device, n int) ([]string, error) {
	var nodes []string
	take := func(idx int) error {
		node, err := nodepath.Resolve(d.Node, idx)
		if err != nil {
			return err
		}
		if d.PartitionByNode(node) == nil {
			nodes = append(nodes, node)
		}
		return nil
	}

	start := d.CountPrimaryPartitions() + 1
	if d.TableType() == device.TableMBR {
		for idx := 1; idx <= backend.MBRMaxPrimary && len(nodes) < n; idx++ {
			if err := take(idx); err != nil {
				return nil, err
			}
		}
		start = backend.MBRMaxPrimary + 1
	}
	// past the MBR slots these are rejected by CanCreateNew
	for idx := start; len(nodes) < n; idx++ {
		if err := take(idx); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// refresh rescans after a batch. A scan failure is only returned when the
// batch itself succeeded.
func (p *Planner) refresh(ctx context.Context, batchErr error) error {
	if err := p.ScanDevices(ctx); err != nil {
		if batchErr != nil {
			logrus.WithError(err).Warn("rescan after failed batch")
			return batchErr
		}
		return err
	}
	return batchErr
}

// CreatePartition creates a partition of sizeBytes at the start of the
// selected free extent and formats it with fs. A size equal to the extent
// rounded to 0.01 GiB takes the whole extent.
func (p *Planner) CreatePartition(ctx context.Context, fs device.FileSystemType, sizeBytes int64) (*device.Partition, error) {
	if !fs.Creatable() {
		return nil, fmt.Errorf("%s: %w", fs, ErrUnsupportedFileSystem)
	}
	d, free, err := p.selectedFree()
	if err != nil {
		return nil, err
	}

	capacity := free.Capacity()
	if sizeBytes > 0 && sizeBytes == units.GiBToBytes(units.RoundGiB(capacity)) {
		sizeBytes = capacity
	}
	if sizeBytes <= 0 || sizeBytes > capacity {
		return nil, fmt.Errorf("%s requested, %s available: %w",
			units.HumanSize(sizeBytes), units.HumanSize(capacity), ErrSizeOutOfRange)
	}
	sectors := sizeBytes / d.SectorSize
	if sectors == 0 {
		return nil, fmt.Errorf("%s is less than one sector: %w", units.HumanSize(sizeBytes), ErrSizeOutOfRange)
	}

	nodes, err := nextNodes(d, 1)
	if err != nil {
		return nil, err
	}
	np := &device.Partition{
		Node:        nodes[0],
		FirstSector: free.FirstSector,
		LastSector:  free.FirstSector + sectors - 1,
		SectorSize:  d.SectorSize,
		FileSystem:  fs,
		Roles:       device.RolePrimary,
	}
	if !p.backend.CanCreateNew(d, np) {
		return nil, fmt.Errorf("%s on %s: %w", np, d.Node, ErrCannotCreateNew)
	}

	b := p.newBatch(batchCreatePartition, d)
	p.stack.Push(&operation.CreatePartition{Backend: p.backend, Device: d, Partition: np})
	err = b.runStack(ctx)
	if err == nil {
		err = b.step("mkfs", fmt.Sprintf("Create %s filesystem on '%s'", fs, np.Node), func(r *report.Report) error {
			return p.backend.CreateFileSystem(ctx, r, np)
		})
		if err != nil {
			err = backendFailed("create filesystem on "+np.Node, err)
		}
	}
	b.finish(ctx, err)

	if err := p.refresh(ctx, err); err != nil {
		return nil, err
	}
	return p.findPartition(d.Node, np.Node), nil
}

// findPartition looks a real partition up in the current scan
func (p *Planner) findPartition(devNode, node string) *device.Partition {
	i := p.snap.DeviceByNode(devNode)
	if i < 0 {
		return nil
	}
	return p.snap.Devices[i].PartitionByNode(node)
}

// DeletePartition deletes the selected partition, unmounting it first. When
// it belongs to the active install pair, both partitions of the pair are
// deleted in one batch.
func (p *Planner) DeletePartition(ctx context.Context) error {
	d, part, err := p.selectedReal()
	if err != nil {
		return err
	}
	if p.inInstallPair(d, part) {
		return p.deleteInstallPair(ctx, d, part)
	}

	b := p.newBatch(batchDelete, d)
	if err := b.unmount(ctx, part); err != nil {
		b.finish(ctx, err)
		return p.refresh(ctx, err)
	}

	p.stack.Push(&operation.DeletePartition{Backend: p.backend, Device: d, Partition: part.Clone()})
	err = b.runStack(ctx)
	b.finish(ctx, err)
	return p.refresh(ctx, err)
}

func (p *Planner) inInstallPair(d *device.Device, part *device.Partition) bool {
	if p.pair.state != pairActive || p.pair.device != d.Node {
		return false
	}
	return part.Node == p.pair.boot.Node || part.Node == p.pair.root.Node
}

func (p *Planner) deleteInstallPair(ctx context.Context, d *device.Device, selected *device.Partition) error {
	other := p.pair.root.Node
	if selected.Node == p.pair.root.Node {
		other = p.pair.boot.Node
	}
	if err := p.ask(WarnDeleteSystemPair,
		"%s belongs to the new system. Deleting it also deletes %s.", selected.Node, other); err != nil {
		return err
	}

	// boot is mounted inside root, so it goes first
	var members []*device.Partition
	for _, node := range []string{p.pair.boot.Node, p.pair.root.Node} {
		if m := d.PartitionByNode(node); m != nil {
			members = append(members, m)
		}
	}

	b := p.newBatch(batchDeletePair, d)
	for _, m := range members {
		if err := b.unmount(ctx, m); err != nil {
			b.finish(ctx, err)
			return p.refresh(ctx, err)
		}
	}

	for _, m := range members {
		p.stack.Push(&operation.DeletePartition{Backend: p.backend, Device: d, Partition: m.Clone()})
	}
	err := b.runStack(ctx)
	b.finish(ctx, err)
	if err == nil {
		p.pair = installPair{state: pairDeleted}
	}
	return p.refresh(ctx, err)
}

// unmount unmounts part when it is mounted
func (b *batch) unmount(ctx context.Context, part *device.Partition) error {
	if !part.Mounted {
		return nil
	}
	err := b.step("unmount", fmt.Sprintf("Unmount '%s' from '%s'", part.Node, part.MountPoint), func(r *report.Report) error {
		return b.p.backend.Unmount(ctx, r, part)
	})
	if err != nil {
		return fmt.Errorf("%s: %w: %w", part.Node, ErrUnmountFailed, err)
	}
	return nil
}

// MountPartition mounts the selected partition on mountPoint
func (p *Planner) MountPartition(ctx context.Context, mountPoint string) error {
	d, part, err := p.selectedReal()
	if err != nil {
		return err
	}
	if mountPoint == "" {
		return errors.New("mount point must not be empty")
	}
	if part.Mounted {
		return fmt.Errorf("%s is already mounted on %s: %w", part.Node, part.MountPoint, ErrInvalidSelection)
	}

	b := p.newBatch(batchMount, d)
	err = b.step("mount", fmt.Sprintf("Mount '%s' on '%s'", part.Node, mountPoint), func(r *report.Report) error {
		return p.backend.Mount(ctx, r, part, mountPoint)
	})
	if err != nil {
		err = backendFailed("mount "+part.Node, err)
	}
	b.finish(ctx, err)
	return p.refresh(ctx, err)
}

// UnmountPartition unmounts the selected partition
func (p *Planner) UnmountPartition(ctx context.Context) error {
	d, part, err := p.selectedReal()
	if err != nil {
		return err
	}
	if !part.Mounted {
		return fmt.Errorf("%s is not mounted: %w", part.Node, ErrInvalidSelection)
	}

	b := p.newBatch(batchUnmount, d)
	err = b.unmount(ctx, part)
	b.finish(ctx, err)
	return p.refresh(ctx, err)
}

// CreateNewPartitionTable writes an empty table of type t to the selected
// device after confirmation, then rescans every device.
func (p *Planner) CreateNewPartitionTable(ctx context.Context, t device.TableType) error {
	d := p.SelectedDevice()
	if d == nil {
		return fmt.Errorf("no device selected: %w", ErrInvalidSelection)
	}
	if t != device.TableMBR && t != device.TableGPT {
		return fmt.Errorf("table type %s: %w", t, ErrInvalidSelection)
	}
	if err := p.ask(WarnDestroyTable,
		"Creating a new %s partition table on %s erases every partition on it.", t, d.Node); err != nil {
		return err
	}

	b := p.newBatch(batchCreateTable, d)
	p.stack.Push(&operation.CreateTable{Backend: p.backend, Device: d, Type: t})
	err := b.runStack(ctx)
	b.finish(ctx, err)
	if err == nil && p.pair.state == pairActive && p.pair.device == d.Node {
		p.pair = installPair{state: pairDeleted}
	}
	return p.refresh(ctx, err)
}
