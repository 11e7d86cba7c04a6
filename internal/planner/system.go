package planner

import (
	"context"
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/operation"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/sirupsen/logrus"
)

// systemLayout is the planned boot and root pair
type systemLayout struct {
	boot *device.Partition
	root *device.Partition
}

// layoutSystem places a BootPartitionSize boot partition at the start of
// free and the root partition right after it, so that both together span
// systemSize bytes.
func layoutSystem(free *device.Partition, systemSize int64) (systemLayout, error) {
	ss := free.SectorSize
	firstBoot := free.FirstSector
	lastBoot := firstBoot + BootPartitionSize/ss - 1
	firstRoot := lastBoot + 1
	lastRoot := firstBoot + systemSize/ss - 1

	l := systemLayout{
		boot: &device.Partition{
			FirstSector: firstBoot,
			LastSector:  lastBoot,
			SectorSize:  ss,
			FileSystem:  device.FSFAT32,
			Label:       BootLabel,
			MountPoint:  BootMountPoint,
			Roles:       device.RolePrimary,
			Flags:       device.FlagBoot,
		},
		root: &device.Partition{
			FirstSector: firstRoot,
			LastSector:  lastRoot,
			SectorSize:  ss,
			FileSystem:  device.FSExt4,
			Label:       RootLabel,
			MountPoint:  RootMountPoint,
			Roles:       device.RolePrimary,
		},
	}

	if lastRoot < firstRoot {
		return l, &InsufficientSpaceError{Required: BootPartitionSize + ss, Available: systemSize}
	}
	if used := l.boot.Capacity() + l.root.Capacity(); used > free.Capacity() {
		return l, &InsufficientSpaceError{Required: used, Available: free.Capacity()}
	}
	return l, nil
}

// SystemSize validates sizeGiB against the free extent and returns the
// system size in bytes. Asking for the rounded maximum yields the exact
// capacity of the extent.
func SystemSize(free *device.Partition, sizeGiB float64) (int64, error) {
	capacity := free.Capacity()
	roundedMax := units.RoundGiB(capacity)

	if sizeGiB <= 0 || sizeGiB > roundedMax {
		return 0, fmt.Errorf("%.2f GiB is outside 0 < size <= %.2f GiB: %w", sizeGiB, roundedMax, ErrSizeOutOfRange)
	}
	if roundedMax >= MinSystemSizeGiB && sizeGiB < MinSystemSizeGiB {
		return 0, fmt.Errorf("%.2f GiB is below the minimum of %d GiB: %w", sizeGiB, MinSystemSizeGiB, ErrSizeOutOfRange)
	}
	if sizeGiB == roundedMax {
		return capacity, nil
	}
	return units.GiBToBytes(sizeGiB), nil
}

// CreateSystemPartitions creates, formats and mounts the boot and root
// partitions of the new system in the selected free extent. Only one
// install pair can be active at a time.
func (p *Planner) CreateSystemPartitions(ctx context.Context, sizeGiB float64) (InstallPair, error) {
	switch p.pair.state {
	case pairDeleted:
		p.pair = installPair{}
	case pairActive:
		return InstallPair{}, fmt.Errorf("%s and %s: %w", p.pair.boot.Node, p.pair.root.Node, ErrAlreadyExists)
	}

	d, free, err := p.selectedFree()
	if err != nil {
		return InstallPair{}, err
	}
	systemSize, err := SystemSize(free, sizeGiB)
	if err != nil {
		return InstallPair{}, err
	}

	if d.TableType() == device.TableMBR && d.CountPrimaryPartitions() > 2 {
		return InstallPair{}, fmt.Errorf("%s already has %d primary partitions: %w",
			d.Node, d.CountPrimaryPartitions(), ErrPrimaryPartitionLimitExceeded)
	}

	l, err := layoutSystem(free, systemSize)
	if err != nil {
		return InstallPair{}, err
	}
	nodes, err := nextNodes(d, 2)
	if err != nil {
		return InstallPair{}, err
	}
	l.boot.Node, l.root.Node = nodes[0], nodes[1]

	for _, np := range []*device.Partition{l.boot, l.root} {
		if !p.backend.CanCreateNew(d, np) {
			return InstallPair{}, fmt.Errorf("%s on %s: %w", np, d.Node, ErrCannotCreateNew)
		}
	}

	if free.Capacity() < MinSystemSize {
		if err := p.ask(WarnLowSpace, "Only %s of free space is selected, %d GiB is recommended for the system.",
			units.HumanSize(free.Capacity()), MinSystemSizeGiB); err != nil {
			return InstallPair{}, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"device": d.Node,
		"boot":   l.boot.Node,
		"root":   l.root.Node,
		"size":   units.HumanSize(systemSize),
	}).Info("creating system partitions")

	b := p.newBatch(batchInstallPair, d)
	p.stack.Push(&operation.CreatePartition{Backend: p.backend, Device: d, Partition: l.boot})
	p.stack.Push(&operation.CreatePartition{Backend: p.backend, Device: d, Partition: l.root})
	if err := b.runStack(ctx); err != nil {
		b.finish(ctx, err)
		return InstallPair{}, p.refresh(ctx, err)
	}

	// tracked from here on so a later delete can clean up a partial setup
	p.pair = installPair{state: pairActive, device: d.Node, boot: l.boot, root: l.root}

	err = p.formatAndMount(ctx, b, l)
	b.finish(ctx, err)
	if err := p.refresh(ctx, err); err != nil {
		return InstallPair{}, err
	}

	pair, _ := p.InstallPair()
	return pair, nil
}

// formatAndMount creates both filesystems, then mounts root before boot
func (p *Planner) formatAndMount(ctx context.Context, b *batch, l systemLayout) error {
	for _, np := range []*device.Partition{l.boot, l.root} {
		err := b.step("mkfs", fmt.Sprintf("Create %s filesystem on '%s'", np.FileSystem, np.Node), func(r *report.Report) error {
			return p.backend.CreateFileSystem(ctx, r, np)
		})
		if err != nil {
			return backendFailed("create filesystem on "+np.Node, err)
		}
	}
	for _, np := range []*device.Partition{l.root, l.boot} {
		err := b.step("mount", fmt.Sprintf("Mount '%s' on '%s'", np.Node, np.MountPoint), func(r *report.Report) error {
			return p.backend.Mount(ctx, r, np, np.MountPoint)
		})
		if err != nil {
			return backendFailed("mount "+np.Node, err)
		}
	}
	return nil
}
