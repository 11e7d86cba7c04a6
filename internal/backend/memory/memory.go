// Package memory implements an in-memory partitioning backend. It backs
// the dry-run mode (seeded from a real scan) and the planner tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/report"
)

// Step names used for fault injection and the call log
const (
	StepCreateTable     = "create-table"
	StepCreatePartition = "create-partition"
	StepDeletePartition = "delete-partition"
	StepCreateFS        = "mkfs"
	StepMount           = "mount"
	StepUnmount         = "unmount"
)

// ErrBusy is returned when deleting a mounted partition
var ErrBusy = errors.New("partition is mounted")

type fault struct {
	step string
	node string
}

// Backend keeps devices in memory. Scan returns deep copies, so callers
// never share state with the backend.
type Backend struct {
	mu      sync.Mutex
	devices []*device.Device
	faults  map[fault]error
	calls   []string
}

// New returns a backend holding copies of devices
func New(devices ...*device.Device) *Backend {
	b := &Backend{faults: make(map[fault]error)}
	for _, d := range devices {
		c := d.Clone()
		device.FillUnallocated(c)
		b.devices = append(b.devices, c)
	}
	return b
}

// FailOn makes step fail with err for the given partition or device node.
// An empty node matches every node.
func (b *Backend) FailOn(step, node string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[fault{step, node}] = err
}

// Calls returns the primitive calls made so far, as "step node"
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Backend) record(step, node string) error {
	b.calls = append(b.calls, step+" "+node)
	if err, ok := b.faults[fault{step, node}]; ok {
		return err
	}
	if err, ok := b.faults[fault{step, ""}]; ok {
		return err
	}
	return nil
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Scan(ctx context.Context) ([]*device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*device.Device, len(b.devices))
	for i, d := range b.devices {
		out[i] = d.Clone()
	}
	return out, nil
}

func (b *Backend) CanCreateNew(dev *device.Device, p *device.Partition) bool {
	return backend.CanCreateOn(dev, p)
}

func (b *Backend) device(node string) (*device.Device, error) {
	for _, d := range b.devices {
		if d.Node == node {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no such device %s", node)
}

func (b *Backend) partition(node string) (*device.Device, *device.Partition, error) {
	for _, d := range b.devices {
		if p := d.PartitionByNode(node); p != nil {
			return d, p, nil
		}
	}
	return nil, nil, fmt.Errorf("no such partition %s", node)
}

func (b *Backend) CreateTable(ctx context.Context, r *report.Report, dev *device.Device, t device.TableType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepCreateTable, dev.Node); err != nil {
		return err
	}
	d, err := b.device(dev.Node)
	if err != nil {
		return err
	}
	for _, p := range d.Partitions() {
		if p.Mounted {
			return fmt.Errorf("%s: %w", p.Node, ErrBusy)
		}
	}
	d.Table = device.NewPartitionTable(t, d.TotalSectors())
	device.FillUnallocated(d)
	r.Line("wrote empty %s table on %s", t, d.Node)
	return nil
}

func (b *Backend) CreatePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepCreatePartition, p.Node); err != nil {
		return err
	}
	d, err := b.device(dev.Node)
	if err != nil {
		return err
	}
	if !backend.CanCreateOn(d, p) {
		return fmt.Errorf("sectors %d-%d do not fit a free extent on %s", p.FirstSector, p.LastSector, d.Node)
	}

	n := p.Number
	if p.Node != "" {
		if n, err = nodepath.Index(d.Node, p.Node); err != nil {
			return err
		}
	}
	if n == 0 {
		n = nextNumber(d)
	}
	if d.TableType() == device.TableMBR && n > backend.MBRMaxPrimary {
		return fmt.Errorf("partition %d on %s: only %d primary partitions fit an MBR table", n, d.Node, backend.MBRMaxPrimary)
	}
	node, err := nodepath.Resolve(d.Node, n)
	if err != nil {
		return err
	}
	if d.PartitionByNode(node) != nil {
		return fmt.Errorf("partition %s already exists", node)
	}

	np := &device.Partition{
		Number:      n,
		Node:        node,
		FirstSector: p.FirstSector,
		LastSector:  p.LastSector,
		SectorSize:  d.SectorSize,
		Roles:       device.RolePrimary,
		Flags:       p.Flags,
		FileSystem:  device.FSUnformatted,
	}
	d.Table.Partitions = append(d.Table.Partitions, np)
	device.FillUnallocated(d)
	r.Line("created %s (sectors %d-%d)", node, np.FirstSector, np.LastSector)
	return nil
}

// nextNumber is the lowest free primary slot on MBR tables, otherwise one
// past the highest number in use
func nextNumber(d *device.Device) int {
	used := make(map[int]bool)
	n := 1
	for _, p := range d.Partitions() {
		if p.IsUnallocated() {
			continue
		}
		used[p.Number] = true
		if p.Number >= n {
			n = p.Number + 1
		}
	}
	if d.TableType() == device.TableMBR {
		for slot := 1; slot <= backend.MBRMaxPrimary; slot++ {
			if !used[slot] {
				return slot
			}
		}
	}
	return n
}

func (b *Backend) DeletePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepDeletePartition, p.Node); err != nil {
		return err
	}
	d, err := b.device(dev.Node)
	if err != nil {
		return err
	}
	for i, e := range d.Table.Partitions {
		if e.IsUnallocated() || e.Node != p.Node {
			continue
		}
		if e.Mounted {
			return fmt.Errorf("%s: %w", e.Node, ErrBusy)
		}
		d.Table.Partitions = append(d.Table.Partitions[:i], d.Table.Partitions[i+1:]...)
		device.FillUnallocated(d)
		r.Line("deleted %s", p.Node)
		return nil
	}
	return fmt.Errorf("no such partition %s", p.Node)
}

func (b *Backend) CreateFileSystem(ctx context.Context, r *report.Report, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepCreateFS, p.Node); err != nil {
		return err
	}
	if !p.FileSystem.Creatable() {
		return fmt.Errorf("cannot create filesystem %s: %w", p.FileSystem, backend.ErrNotSupported)
	}
	_, e, err := b.partition(p.Node)
	if err != nil {
		return err
	}
	e.FileSystem = p.FileSystem
	e.FSName = ""
	e.Label = p.Label
	r.Line("created %s on %s", p.FileSystem, p.Node)
	return nil
}

func (b *Backend) Mount(ctx context.Context, r *report.Report, p *device.Partition, mountPoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepMount, p.Node); err != nil {
		return err
	}
	_, e, err := b.partition(p.Node)
	if err != nil {
		return err
	}
	if e.Mounted {
		return fmt.Errorf("%s is already mounted on %s", e.Node, e.MountPoint)
	}
	e.Mounted = true
	e.MountPoint = mountPoint
	r.Line("mounted %s on %s", p.Node, mountPoint)
	return nil
}

func (b *Backend) Unmount(ctx context.Context, r *report.Report, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.record(StepUnmount, p.Node); err != nil {
		return err
	}
	_, e, err := b.partition(p.Node)
	if err != nil {
		return err
	}
	if e.Mounted {
		r.Line("unmounted %s from %s", p.Node, e.MountPoint)
	}
	e.Mounted = false
	e.MountPoint = ""
	return nil
}
