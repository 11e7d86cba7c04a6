// Package image implements a partitioning backend for raw disk image files.
// Tables and filesystems are written in-process with go-diskfs; the image is
// presented under a device node alias so partition node paths follow the
// usual naming rules.
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
	"github.com/delphinos/delphinos-partition/internal/report"
)

const sectorSize = 512

// MBR type codes without a go-diskfs constant
const (
	mbrLinuxSwap mbr.Type = 0x82
	mbrEFISystem mbr.Type = 0xef
)

// GPT type GUIDs without a go-diskfs constant
const (
	gptLinuxSwap gpt.Type = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	gptBasicData gpt.Type = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// Backend manages a single disk image
type Backend struct {
	path string
	node string

	mu     sync.Mutex
	mounts map[string]string
}

// New returns a backend for the image at path, shown as node. A missing
// image is created with size bytes.
func New(path, node string, size int64) (*Backend, error) {
	if _, err := nodepath.Resolve(node, 1); err != nil {
		return nil, fmt.Errorf("image node alias %s: %w", node, err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if size <= 0 {
			return nil, fmt.Errorf("image %s does not exist and no size was given", path)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create image: %w", err)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size image: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{"image": path, "size": size}).Info("created disk image")
	} else if err != nil {
		return nil, err
	}
	return &Backend{path: path, node: node, mounts: make(map[string]string)}, nil
}

func (b *Backend) Name() string { return "image" }

// Path returns the image file path
func (b *Backend) Path() string { return b.path }

func (b *Backend) open() (*disk.Disk, error) {
	d, err := diskfs.Open(b.path, diskfs.WithSectorSize(sectorSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", b.path, err)
	}
	return d, nil
}

func (b *Backend) Scan(ctx context.Context) ([]*device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.open()
	if err != nil {
		return nil, err
	}
	defer d.Close()

	dev := &device.Device{
		Node:       b.node,
		Model:      "disk image " + b.path,
		Capacity:   d.Size,
		SectorSize: sectorSize,
	}

	table, err := d.GetPartitionTable()
	if err != nil {
		logrus.WithField("image", b.path).WithError(err).Debug("no partition table")
		return []*device.Device{dev}, nil
	}

	switch t := table.(type) {
	case *gpt.Table:
		dev.Table = device.NewPartitionTable(device.TableGPT, dev.TotalSectors())
		for i, gp := range t.Partitions {
			if gp == nil || gp.Type == gpt.Unused {
				continue
			}
			p := b.entry(i+1, int64(gp.Start), int64(gp.End))
			p.Label = gp.Name
			if gp.Type == gpt.EFISystemPartition {
				p.Flags |= device.FlagBoot
			}
			dev.Table.Partitions = append(dev.Table.Partitions, p)
		}
	case *mbr.Table:
		dev.Table = device.NewPartitionTable(device.TableMBR, dev.TotalSectors())
		for i, mp := range t.Partitions {
			if mp == nil || mp.Type == mbr.Empty {
				continue
			}
			p := b.entry(i+1, int64(mp.Start), int64(mp.Start)+int64(mp.Size)-1)
			if mp.Bootable || mp.Type == mbrEFISystem {
				p.Flags |= device.FlagBoot
			}
			dev.Table.Partitions = append(dev.Table.Partitions, p)
		}
	default:
		return []*device.Device{dev}, nil
	}

	for _, p := range dev.Table.Partitions {
		b.probe(d, p)
	}
	device.FillUnallocated(dev)
	return []*device.Device{dev}, nil
}

func (b *Backend) entry(n int, first, last int64) *device.Partition {
	node, _ := nodepath.Resolve(b.node, n)
	p := &device.Partition{
		Number:      n,
		Node:        node,
		FirstSector: first,
		LastSector:  last,
		SectorSize:  sectorSize,
		Roles:       device.RolePrimary,
		FileSystem:  device.FSUnformatted,
	}
	if mp, ok := b.mounts[node]; ok {
		p.Mounted = true
		p.MountPoint = mp
	}
	return p
}

// probe reads the filesystem type and label of p
func (b *Backend) probe(d *disk.Disk, p *device.Partition) {
	fs, err := d.GetFilesystem(p.Number)
	if err != nil || fs == nil {
		return
	}
	switch fs.Type() {
	case filesystem.TypeFat32:
		p.FileSystem, p.FSName = device.FSFAT32, "vfat"
	case filesystem.TypeExt4:
		p.FileSystem, p.FSName = device.FSExt4, "ext4"
	default:
		p.FileSystem = device.FSUnknown
	}
	if label := strings.TrimSpace(fs.Label()); label != "" {
		p.Label = label
	}
}

func (b *Backend) CanCreateNew(dev *device.Device, p *device.Partition) bool {
	return backend.CanCreateOn(dev, p)
}

func (b *Backend) checkDevice(dev *device.Device) error {
	if dev.Node != b.node {
		return fmt.Errorf("%s is not managed by the image backend (%s)", dev.Node, b.node)
	}
	return nil
}

func (b *Backend) CreateTable(ctx context.Context, r *report.Report, dev *device.Device, t device.TableType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDevice(dev); err != nil {
		return err
	}
	for node := range b.mounts {
		if strings.HasPrefix(node, b.node) {
			return fmt.Errorf("%s is mounted", node)
		}
	}

	d, err := b.open()
	if err != nil {
		return err
	}
	defer d.Close()

	var table partition.Table
	switch t {
	case device.TableGPT:
		table = &gpt.Table{
			LogicalSectorSize:  sectorSize,
			PhysicalSectorSize: sectorSize,
			ProtectiveMBR:      true,
			GUID:               strings.ToUpper(uuid.NewString()),
		}
	case device.TableMBR:
		table = &mbr.Table{
			LogicalSectorSize:  sectorSize,
			PhysicalSectorSize: sectorSize,
		}
	default:
		return fmt.Errorf("table type %s: %w", t, backend.ErrNotSupported)
	}

	if err := d.Partition(table); err != nil {
		return fmt.Errorf("failed to write %s table: %w", t, err)
	}
	r.Line("wrote empty %s table to %s", t, b.path)
	return nil
}

// readTable returns the current table of the image
func readTable(d *disk.Disk) (partition.Table, error) {
	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}
	return table, nil
}

func gptType(p *device.Partition) gpt.Type {
	switch {
	case p.Flags.Has(device.FlagBoot):
		return gpt.EFISystemPartition
	case p.FileSystem == device.FSLinuxSwap:
		return gptLinuxSwap
	case p.FileSystem == device.FSFAT32:
		return gptBasicData
	}
	return gpt.LinuxFilesystem
}

func mbrType(p *device.Partition) mbr.Type {
	switch {
	case p.Flags.Has(device.FlagBoot) && p.FileSystem == device.FSFAT32:
		return mbrEFISystem
	case p.FileSystem == device.FSLinuxSwap:
		return mbrLinuxSwap
	case p.FileSystem == device.FSFAT32:
		return mbr.Fat32LBA
	}
	return mbr.Linux
}

func (b *Backend) CreatePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDevice(dev); err != nil {
		return err
	}
	n, err := nodepath.Index(b.node, p.Node)
	if err != nil {
		return err
	}

	d, err := b.open()
	if err != nil {
		return err
	}
	defer d.Close()

	table, err := readTable(d)
	if err != nil {
		return err
	}

	switch t := table.(type) {
	case *gpt.Table:
		for len(t.Partitions) < n {
			t.Partitions = append(t.Partitions, &gpt.Partition{Type: gpt.Unused})
		}
		if cur := t.Partitions[n-1]; cur != nil && cur.Type != gpt.Unused {
			return fmt.Errorf("partition %s already exists", p.Node)
		}
		t.Partitions[n-1] = &gpt.Partition{
			Start: uint64(p.FirstSector),
			End:   uint64(p.LastSector),
			Size:  uint64(p.Capacity()),
			Type:  gptType(p),
			Name:  p.Label,
			GUID:  strings.ToUpper(uuid.NewString()),
		}
	case *mbr.Table:
		if n > backend.MBRMaxPrimary {
			return fmt.Errorf("partition %s: only %d primary partitions fit an MBR table", p.Node, backend.MBRMaxPrimary)
		}
		if p.FirstSector < 1 || p.LastSector > device.MBRMaxSector {
			return fmt.Errorf("partition %s: sectors %d-%d are outside the MBR addressable range", p.Node, p.FirstSector, p.LastSector)
		}
		for len(t.Partitions) < n {
			t.Partitions = append(t.Partitions, &mbr.Partition{Type: mbr.Empty})
		}
		if cur := t.Partitions[n-1]; cur != nil && cur.Type != mbr.Empty {
			return fmt.Errorf("partition %s already exists", p.Node)
		}
		t.Partitions[n-1] = &mbr.Partition{
			Bootable: p.Flags.Has(device.FlagBoot),
			Type:     mbrType(p),
			Start:    uint32(p.FirstSector),
			Size:     uint32(p.Sectors()),
		}
	default:
		return fmt.Errorf("unsupported partition table %T", table)
	}

	if err := d.Partition(table); err != nil {
		return fmt.Errorf("failed to write partition %s: %w", p.Node, err)
	}
	r.Line("created %s (sectors %d-%d)", p.Node, p.FirstSector, p.LastSector)
	return nil
}

func (b *Backend) DeletePartition(ctx context.Context, r *report.Report, dev *device.Device, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDevice(dev); err != nil {
		return err
	}
	if mp, ok := b.mounts[p.Node]; ok {
		return fmt.Errorf("%s is mounted on %s", p.Node, mp)
	}
	n, err := nodepath.Index(b.node, p.Node)
	if err != nil {
		return err
	}

	d, err := b.open()
	if err != nil {
		return err
	}
	defer d.Close()

	table, err := readTable(d)
	if err != nil {
		return err
	}

	switch t := table.(type) {
	case *gpt.Table:
		if n > len(t.Partitions) || t.Partitions[n-1] == nil || t.Partitions[n-1].Type == gpt.Unused {
			return fmt.Errorf("no such partition %s", p.Node)
		}
		t.Partitions[n-1] = &gpt.Partition{Type: gpt.Unused}
		for len(t.Partitions) > 0 && t.Partitions[len(t.Partitions)-1].Type == gpt.Unused {
			t.Partitions = t.Partitions[:len(t.Partitions)-1]
		}
	case *mbr.Table:
		if n > len(t.Partitions) || t.Partitions[n-1] == nil || t.Partitions[n-1].Type == mbr.Empty {
			return fmt.Errorf("no such partition %s", p.Node)
		}
		t.Partitions[n-1] = &mbr.Partition{Type: mbr.Empty}
	default:
		return fmt.Errorf("unsupported partition table %T", table)
	}

	if err := d.Partition(table); err != nil {
		return fmt.Errorf("failed to delete partition %s: %w", p.Node, err)
	}
	r.Line("deleted %s", p.Node)
	return nil
}

// Volume label limits of the on-disk formats
const (
	fatLabelMax  = 11
	ext4LabelMax = 16
)

func clip(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.TrimSpace(s)
}

func (b *Backend) CreateFileSystem(ctx context.Context, r *report.Report, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := nodepath.Index(b.node, p.Node)
	if err != nil {
		return err
	}

	spec := disk.FilesystemSpec{Partition: n}
	switch p.FileSystem {
	case device.FSFAT32:
		spec.FSType = filesystem.TypeFat32
		spec.VolumeLabel = strings.ToUpper(clip(p.Label, fatLabelMax))
	case device.FSExt4:
		spec.FSType = filesystem.TypeExt4
		spec.VolumeLabel = clip(p.Label, ext4LabelMax)
	default:
		return fmt.Errorf("cannot create filesystem %s in an image: %w", p.FileSystem, backend.ErrNotSupported)
	}

	d, err := b.open()
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.CreateFilesystem(spec); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", p.FileSystem, p.Node, err)
	}
	r.Line("created %s on %s (label %q)", p.FileSystem, p.Node, spec.VolumeLabel)
	return nil
}

// Mount records the mount. An image file cannot be mounted without a loop
// device; the planner only needs the mount state.
func (b *Backend) Mount(ctx context.Context, r *report.Report, p *device.Partition, mountPoint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mp, ok := b.mounts[p.Node]; ok {
		return fmt.Errorf("%s is already mounted on %s", p.Node, mp)
	}
	b.mounts[p.Node] = mountPoint
	r.Line("mounted %s on %s", p.Node, mountPoint)
	return nil
}

func (b *Backend) Unmount(ctx context.Context, r *report.Report, p *device.Partition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mp, ok := b.mounts[p.Node]; ok {
		delete(b.mounts, p.Node)
		r.Line("unmounted %s from %s", p.Node, mp)
	}
	return nil
}
