// Package device models block devices and their partition tables as seen
// by a scan. A scan result is immutable for the planner: every rescan
// replaces it as a whole.
package device

import (
	"fmt"
	"math"

	"github.com/delphinos/delphinos-partition/internal/units"
	"golang.org/x/exp/slices"
)

// Partition is one entry of a partition table, or a free extent when it
// carries RoleUnallocated. Sector bounds are inclusive.
type Partition struct {
	Number      int            `json:"number,omitempty"`
	Node        string         `json:"node,omitempty"`
	Label       string         `json:"label,omitempty"`
	FileSystem  FileSystemType `json:"-"`
	FSName      string         `json:"filesystem,omitempty"`
	FirstSector int64          `json:"first_sector"`
	LastSector  int64          `json:"last_sector"`
	SectorSize  int64          `json:"sector_size"`
	MountPoint  string         `json:"mount_point,omitempty"`
	Mounted     bool           `json:"mounted"`
	Roles       Role           `json:"-"`
	Flags       Flag           `json:"-"`
}

// Capacity returns the partition size in bytes
func (p *Partition) Capacity() int64 {
	if p.LastSector < p.FirstSector {
		return 0
	}
	return (p.LastSector - p.FirstSector + 1) * p.SectorSize
}

// Sectors returns the number of sectors covered by the partition
func (p *Partition) Sectors() int64 {
	return p.LastSector - p.FirstSector + 1
}

// Overlaps reports whether the sector ranges of p and o intersect
func (p *Partition) Overlaps(o *Partition) bool {
	return p.FirstSector <= o.LastSector && o.FirstSector <= p.LastSector
}

// Contains reports whether o lies entirely within p
func (p *Partition) Contains(o *Partition) bool {
	return o.FirstSector >= p.FirstSector && o.LastSector <= p.LastSector
}

// IsUnallocated is shorthand for Roles.Has(RoleUnallocated)
func (p *Partition) IsUnallocated() bool {
	return p.Roles.Has(RoleUnallocated)
}

// DisplayName returns the node path, or a placeholder for free space
func (p *Partition) DisplayName() string {
	if p.IsUnallocated() {
		return "unallocated"
	}
	return p.Node
}

// DisplayFileSystem returns the filesystem name as it should be shown to a user
func (p *Partition) DisplayFileSystem() string {
	if p.FSName != "" {
		return p.FSName
	}
	return p.FileSystem.String()
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s [%d-%d] %s", p.DisplayName(), p.FirstSector, p.LastSector, units.HumanSize(p.Capacity()))
}

// Clone returns a copy of p
func (p *Partition) Clone() *Partition {
	c := *p
	return &c
}

// PartitionTable holds the entries of a device's partition table, real
// partitions and unallocated extents, ordered by first sector.
type PartitionTable struct {
	Type              TableType    `json:"type"`
	FirstUsableSector int64        `json:"first_usable_sector"`
	LastUsableSector  int64        `json:"last_usable_sector"`
	Partitions        []*Partition `json:"partitions"`
}

// Device is a block device and its partition table
type Device struct {
	Node       string          `json:"node"`
	Model      string          `json:"model,omitempty"`
	Capacity   int64           `json:"capacity"`
	SectorSize int64           `json:"sector_size"`
	Table      *PartitionTable `json:"table,omitempty"`
}

// TableType returns the table type, TableNone for a device without a table
func (d *Device) TableType() TableType {
	if d.Table == nil {
		return TableNone
	}
	return d.Table.Type
}

// Partitions returns every table entry, including unallocated extents
func (d *Device) Partitions() []*Partition {
	if d.Table == nil {
		return nil
	}
	return d.Table.Partitions
}

// CountPrimaryPartitions counts real primary partitions
func (d *Device) CountPrimaryPartitions() int {
	n := 0
	for _, p := range d.Partitions() {
		if p.Roles.Has(RolePrimary) && !p.IsUnallocated() {
			n++
		}
	}
	return n
}

// PartitionByNode finds a real partition by its node path
func (d *Device) PartitionByNode(node string) *Partition {
	for _, p := range d.Partitions() {
		if !p.IsUnallocated() && p.Node == node {
			return p
		}
	}
	return nil
}

// TotalSectors returns the device size in sectors
func (d *Device) TotalSectors() int64 {
	if d.SectorSize == 0 {
		return 0
	}
	return d.Capacity / d.SectorSize
}

// Clone returns a deep copy of d
func (d *Device) Clone() *Device {
	c := *d
	if d.Table != nil {
		t := *d.Table
		t.Partitions = make([]*Partition, len(d.Table.Partitions))
		for i, p := range d.Table.Partitions {
			t.Partitions[i] = p.Clone()
		}
		c.Table = &t
	}
	return &c
}

// Alignment returns the number of sectors in one MiB, the boundary free
// extents start on.
func (d *Device) Alignment() int64 {
	if d.SectorSize <= 0 || units.MiB < d.SectorSize {
		return 1
	}
	return units.MiB / d.SectorSize
}

// FillUnallocated drops any existing unallocated entries, sorts the real
// partitions by first sector and inserts an unallocated extent for every
// gap inside the usable range. Gap starts are aligned up to 1 MiB; gaps
// smaller than one alignment unit are not reported.
func FillUnallocated(d *Device) {
	if d.Table == nil {
		return
	}

	var used []*Partition
	for _, p := range d.Table.Partitions {
		if !p.IsUnallocated() {
			used = append(used, p)
		}
	}
	slices.SortFunc(used, func(a, b *Partition) int {
		switch {
		case a.FirstSector < b.FirstSector:
			return -1
		case a.FirstSector > b.FirstSector:
			return 1
		}
		return 0
	})

	align := d.Alignment()
	var out []*Partition
	addGap := func(first, last int64) {
		if r := first % align; r != 0 {
			first += align - r
		}
		if last-first+1 < align {
			return
		}
		out = append(out, &Partition{
			FirstSector: first,
			LastSector:  last,
			SectorSize:  d.SectorSize,
			Roles:       RoleUnallocated,
			FileSystem:  FSUnformatted,
		})
	}

	next := d.Table.FirstUsableSector
	for _, p := range used {
		if p.FirstSector > next {
			addGap(next, p.FirstSector-1)
		}
		out = append(out, p)
		if p.LastSector+1 > next {
			next = p.LastSector + 1
		}
	}
	if next <= d.Table.LastUsableSector {
		addGap(next, d.Table.LastUsableSector)
	}

	d.Table.Partitions = out
}

// FitsFreeExtent reports whether p can be laid out on d: it has a valid
// sector range, lies entirely inside a single unallocated extent and does
// not overlap any real partition.
func FitsFreeExtent(d *Device, p *Partition) bool {
	if d.Table == nil || p.FirstSector > p.LastSector || p.FirstSector < d.Table.FirstUsableSector {
		return false
	}
	if p.LastSector > d.Table.LastUsableSector {
		return false
	}

	inside := false
	for _, e := range d.Table.Partitions {
		if e.IsUnallocated() {
			if e.Contains(p) {
				inside = true
			}
			continue
		}
		if e.Overlaps(p) {
			return false
		}
	}
	return inside
}

// MBRMaxSector is the last sector an MBR entry can address (32-bit LBA)
const MBRMaxSector = math.MaxUint32

// NewPartitionTable returns an empty table of type t for a device of
// totalSectors sectors, with the usable range sfdisk would report.
func NewPartitionTable(t TableType, totalSectors int64) *PartitionTable {
	pt := &PartitionTable{Type: t}
	switch t {
	case TableGPT:
		// protective MBR + header + 128 entries at both ends
		pt.FirstUsableSector = 34
		pt.LastUsableSector = totalSectors - 34
	default:
		pt.FirstUsableSector = 1
		pt.LastUsableSector = totalSectors - 1
		if t == TableMBR && pt.LastUsableSector > MBRMaxSector {
			pt.LastUsableSector = MBRMaxSector
		}
	}
	return pt
}
