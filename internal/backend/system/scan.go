package system

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/nodepath"
)

// lsblkColumns are the columns requested from lsblk
const lsblkColumns = "NAME,PATH,TYPE,SIZE,MODEL,LOG-SEC,FSTYPE,LABEL,MOUNTPOINT,PARTN"

// lsblkOutput represents the JSON output of lsblk -J -b
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       flexInt       `json:"size"`
	Model      string        `json:"model"`
	LogSec     flexInt       `json:"log-sec"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	MountPoint string        `json:"mountpoint"`
	PartN      flexInt       `json:"partn"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// flexInt accepts numbers and quoted numbers; lsblk switched from strings to
// numbers for numeric columns in util-linux 2.33.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

// sfdiskOutput represents the JSON output of sfdisk --json
type sfdiskOutput struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

type sfdiskTable struct {
	Label      string            `json:"label"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	FirstLBA   int64             `json:"firstlba"`
	LastLBA    int64             `json:"lastlba"`
	SectorSize int64             `json:"sectorsize"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskPartition struct {
	Node     string `json:"node"`
	Start    int64  `json:"start"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Bootable bool   `json:"bootable,omitempty"`
}

// GPT partition type GUIDs and MBR type codes
const (
	gptTypeEFI       = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	gptTypeLinux     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	gptTypeSwap      = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	gptTypeBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"

	mbrTypeEFI   = "ef"
	mbrTypeLinux = "83"
	mbrTypeSwap  = "82"
	mbrTypeFAT32 = "c"
)

func isExtended(t string) bool {
	switch strings.ToLower(t) {
	case "5", "f", "85":
		return true
	}
	return false
}

func parseLsblk(data []byte) ([]lsblkDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	return out.Blockdevices, nil
}

func parseSfdisk(data []byte) (*sfdiskTable, error) {
	var out sfdiskOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse sfdisk output: %w", err)
	}
	return &out.PartitionTable, nil
}

// isDisk reports whether an lsblk entry can carry a partition table
func isDisk(d lsblkDevice) bool {
	switch d.Type {
	case "disk", "loop", "raid0", "raid1", "raid5", "raid6", "raid10", "mpath":
		return d.Path != ""
	}
	return false
}

// buildDevice merges the lsblk view of a disk with its sfdisk table. A nil
// table means the disk has no partition table.
func buildDevice(disk lsblkDevice, table *sfdiskTable) *device.Device {
	d := &device.Device{
		Node:       disk.Path,
		Model:      strings.TrimSpace(disk.Model),
		Capacity:   int64(disk.Size),
		SectorSize: int64(disk.LogSec),
	}
	if d.SectorSize == 0 {
		d.SectorSize = 512
	}
	if table == nil {
		return d
	}
	if table.SectorSize > 0 {
		d.SectorSize = table.SectorSize
	}

	tt, err := device.ParseTableType(table.Label)
	if err != nil || tt == device.TableNone {
		return d
	}
	d.Table = device.NewPartitionTable(tt, d.TotalSectors())
	if table.FirstLBA > 0 {
		d.Table.FirstUsableSector = table.FirstLBA
	}
	if table.LastLBA > 0 {
		d.Table.LastUsableSector = table.LastLBA
	}

	children := make(map[string]lsblkDevice, len(disk.Children))
	for _, c := range disk.Children {
		children[c.Path] = c
	}

	for _, sp := range table.Partitions {
		p := &device.Partition{
			Node:        sp.Node,
			FirstSector: sp.Start,
			LastSector:  sp.Start + sp.Size - 1,
			SectorSize:  d.SectorSize,
			FileSystem:  device.FSUnformatted,
		}
		if n, err := nodepath.Index(d.Node, sp.Node); err == nil {
			p.Number = n
		}

		switch {
		case tt == device.TableGPT:
			p.Roles = device.RolePrimary
			p.Label = sp.Name
			if strings.EqualFold(sp.Type, gptTypeEFI) {
				p.Flags |= device.FlagBoot
			}
		case p.Number > 4:
			// logical partition inside the extended one
		default:
			p.Roles = device.RolePrimary
			if sp.Bootable || strings.EqualFold(sp.Type, mbrTypeEFI) {
				p.Flags |= device.FlagBoot
			}
		}

		if c, ok := children[sp.Node]; ok {
			p.FSName = c.FSType
			p.FileSystem = device.ProbeFileSystemType(c.FSType)
			if c.Label != "" {
				p.Label = c.Label
			}
			if c.MountPoint != "" {
				p.MountPoint = c.MountPoint
				p.Mounted = true
			}
		}
		if isExtended(sp.Type) {
			p.FileSystem = device.FSUnknown
			p.FSName = "extended"
		}

		d.Table.Partitions = append(d.Table.Partitions, p)
	}

	device.FillUnallocated(d)
	return d
}

// partitionType returns the sfdisk type for a new partition
func partitionType(t device.TableType, p *device.Partition) string {
	if t == device.TableGPT {
		switch {
		case p.Flags.Has(device.FlagBoot):
			return gptTypeEFI
		case p.FileSystem == device.FSLinuxSwap:
			return gptTypeSwap
		case p.FileSystem == device.FSFAT32:
			return gptTypeBasicData
		}
		return gptTypeLinux
	}

	switch {
	case p.Flags.Has(device.FlagBoot) && p.FileSystem == device.FSFAT32:
		return mbrTypeEFI
	case p.FileSystem == device.FSLinuxSwap:
		return mbrTypeSwap
	case p.FileSystem == device.FSFAT32:
		return mbrTypeFAT32
	}
	return mbrTypeLinux
}

// partitionScript is the sfdisk script line creating p
func partitionScript(t device.TableType, p *device.Partition) string {
	line := fmt.Sprintf("%s : start=%d, size=%d, type=%s", p.Node, p.FirstSector, p.Sectors(), partitionType(t, p))
	if t == device.TableMBR && p.Flags.Has(device.FlagBoot) {
		line += ", bootable"
	}
	return line + "\n"
}
