package device

import (
	"fmt"
	"strings"
)

// TableType is the partition table format of a device
type TableType int

const (
	TableNone TableType = iota
	TableMBR
	TableGPT
)

func (t TableType) String() string {
	switch t {
	case TableMBR:
		return "msdos"
	case TableGPT:
		return "gpt"
	default:
		return "none"
	}
}

// ParseTableType accepts the names used by sfdisk and parted ("dos", "msdos", "mbr", "gpt")
func ParseTableType(s string) (TableType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dos", "msdos", "mbr":
		return TableMBR, nil
	case "gpt":
		return TableGPT, nil
	case "", "none":
		return TableNone, nil
	}
	return TableNone, fmt.Errorf("unknown partition table type %q", s)
}

// FileSystemType is the closed set of filesystems the planner knows about.
// Only FSFAT32, FSExt4 and FSLinuxSwap can be created.
type FileSystemType int

const (
	FSUnknown FileSystemType = iota
	FSUnformatted
	FSFAT32
	FSExt4
	FSLinuxSwap
)

func (f FileSystemType) String() string {
	switch f {
	case FSUnformatted:
		return "unformatted"
	case FSFAT32:
		return "fat32"
	case FSExt4:
		return "ext4"
	case FSLinuxSwap:
		return "linuxswap"
	default:
		return "unknown"
	}
}

// Creatable reports whether a filesystem of this type can be made on a new partition
func (f FileSystemType) Creatable() bool {
	switch f {
	case FSFAT32, FSExt4, FSLinuxSwap:
		return true
	}
	return false
}

// ParseFileSystemType parses a user supplied filesystem name. Only creatable
// types are accepted.
func ParseFileSystemType(s string) (FileSystemType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fat32", "vfat":
		return FSFAT32, nil
	case "ext4":
		return FSExt4, nil
	case "linuxswap", "swap":
		return FSLinuxSwap, nil
	}
	return FSUnknown, fmt.Errorf("unsupported filesystem type %q (want fat32, ext4 or linuxswap)", s)
}

// ProbeFileSystemType maps a probed filesystem name (blkid/lsblk FSTYPE) onto
// FileSystemType. Foreign filesystems map to FSUnknown.
func ProbeFileSystemType(s string) FileSystemType {
	switch strings.ToLower(s) {
	case "":
		return FSUnformatted
	case "vfat", "fat32":
		return FSFAT32
	case "ext4":
		return FSExt4
	case "swap":
		return FSLinuxSwap
	}
	return FSUnknown
}

// Role describes what a partition table entry is
type Role uint8

const (
	RolePrimary Role = 1 << iota
	RoleUnallocated
)

// Has reports whether all bits of o are set
func (r Role) Has(o Role) bool {
	return r&o == o
}

func (r Role) String() string {
	var parts []string
	if r.Has(RolePrimary) {
		parts = append(parts, "primary")
	}
	if r.Has(RoleUnallocated) {
		parts = append(parts, "unallocated")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Flag is a partition table flag
type Flag uint8

const (
	FlagBoot Flag = 1 << iota
)

// Has reports whether all bits of o are set
func (f Flag) Has(o Flag) bool {
	return f&o == o
}

func (f Flag) String() string {
	if f.Has(FlagBoot) {
		return "boot"
	}
	return ""
}
