package system

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsblkFixture = `{
   "blockdevices": [
      {"name":"sda", "path":"/dev/sda", "type":"disk", "size":34359738368, "model":"Samsung SSD 860 ", "log-sec":512, "fstype":null, "label":null, "mountpoint":null, "partn":null,
         "children": [
            {"name":"sda1", "path":"/dev/sda1", "type":"part", "size":268435456, "model":null, "log-sec":512, "fstype":"vfat", "label":"EFI", "mountpoint":"/boot/efi", "partn":1},
            {"name":"sda2", "path":"/dev/sda2", "type":"part", "size":10737418240, "model":null, "log-sec":512, "fstype":"ext4", "label":"root", "mountpoint":null, "partn":2}
         ]
      },
      {"name":"nvme0n1", "path":"/dev/nvme0n1", "type":"disk", "size":"17179869184", "model":"WD Blue", "log-sec":"512", "fstype":null, "label":null, "mountpoint":null, "partn":null},
      {"name":"sr0", "path":"/dev/sr0", "type":"rom", "size":1073741312, "model":"DVD", "log-sec":2048, "fstype":null, "label":null, "mountpoint":null, "partn":null}
   ]
}`

const sfdiskFixture = `{
   "partitiontable": {
      "label": "gpt",
      "id": "9A1B2C3D-0000-4000-8000-000000000000",
      "device": "/dev/sda",
      "unit": "sectors",
      "firstlba": 2048,
      "lastlba": 67108830,
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sda1", "start": 2048, "size": 524288, "type": "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "uuid": "0D6B1A4E-0000-4000-8000-000000000001", "name": "EFI System"},
         {"node": "/dev/sda2", "start": 526336, "size": 20971520, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4", "uuid": "0D6B1A4E-0000-4000-8000-000000000002"}
      ]
   }
}`

const sfdiskDOSFixture = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x1234abcd",
      "device": "/dev/sdb",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sdb1", "start": 2048, "size": 204800, "type": "83", "bootable": true},
         {"node": "/dev/sdb2", "start": 206848, "size": 2097152, "type": "5"},
         {"node": "/dev/sdb5", "start": 208896, "size": 1048576, "type": "82"}
      ]
   }
}`

type call struct {
	stdin string
	line  string
}

type fakeRunner struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeRunner) run(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, call{stdin: stdin, line: line})
	return []byte(f.outputs[line]), f.errs[line]
}

func (f *fakeRunner) lines() []string {
	var out []string
	for _, c := range f.calls {
		if c.line != "udevadm settle" {
			out = append(out, c.line)
		}
	}
	return out
}

func root() int { return 0 }

func TestScan(t *testing.T) {
	f := newFakeRunner()
	f.outputs["lsblk -J -b -o "+lsblkColumns] = lsblkFixture
	f.outputs["sfdisk --json /dev/sda"] = sfdiskFixture
	f.errs["sfdisk --json /dev/nvme0n1"] = errors.New("sfdisk failed: does not contain a recognized partition table")

	devs, err := New(WithRunner(f.run)).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 2)

	sda := devs[0]
	assert.Equal(t, "/dev/sda", sda.Node)
	assert.Equal(t, "Samsung SSD 860", sda.Model)
	assert.Equal(t, 32*units.GiB, sda.Capacity)
	assert.Equal(t, device.TableGPT, sda.TableType())
	assert.Equal(t, int64(2048), sda.Table.FirstUsableSector)
	assert.Equal(t, 2, sda.CountPrimaryPartitions())

	efi := sda.PartitionByNode("/dev/sda1")
	require.NotNil(t, efi)
	assert.Equal(t, 1, efi.Number)
	assert.Equal(t, 256*units.MiB, efi.Capacity())
	assert.Equal(t, device.FSFAT32, efi.FileSystem)
	assert.Equal(t, "EFI", efi.Label)
	assert.True(t, efi.Mounted)
	assert.Equal(t, "/boot/efi", efi.MountPoint)
	assert.True(t, efi.Flags.Has(device.FlagBoot))

	rootPart := sda.PartitionByNode("/dev/sda2")
	require.NotNil(t, rootPart)
	assert.Equal(t, device.FSExt4, rootPart.FileSystem)
	assert.False(t, rootPart.Mounted)

	parts := sda.Partitions()
	require.Len(t, parts, 3)
	assert.True(t, parts[2].IsUnallocated())
	assert.Equal(t, int64(67108830), parts[2].LastSector)

	nvme := devs[1]
	assert.Equal(t, device.TableNone, nvme.TableType())
	assert.Equal(t, 16*units.GiB, nvme.Capacity)
}

func TestBuildDeviceDOS(t *testing.T) {
	table, err := parseSfdisk([]byte(sfdiskDOSFixture))
	require.NoError(t, err)

	d := buildDevice(lsblkDevice{Path: "/dev/sdb", Size: flexInt(8 * units.GiB), LogSec: 512}, table)
	assert.Equal(t, device.TableMBR, d.TableType())
	assert.Equal(t, 2, d.CountPrimaryPartitions())

	boot := d.PartitionByNode("/dev/sdb1")
	require.NotNil(t, boot)
	assert.True(t, boot.Flags.Has(device.FlagBoot))

	ext := d.PartitionByNode("/dev/sdb2")
	require.NotNil(t, ext)
	assert.Equal(t, "extended", ext.FSName)

	logical := d.PartitionByNode("/dev/sdb5")
	require.NotNil(t, logical)
	assert.False(t, logical.Roles.Has(device.RolePrimary))
}

func TestFlexInt(t *testing.T) {
	devs, err := parseLsblk([]byte(`{"blockdevices":[{"path":"/dev/sda","size":"1024","log-sec":null}]}`))
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, flexInt(1024), devs[0].Size)
	assert.Zero(t, devs[0].LogSec)

	_, err = parseLsblk([]byte(`{"blockdevices":[{"size":"12x"}]}`))
	assert.Error(t, err)
}

func TestPartitionScript(t *testing.T) {
	boot := &device.Partition{Node: "/dev/sda1", FirstSector: 2048, LastSector: 526335, FileSystem: device.FSFAT32, Flags: device.FlagBoot}
	rootPart := &device.Partition{Node: "/dev/sda2", FirstSector: 526336, LastSector: 1050623, FileSystem: device.FSExt4}
	swap := &device.Partition{Node: "/dev/sda3", FirstSector: 1050624, LastSector: 1052671, FileSystem: device.FSLinuxSwap}

	assert.Equal(t, "/dev/sda1 : start=2048, size=524288, type=C12A7328-F81F-11D2-BA4B-00A0C93EC93B\n", partitionScript(device.TableGPT, boot))
	assert.Equal(t, "/dev/sda1 : start=2048, size=524288, type=ef, bootable\n", partitionScript(device.TableMBR, boot))
	assert.Equal(t, "/dev/sda2 : start=526336, size=524288, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4\n", partitionScript(device.TableGPT, rootPart))
	assert.Equal(t, "/dev/sda2 : start=526336, size=524288, type=83\n", partitionScript(device.TableMBR, rootPart))
	assert.Equal(t, "82", partitionType(device.TableMBR, swap))
	assert.Equal(t, "c", partitionType(device.TableMBR, &device.Partition{FileSystem: device.FSFAT32}))
}

func TestMutations(t *testing.T) {
	ctx := context.Background()
	f := newFakeRunner()
	b := New(WithRunner(f.run), WithEUID(root))
	r := report.New("test")

	dev := &device.Device{Node: "/dev/nvme0n1", Capacity: 16 * units.GiB, SectorSize: 512}
	dev.Table = device.NewPartitionTable(device.TableGPT, dev.TotalSectors())
	p := &device.Partition{Node: "/dev/nvme0n1p1", FirstSector: 2048, LastSector: 526335, SectorSize: 512,
		FileSystem: device.FSFAT32, Flags: device.FlagBoot, Label: "DELPHINOS BOOT PARTITION"}

	require.NoError(t, b.CreateTable(ctx, r, dev, device.TableMBR))
	require.NoError(t, b.CreatePartition(ctx, r, dev, p))
	require.NoError(t, b.CreateFileSystem(ctx, r, p))
	p.FileSystem, p.Label = device.FSExt4, "DelphinOS Root Partition"
	require.NoError(t, b.CreateFileSystem(ctx, r, p))
	require.NoError(t, b.DeletePartition(ctx, r, dev, p))

	assert.Equal(t, []string{
		"sfdisk --wipe always /dev/nvme0n1",
		"sfdisk --append /dev/nvme0n1",
		"mkfs.fat -F 32 -n DELPHINOS B /dev/nvme0n1p1",
		"mkfs.ext4 -F -L DelphinOS Root P /dev/nvme0n1p1",
		"sfdisk --delete /dev/nvme0n1 1",
	}, f.lines())
	assert.Equal(t, "label: dos\n", f.calls[0].stdin)
	assert.Contains(t, f.calls[2].stdin, "/dev/nvme0n1p1 : start=2048, size=524288")
}

func TestRequiresRoot(t *testing.T) {
	ctx := context.Background()
	f := newFakeRunner()
	b := New(WithRunner(f.run), WithEUID(func() int { return 1000 }))
	dev := &device.Device{Node: "/dev/sda", Capacity: units.GiB, SectorSize: 512}

	assert.ErrorIs(t, b.CreateTable(ctx, report.New("t"), dev, device.TableGPT), ErrNotRoot)
	assert.ErrorIs(t, b.Unmount(ctx, report.New("t"), &device.Partition{Node: "/dev/sda1", Mounted: true}), ErrNotRoot)
	assert.Empty(t, f.calls)
}

func TestMountUnmount(t *testing.T) {
	ctx := context.Background()
	var mounted, unmounted []string
	b := New(WithRunner(newFakeRunner().run), WithEUID(root), WithMounter(
		func(source, target, fstype string, flags uintptr, data string) error {
			mounted = append(mounted, source+" "+target+" "+fstype)
			return nil
		},
		func(target string, flags int) error {
			unmounted = append(unmounted, target)
			return nil
		},
	))

	target := filepath.Join(t.TempDir(), "new_root", "boot")
	p := &device.Partition{Node: "/dev/sda1", FileSystem: device.FSFAT32}
	require.NoError(t, b.Mount(ctx, report.New("t"), p, target))
	assert.DirExists(t, target)
	assert.Equal(t, []string{"/dev/sda1 " + target + " vfat"}, mounted)

	require.NoError(t, b.Unmount(ctx, report.New("t"), &device.Partition{Node: "/dev/sda1"}))
	assert.Empty(t, unmounted)
	require.NoError(t, b.Unmount(ctx, report.New("t"), &device.Partition{Node: "/dev/sda1", Mounted: true, MountPoint: target}))
	assert.Equal(t, []string{target}, unmounted)

	err := b.Mount(ctx, report.New("t"), &device.Partition{Node: "/dev/sda3", FileSystem: device.FSUnformatted}, target)
	assert.Error(t, err)
}
