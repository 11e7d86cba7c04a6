package image

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/report"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, size int64) *Backend {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "disk.img"), "/dev/loop0", size)
	require.NoError(t, err)
	return b
}

func scanOne(t *testing.T, b *Backend) *device.Device {
	t.Helper()
	devs, err := b.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	return devs[0]
}

func TestNewValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "missing.img"), "/dev/loop0", 0)
	assert.Error(t, err)

	_, err = New(filepath.Join(dir, "disk.img"), "/dev/xyz0", units.GiB)
	assert.Error(t, err)
}

func TestScanBlankImage(t *testing.T) {
	b := newImage(t, units.GiB)
	dev := scanOne(t, b)

	assert.Equal(t, "/dev/loop0", dev.Node)
	assert.Equal(t, units.GiB, dev.Capacity)
	assert.Equal(t, device.TableNone, dev.TableType())
}

func TestGPTLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newImage(t, units.GiB)
	r := report.New("test")

	dev := scanOne(t, b)
	require.NoError(t, b.CreateTable(ctx, r, dev, device.TableGPT))

	dev = scanOne(t, b)
	require.Equal(t, device.TableGPT, dev.TableType())
	parts := dev.Partitions()
	require.Len(t, parts, 1)
	require.True(t, parts[0].IsUnallocated())

	boot := &device.Partition{
		Node:        "/dev/loop0p1",
		FirstSector: 2048,
		LastSector:  2048 + 256*units.MiB/512 - 1,
		SectorSize:  512,
		FileSystem:  device.FSFAT32,
		Flags:       device.FlagBoot,
		Label:       "DelphinOS Boot",
	}
	require.NoError(t, b.CreatePartition(ctx, r, dev, boot))
	assert.Error(t, b.CreatePartition(ctx, r, dev, boot))
	require.NoError(t, b.CreateFileSystem(ctx, r, boot))

	dev = scanOne(t, b)
	got := dev.PartitionByNode("/dev/loop0p1")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Number)
	assert.Equal(t, boot.FirstSector, got.FirstSector)
	assert.Equal(t, boot.LastSector, got.LastSector)
	assert.True(t, got.Flags.Has(device.FlagBoot))
	assert.Equal(t, device.FSFAT32, got.FileSystem)
	assert.Equal(t, 1, dev.CountPrimaryPartitions())

	require.NoError(t, b.Mount(ctx, r, got, "/mnt/new_root/boot"))
	assert.Error(t, b.Mount(ctx, r, got, "/mnt/new_root/boot"))
	got = scanOne(t, b).PartitionByNode("/dev/loop0p1")
	assert.True(t, got.Mounted)
	assert.Equal(t, "/mnt/new_root/boot", got.MountPoint)
	assert.Error(t, b.DeletePartition(ctx, r, dev, got))

	require.NoError(t, b.Unmount(ctx, r, got))
	require.NoError(t, b.DeletePartition(ctx, r, dev, got))
	dev = scanOne(t, b)
	assert.Nil(t, dev.PartitionByNode("/dev/loop0p1"))
	assert.Zero(t, dev.CountPrimaryPartitions())
}

func TestMBRPartitionNumbers(t *testing.T) {
	ctx := context.Background()
	b := newImage(t, units.GiB)
	r := report.New("test")

	dev := scanOne(t, b)
	require.NoError(t, b.CreateTable(ctx, r, dev, device.TableMBR))

	second := &device.Partition{
		Node:        "/dev/loop0p2",
		FirstSector: 2048,
		LastSector:  2048 + 64*units.MiB/512 - 1,
		SectorSize:  512,
		FileSystem:  device.FSExt4,
	}
	require.NoError(t, b.CreatePartition(ctx, r, dev, second))

	dev = scanOne(t, b)
	assert.Equal(t, device.TableMBR, dev.TableType())
	got := dev.PartitionByNode("/dev/loop0p2")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Number)
	assert.Equal(t, second.Sectors(), got.Sectors())
	assert.Nil(t, dev.PartitionByNode("/dev/loop0p1"))

	fifth := &device.Partition{Node: "/dev/loop0p5", FirstSector: 200000, LastSector: 300000, SectorSize: 512}
	assert.Error(t, b.CreatePartition(ctx, r, dev, fifth))

	// 32-bit MBR entries cannot address past 2 TiB
	far := &device.Partition{Node: "/dev/loop0p3", FirstSector: device.MBRMaxSector - 10, LastSector: device.MBRMaxSector + 2047, SectorSize: 512}
	assert.ErrorContains(t, b.CreatePartition(ctx, r, dev, far), "addressable range")
}

func TestForeignDevice(t *testing.T) {
	ctx := context.Background()
	b := newImage(t, units.GiB)
	other := &device.Device{Node: "/dev/sda", Capacity: units.GiB, SectorSize: 512}

	assert.Error(t, b.CreateTable(ctx, report.New("t"), other, device.TableGPT))
	assert.ErrorContains(t, b.CreateFileSystem(ctx, report.New("t"),
		&device.Partition{Node: "/dev/loop0p1", FileSystem: device.FSLinuxSwap}), "not supported")
}
