package device

import (
	"math"
	"testing"

	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 10 GiB GPT disk with 512 byte sectors
func testDevice(parts ...*Partition) *Device {
	d := &Device{
		Node:       "/dev/sda",
		Capacity:   10 * units.GiB,
		SectorSize: 512,
		Table: &PartitionTable{
			Type:              TableGPT,
			FirstUsableSector: 34,
			LastUsableSector:  10*units.GiB/512 - 34,
			Partitions:        parts,
		},
	}
	FillUnallocated(d)
	return d
}

func primary(n int, first, last int64) *Partition {
	return &Partition{
		Number:      n,
		Node:        "/dev/sda" + string(rune('0'+n)),
		FirstSector: first,
		LastSector:  last,
		SectorSize:  512,
		Roles:       RolePrimary,
		FileSystem:  FSExt4,
	}
}

func TestCapacity(t *testing.T) {
	p := &Partition{FirstSector: 2048, LastSector: 2048 + 524288 - 1, SectorSize: 512}
	assert.Equal(t, 256*units.MiB, p.Capacity())
	assert.Equal(t, int64(524288), p.Sectors())

	empty := &Partition{FirstSector: 10, LastSector: 5, SectorSize: 512}
	assert.Zero(t, empty.Capacity())
}

func TestFillUnallocatedEmptyTable(t *testing.T) {
	d := testDevice()
	parts := d.Partitions()
	require.Len(t, parts, 1)
	assert.True(t, parts[0].IsUnallocated())
	assert.Equal(t, int64(2048), parts[0].FirstSector, "free space starts on a MiB boundary")
	assert.Equal(t, d.Table.LastUsableSector, parts[0].LastSector)
}

func TestFillUnallocatedGaps(t *testing.T) {
	// out of order on purpose
	d := testDevice(
		primary(2, 4*units.GiB/512, 6*units.GiB/512-1),
		primary(1, 2048, units.GiB/512-1),
	)

	parts := d.Partitions()
	require.Len(t, parts, 4)
	assert.Equal(t, 1, parts[0].Number)
	assert.True(t, parts[1].IsUnallocated())
	assert.Equal(t, units.GiB/512, parts[1].FirstSector)
	assert.Equal(t, 4*units.GiB/512-1, parts[1].LastSector)
	assert.Equal(t, 3*units.GiB, parts[1].Capacity())
	assert.Equal(t, 2, parts[2].Number)
	assert.True(t, parts[3].IsUnallocated())

	for i := 1; i < len(parts); i++ {
		assert.Less(t, parts[i-1].LastSector, parts[i].FirstSector, "entries must not overlap")
	}
}

func TestFillUnallocatedIdempotent(t *testing.T) {
	d := testDevice(primary(1, 2048, units.GiB/512-1))
	before := len(d.Partitions())
	FillUnallocated(d)
	assert.Len(t, d.Partitions(), before)
}

func TestFillUnallocatedSkipsTinyGaps(t *testing.T) {
	// 100 sectors between the partitions, less than one MiB
	d := testDevice(
		primary(1, 2048, 4095),
		primary(2, 4196, lastUsable10GiB()),
	)
	for _, p := range d.Partitions() {
		assert.False(t, p.IsUnallocated(), "unexpected free extent %s", p)
	}
}

func lastUsable10GiB() int64 { return 10*units.GiB/512 - 34 }

func TestFitsFreeExtent(t *testing.T) {
	d := testDevice(primary(1, 2048, units.GiB/512-1))
	free := d.Partitions()[1]
	require.True(t, free.IsUnallocated())

	inside := &Partition{FirstSector: free.FirstSector, LastSector: free.FirstSector + 1000, SectorSize: 512}
	assert.True(t, FitsFreeExtent(d, inside))

	whole := &Partition{FirstSector: free.FirstSector, LastSector: free.LastSector, SectorSize: 512}
	assert.True(t, FitsFreeExtent(d, whole))

	overlapping := &Partition{FirstSector: 4096, LastSector: free.FirstSector + 10, SectorSize: 512}
	assert.False(t, FitsFreeExtent(d, overlapping))

	pastEnd := &Partition{FirstSector: free.FirstSector, LastSector: free.LastSector + 1, SectorSize: 512}
	assert.False(t, FitsFreeExtent(d, pastEnd))

	inverted := &Partition{FirstSector: free.FirstSector + 10, LastSector: free.FirstSector, SectorSize: 512}
	assert.False(t, FitsFreeExtent(d, inverted))

	noTable := &Device{Node: "/dev/sdb", SectorSize: 512}
	assert.False(t, FitsFreeExtent(noTable, inside))
}

func TestCountPrimaryPartitions(t *testing.T) {
	d := testDevice(primary(1, 2048, 4095), primary(2, 8192, 16383))
	assert.Equal(t, 2, d.CountPrimaryPartitions())
	assert.NotNil(t, d.PartitionByNode("/dev/sda2"))
	assert.Nil(t, d.PartitionByNode("/dev/sda9"))
}

func TestCloneIsDeep(t *testing.T) {
	d := testDevice(primary(1, 2048, 4095))
	c := d.Clone()
	c.Table.Partitions[0].Label = "changed"
	assert.Empty(t, d.Table.Partitions[0].Label)
}

func TestSnapshotResolve(t *testing.T) {
	d := testDevice(primary(1, 2048, 4095))
	s := NewSnapshot(3, []*Device{d})

	dev, part, err := s.Resolve(s.PartitionHandle(0, 0))
	require.NoError(t, err)
	assert.Same(t, d, dev)
	assert.Equal(t, "/dev/sda1", part.Node)

	dev, part, err = s.Resolve(s.DeviceHandle(0))
	require.NoError(t, err)
	assert.Same(t, d, dev)
	assert.Nil(t, part)

	_, _, err = s.Resolve(s.PartitionHandle(0, 99))
	assert.ErrorIs(t, err, ErrInvalidSelection)
	_, _, err = s.Resolve(s.DeviceHandle(5))
	assert.ErrorIs(t, err, ErrInvalidSelection)
	assert.NotErrorIs(t, err, ErrStaleHandle)

	next := NewSnapshot(4, []*Device{d.Clone()})
	_, _, err = next.Resolve(s.PartitionHandle(0, 0))
	assert.ErrorIs(t, err, ErrStaleHandle)

	assert.Equal(t, 0, next.DeviceByNode("/dev/sda"))
	assert.Equal(t, -1, next.DeviceByNode("/dev/sdz"))
}

func TestParseTypes(t *testing.T) {
	tt, err := ParseTableType("dos")
	require.NoError(t, err)
	assert.Equal(t, TableMBR, tt)
	tt, err = ParseTableType("GPT")
	require.NoError(t, err)
	assert.Equal(t, TableGPT, tt)
	_, err = ParseTableType("apm")
	assert.Error(t, err)

	fs, err := ParseFileSystemType("vfat")
	require.NoError(t, err)
	assert.Equal(t, FSFAT32, fs)
	_, err = ParseFileSystemType("ntfs")
	assert.Error(t, err)

	assert.Equal(t, FSUnknown, ProbeFileSystemType("ntfs"))
	assert.Equal(t, FSUnformatted, ProbeFileSystemType(""))
	assert.True(t, FSLinuxSwap.Creatable())
	assert.False(t, FSUnknown.Creatable())
}

func TestRoleAndFlags(t *testing.T) {
	r := RolePrimary | RoleUnallocated
	assert.True(t, r.Has(RolePrimary))
	assert.Equal(t, "primary,unallocated", r.String())
	assert.Equal(t, "boot", FlagBoot.String())
	assert.Equal(t, "", Flag(0).String())
}

func TestNewPartitionTable(t *testing.T) {
	d := &Device{Node: "/dev/sdb", Capacity: units.GiB, SectorSize: 512}
	d.Table = NewPartitionTable(TableGPT, d.TotalSectors())
	FillUnallocated(d)
	require.Len(t, d.Partitions(), 1)
	free := d.Partitions()[0]
	assert.Equal(t, int64(2048), free.FirstSector)
	assert.Equal(t, units.GiB/512-34, free.LastSector)

	mbr := NewPartitionTable(TableMBR, 1000)
	assert.Equal(t, int64(1), mbr.FirstUsableSector)
	assert.Equal(t, int64(999), mbr.LastUsableSector)

	// 4 TiB disk: MBR entries only address 2^32 sectors, GPT is not clamped
	huge := 4 * units.TiB / 512
	assert.Equal(t, int64(math.MaxUint32), NewPartitionTable(TableMBR, huge).LastUsableSector)
	assert.Equal(t, huge-34, NewPartitionTable(TableGPT, huge).LastUsableSector)
}
