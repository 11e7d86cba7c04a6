package backend

import (
	"testing"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/stretchr/testify/assert"
)

func mbrWithSlots(numbers ...int) *device.Device {
	d := &device.Device{Node: "/dev/sda", Capacity: 16 * units.GiB, SectorSize: 512}
	d.Table = device.NewPartitionTable(device.TableMBR, d.TotalSectors())
	first := int64(2048)
	for _, n := range numbers {
		last := first + units.GiB/512 - 1
		d.Table.Partitions = append(d.Table.Partitions, &device.Partition{
			Number: n, Node: "/dev/sda" + string(rune('0'+n)),
			FirstSector: first, LastSector: last, SectorSize: 512, Roles: device.RolePrimary,
		})
		first = last + 1
	}
	device.FillUnallocated(d)
	return d
}

func TestCanCreateOnMBRSlots(t *testing.T) {
	d := mbrWithSlots(1, 3)
	free := d.Partitions()[len(d.Partitions())-1]
	fits := func(node string) bool {
		return CanCreateOn(d, &device.Partition{
			Node: node, FirstSector: free.FirstSector, LastSector: free.FirstSector + 2047, SectorSize: 512,
		})
	}

	assert.True(t, fits("/dev/sda2"))
	assert.True(t, fits("/dev/sda4"))
	assert.False(t, fits("/dev/sda5"))
	assert.False(t, fits("/dev/sdb2"))
	assert.True(t, fits(""))

	full := mbrWithSlots(1, 2, 3, 4)
	last := full.Partitions()[len(full.Partitions())-1]
	assert.False(t, CanCreateOn(full, &device.Partition{FirstSector: last.FirstSector, LastSector: last.FirstSector + 2047}))
}

func TestCanCreateOnNeedsTable(t *testing.T) {
	d := &device.Device{Node: "/dev/sda", Capacity: units.GiB, SectorSize: 512}
	assert.False(t, CanCreateOn(d, &device.Partition{Node: "/dev/sda1", FirstSector: 2048, LastSector: 4095}))
}
