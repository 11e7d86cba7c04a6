package main

import (
	"context"
	"testing"

	"github.com/delphinos/delphinos-partition/internal/backend/memory"
	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/planner"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) *session {
	t.Helper()
	sda := &device.Device{Node: "/dev/sda", Capacity: 32 * units.GiB, SectorSize: 512}
	sda.Table = device.NewPartitionTable(device.TableGPT, sda.TotalSectors())
	sda.Table.Partitions = []*device.Partition{{
		Number: 1, Node: "/dev/sda1", FirstSector: 2048, LastSector: 2048 + units.GiB/512 - 1,
		SectorSize: 512, FileSystem: device.FSExt4, FSName: "ext4", Roles: device.RolePrimary,
	}}
	vdb := &device.Device{Node: "/dev/vdb", Capacity: 16 * units.GiB, SectorSize: 512}
	vdb.Table = device.NewPartitionTable(device.TableMBR, vdb.TotalSectors())

	p := planner.New(memory.New(sda, vdb))
	require.NoError(t, p.ScanDevices(context.Background()))

	current = &session{planner: p}
	t.Cleanup(func() { current = nil })
	return current
}

func TestParseGiB(t *testing.T) {
	for in, want := range map[string]float64{
		"20":     20,
		"12.5":   12.5,
		"20GiB":  20,
		"512MiB": 0.5,
		" 1TiB ": 1024,
	} {
		got, err := parseGiB(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}

	_, err := parseGiB("lots")
	assert.Error(t, err)
}

func TestSelectTarget(t *testing.T) {
	s := testSession(t)
	p := s.planner

	sel, err := selectTarget(p, "/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda1", sel.Partition.Node)

	sel, err = selectTarget(p, "1")
	require.NoError(t, err)
	assert.True(t, sel.Partition.IsUnallocated())
	assert.Greater(t, sel.MaxSystemSizeRoundedGiB, 30.0)

	_, err = selectTarget(p, "/dev/sdz9")
	assert.ErrorIs(t, err, planner.ErrInvalidSelection)

	_, err = selectTarget(p, "99")
	assert.ErrorIs(t, err, planner.ErrInvalidSelection)
}

func TestSelectTargetSwitchesDevice(t *testing.T) {
	s := testSession(t)
	p := s.planner
	require.NoError(t, p.SelectDeviceByNode("/dev/vdb"))

	_, err := selectTarget(p, "/dev/sda1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", p.SelectedDevice().Node)
}

func TestResetFlags(t *testing.T) {
	require.NoError(t, showCmd.Flags().Set("json", "true"))
	require.NoError(t, rootCmd.PersistentFlags().Set("device", "/dev/sdb"))

	resetFlags(rootCmd)

	jsonOut, _ := showCmd.Flags().GetBool("json")
	assert.False(t, jsonOut)
	assert.Empty(t, deviceNode)
}

func TestConfirmAssumeYes(t *testing.T) {
	assumeYes = true
	t.Cleanup(func() { assumeYes = false })
	assert.True(t, confirm(planner.Warning{Kind: planner.WarnDestroyTable, Message: "wipe /dev/sda"}))
}

func TestDryRunInstall(t *testing.T) {
	s := testSession(t)
	p := s.planner
	require.NoError(t, p.SelectDeviceByNode("/dev/sda"))

	rootCmd.SetArgs([]string{"install", "1", "--size", "20GiB"})
	inShell = true
	t.Cleanup(func() { inShell = false; resetFlags(rootCmd) })
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	pair, ok := p.InstallPair()
	require.True(t, ok)
	assert.Equal(t, "/dev/sda2", pair.Boot)
	assert.Equal(t, "/dev/sda3", pair.Root)
}
