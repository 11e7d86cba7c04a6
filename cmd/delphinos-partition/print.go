package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/delphinos/delphinos-partition/internal/planner"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/dustin/go-humanize"
)

// PrintJSON writes v as indented JSON to stdout
func PrintJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type deviceJSON struct {
	Index      int    `json:"index"`
	Node       string `json:"node"`
	Model      string `json:"model,omitempty"`
	Capacity   int64  `json:"capacity"`
	Size       string `json:"size"`
	SectorSize int64  `json:"sector_size"`
	Table      string `json:"table"`
	Partitions int    `json:"partitions"`
	Selected   bool   `json:"selected"`
}

type rowJSON struct {
	Row         int    `json:"row"`
	Node        string `json:"node,omitempty"`
	Free        bool   `json:"free"`
	FileSystem  string `json:"filesystem,omitempty"`
	Label       string `json:"label,omitempty"`
	FirstSector int64  `json:"first_sector"`
	LastSector  int64  `json:"last_sector"`
	Capacity    int64  `json:"capacity"`
	Size        string `json:"size"`
	MountPoint  string `json:"mount_point,omitempty"`
	Flags       string `json:"flags,omitempty"`
	Primary     bool   `json:"primary"`
}

type showJSON struct {
	Device      deviceJSON           `json:"device"`
	Rows        []rowJSON            `json:"rows"`
	Actions     planner.Actions      `json:"actions"`
	InstallPair *planner.InstallPair `json:"install_pair,omitempty"`
}

type selectionJSON struct {
	Device                  string          `json:"device"`
	Partition               rowJSON         `json:"partition"`
	MaxSystemSizeBytes      int64           `json:"max_system_size_bytes,omitempty"`
	MaxSystemSizeRoundedGiB float64         `json:"max_system_size_gib,omitempty"`
	MinSystemSizeGiB        float64         `json:"min_system_size_gib,omitempty"`
	CanCreateSystem         bool            `json:"can_create_system"`
	Actions                 planner.Actions `json:"actions"`
}

func toDeviceJSON(i int, d *device.Device, selected bool) deviceJSON {
	return deviceJSON{
		Index:      i,
		Node:       d.Node,
		Model:      d.Model,
		Capacity:   d.Capacity,
		Size:       units.HumanSize(d.Capacity),
		SectorSize: d.SectorSize,
		Table:      d.TableType().String(),
		Partitions: len(d.Partitions()),
		Selected:   selected,
	}
}

func toRowJSON(row int, p *device.Partition) rowJSON {
	r := rowJSON{
		Row:         row,
		Free:        p.IsUnallocated(),
		FirstSector: p.FirstSector,
		LastSector:  p.LastSector,
		Capacity:    p.Capacity(),
		Size:        units.HumanSize(p.Capacity()),
		Primary:     p.Roles.Has(device.RolePrimary),
		Flags:       p.Flags.String(),
	}
	if !r.Free {
		r.Node = p.Node
		r.FileSystem = p.DisplayFileSystem()
		r.Label = p.Label
		r.MountPoint = p.MountPoint
	}
	return r
}

func selectedIndex(p *planner.Planner) int {
	d := p.SelectedDevice()
	for i, dev := range p.Devices() {
		if dev == d {
			return i
		}
	}
	return -1
}

func printDevices(p *planner.Planner) {
	devs := p.Devices()
	if len(devs) == 0 {
		fmt.Println("No devices found.")
		return
	}
	sel := selectedIndex(p)

	fmt.Printf("  %-3s %-16s %-28s %12s  %-6s %s\n", "#", "DEVICE", "MODEL", "SIZE", "TABLE", "PARTITIONS")
	for i, d := range devs {
		marker := " "
		if i == sel {
			marker = "*"
		}
		fmt.Printf("%s %-3d %-16s %-28s %12s  %-6s %d\n",
			marker, i, d.Node, truncate(d.Model, 28), units.HumanSize(d.Capacity), d.TableType(), d.CountPrimaryPartitions())
	}
}

func printPartitions(d *device.Device, selected *device.Partition) {
	fmt.Printf("%s  %s  %s (%s)  table: %s\n", d.Node, d.Model, units.HumanSize(d.Capacity), humanize.Comma(d.Capacity), d.TableType())
	parts := d.Partitions()
	if len(parts) == 0 {
		fmt.Println("  no partition table")
		return
	}

	fmt.Printf("  %-4s %-18s %-10s %-26s %12s  %-20s %s\n", "ROW", "PARTITION", "FS", "LABEL", "SIZE", "MOUNT POINT", "FLAGS")
	for row, p := range parts {
		marker := " "
		if p == selected {
			marker = "*"
		}
		fs := ""
		if !p.IsUnallocated() {
			fs = p.DisplayFileSystem()
		}
		fmt.Printf("%s %-4d %-18s %-10s %-26s %12s  %-20s %s\n",
			marker, row, p.DisplayName(), fs, truncate(p.Label, 26), units.HumanSize(p.Capacity()), p.MountPoint, p.Flags)
	}
}

func printActions(a planner.Actions) {
	var on []string
	for _, x := range []struct {
		name string
		ok   bool
	}{
		{"create-partition", a.CreatePartition},
		{"install", a.CreateSystem},
		{"delete", a.DeletePartition},
		{"mount", a.Mount},
		{"unmount", a.Unmount},
		{"create-table", a.CreateTable},
	} {
		if x.ok {
			on = append(on, x.name)
		}
	}
	if len(on) == 0 {
		on = []string{"none"}
	}
	fmt.Printf("Available: %s\n", strings.Join(on, ", "))
}

func printSelection(sel planner.Selection) {
	part := sel.Partition
	fmt.Printf("Selected %s on %s: %s\n", part.DisplayName(), sel.Device.Node, units.HumanSize(part.Capacity()))
	if !part.IsUnallocated() {
		if part.Mounted {
			fmt.Printf("  mounted on %s\n", part.MountPoint)
		}
		return
	}
	fmt.Printf("  system size: %.2f GiB max", sel.MaxSystemSizeRoundedGiB)
	if sel.MinSystemSizeGiB > 0 {
		fmt.Printf(", %.0f GiB recommended minimum", sel.MinSystemSizeGiB)
	}
	fmt.Println()
	if !sel.CanCreateSystem {
		fmt.Println("  the system partitions already exist")
	}
}

func printBatches(batches []*journal.Batch) {
	if len(batches) == 0 {
		fmt.Println("No journaled changes.")
		return
	}
	fmt.Printf("%-8s  %-16s %-20s %-14s %-12s %s\n", "ID", "WHEN", "KIND", "DEVICE", "STATUS", "OPS")
	for _, b := range batches {
		fmt.Printf("%-8s  %-16s %-20s %-14s %-12s %d\n",
			truncate(b.ID, 8), humanize.Time(b.StartedAt), b.Kind, b.Device, b.Status, len(b.Operations))
	}
}

func printBatch(b *journal.Batch) {
	fmt.Printf("Batch %s (%s)\n", b.ID, b.Kind)
	fmt.Printf("  device:   %s\n", b.Device)
	fmt.Printf("  backend:  %s\n", b.Backend)
	fmt.Printf("  status:   %s\n", b.Status)
	fmt.Printf("  started:  %s (%s)\n", b.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(b.StartedAt))
	fmt.Printf("  duration: %s\n", b.FinishedAt.Sub(b.StartedAt).Round(time.Millisecond))
	if b.Error != "" {
		fmt.Printf("  error:    %s\n", b.Error)
	}
	for _, op := range b.Operations {
		fmt.Printf("\n  %d. [%s] %s\n", op.Seq, op.Status, op.Description)
		for _, line := range strings.Split(strings.TrimRight(op.Report, "\n"), "\n") {
			if line != "" {
				fmt.Printf("       %s\n", line)
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
