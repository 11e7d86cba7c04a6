package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/device"
	"github.com/delphinos/delphinos-partition/internal/planner"
	"github.com/delphinos/delphinos-partition/internal/units"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List block devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		if !jsonOut {
			printDevices(s.planner)
			return nil
		}

		sel := selectedIndex(s.planner)
		out := []deviceJSON{}
		for i, d := range s.planner.Devices() {
			out = append(out, toDeviceJSON(i, d, i == sel))
		}
		return PrintJSON(out)
	},
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Scan devices again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		if err := s.planner.ScanDevices(cmd.Context()); err != nil {
			return err
		}
		printDevices(s.planner)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [device]",
	Short: "Show the partition table of a device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		p := s.planner
		if len(args) == 1 {
			if err := p.SelectDeviceByNode(args[0]); err != nil {
				return err
			}
		}
		d := p.SelectedDevice()
		if d == nil {
			return fmt.Errorf("no devices found")
		}

		var selected *device.Partition
		if sel, err := p.Selection(); err == nil {
			selected = sel.Partition
		}
		pair, hasPair := p.InstallPair()

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			out := showJSON{
				Device:  toDeviceJSON(selectedIndex(p), d, true),
				Rows:    []rowJSON{},
				Actions: p.Actions(),
			}
			for row, part := range d.Partitions() {
				out.Rows = append(out.Rows, toRowJSON(row, part))
			}
			if hasPair {
				out.InstallPair = &pair
			}
			return PrintJSON(out)
		}

		printPartitions(d, selected)
		if hasPair && pair.Device == d.Node {
			fmt.Printf("\nSystem partitions: boot %s, root %s\n", pair.Boot, pair.Root)
		}
		fmt.Println()
		printActions(p.Actions())
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <row|partition>",
	Short: "Select a table row or partition",
	Long: `Select a row of the partition table shown by "show", or a partition by
its node path. Free space rows also show the system size bounds for "install".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		sel, err := selectTarget(s.planner, args[0])
		if err != nil {
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			row, _ := strconv.Atoi(args[0])
			return PrintJSON(selectionJSON{
				Device:                  sel.Device.Node,
				Partition:               toRowJSON(row, sel.Partition),
				MaxSystemSizeBytes:      sel.MaxSystemSizeBytes,
				MaxSystemSizeRoundedGiB: sel.MaxSystemSizeRoundedGiB,
				MinSystemSizeGiB:        sel.MinSystemSizeGiB,
				CanCreateSystem:         sel.CanCreateSystem,
				Actions:                 s.planner.Actions(),
			})
		}
		printSelection(sel)
		printActions(s.planner.Actions())
		return nil
	},
}

var createTableCmd = &cobra.Command{
	Use:   "create-table <gpt|msdos>",
	Short: "Write a new, empty partition table",
	Long: `Write a new, empty partition table to the device. Every partition on the
device is lost.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := device.ParseTableType(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		if err := requireRoot(s.planner); err != nil {
			return err
		}
		if err := s.planner.CreateNewPartitionTable(cmd.Context(), t); err != nil {
			return err
		}
		fmt.Printf("Created %s partition table on %s\n", t, s.planner.SelectedDevice().Node)
		return nil
	},
}

var createPartitionCmd = &cobra.Command{
	Use:   "create-partition <row> <fat32|ext4|linuxswap> [size]",
	Short: "Create and format a partition in free space",
	Long: `Create a partition at the start of a free space row and format it.
The size is given as e.g. 512MiB or 20GiB; without a size the whole free
space is used.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := device.ParseFileSystemType(args[1])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		sel, err := selectTarget(s.planner, args[0])
		if err != nil {
			return err
		}

		size := sel.Partition.Capacity()
		if len(args) == 3 {
			n, err := humanize.ParseBytes(args[2])
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[2], err)
			}
			size = int64(n)
		}

		if err := requireRoot(s.planner); err != nil {
			return err
		}
		part, err := s.planner.CreatePartition(cmd.Context(), fs, size)
		if err != nil {
			return err
		}
		if part != nil {
			fmt.Printf("Created %s (%s, %s)\n", part.Node, part.DisplayFileSystem(), units.HumanSize(part.Capacity()))
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <partition>",
	Short: "Delete a partition",
	Long: `Delete a partition, unmounting it first. Deleting either partition of the
system pair created by "install" deletes both.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := selectTarget(s.planner, args[0]); err != nil {
			return err
		}
		pair, hadPair := s.planner.InstallPair()

		if err := requireRoot(s.planner); err != nil {
			return err
		}
		if err := s.planner.DeletePartition(cmd.Context()); err != nil {
			return err
		}
		if _, still := s.planner.InstallPair(); hadPair && !still {
			fmt.Printf("Deleted %s and %s\n", pair.Boot, pair.Root)
			return nil
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount <partition> <mount-point>",
	Short: "Mount a partition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := selectTarget(s.planner, args[0]); err != nil {
			return err
		}
		if err := requireRoot(s.planner); err != nil {
			return err
		}
		if err := s.planner.MountPartition(cmd.Context(), args[1]); err != nil {
			return err
		}
		fmt.Printf("Mounted %s on %s\n", args[0], args[1])
		return nil
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <partition>",
	Short: "Unmount a partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := selectTarget(s.planner, args[0]); err != nil {
			return err
		}
		if err := requireRoot(s.planner); err != nil {
			return err
		}
		if err := s.planner.UnmountPartition(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Unmounted %s\n", args[0])
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <row>",
	Short: "Create the boot and root partitions of the new system",
	Long: fmt.Sprintf(`Create the system partitions in a free space row: a %s FAT32 boot
partition mounted on %s and an ext4 root partition with the rest of the
system size, mounted on %s.

The system size defaults to the whole free space. At least %d GiB is
recommended.`, units.HumanSize(planner.BootPartitionSize), planner.BootMountPoint, planner.RootMountPoint, planner.MinSystemSizeGiB),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		sel, err := selectTarget(s.planner, args[0])
		if err != nil {
			return err
		}

		sizeGiB := sel.MaxSystemSizeRoundedGiB
		if v, _ := cmd.Flags().GetString("size"); v != "" {
			if sizeGiB, err = parseGiB(v); err != nil {
				return err
			}
		}

		if err := requireRoot(s.planner); err != nil {
			return err
		}
		pair, err := s.planner.CreateSystemPartitions(cmd.Context(), sizeGiB)
		if err != nil {
			return err
		}
		fmt.Printf("Created boot partition %s on %s\n", pair.Boot, planner.BootMountPoint)
		fmt.Printf("Created root partition %s on %s\n", pair.Root, planner.RootMountPoint)
		fmt.Println(s.planner.ConfirmationMessage())
		return nil
	},
}

func init() {
	devicesCmd.Flags().Bool("json", false, "Output as JSON")
	showCmd.Flags().Bool("json", false, "Output as JSON")
	selectCmd.Flags().Bool("json", false, "Output as JSON")
	installCmd.Flags().StringP("size", "s", "", "system size in GiB or with a unit, e.g. 20 or 20GiB")
}

// selectTarget selects a table row of the selected device, or a partition
// by node path on whichever device holds it.
func selectTarget(p *planner.Planner, arg string) (planner.Selection, error) {
	if row, err := strconv.Atoi(arg); err == nil {
		return p.SelectRow(row)
	}
	if d := p.SelectedDevice(); d == nil || d.PartitionByNode(arg) == nil {
		for _, other := range p.Devices() {
			if other.PartitionByNode(arg) != nil {
				if err := p.SelectDeviceByNode(other.Node); err != nil {
					return planner.Selection{}, err
				}
				break
			}
		}
	}
	return p.SelectPartitionByNode(arg)
}

// parseGiB accepts a plain number of GiB or a size with a unit
func parseGiB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return float64(n) / float64(units.GiB), nil
}
