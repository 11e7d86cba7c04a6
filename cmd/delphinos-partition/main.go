package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/delphinos/delphinos-partition/internal/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	logLevel   string
	deviceNode string
	assumeYes  bool
)

var rootCmd = &cobra.Command{
	Use:   "delphinos-partition",
	Short: "Disk partitioning for the DelphinOS installer",
	Long: `delphinos-partition inspects block devices and plans the disk layout of a
DelphinOS installation: partition tables, single partitions and the boot and
root partition pair of the new system.

The backend is chosen in the config file or with DELPHINOS_PARTITION_BACKEND:
  system    real block devices (requires root for changes)
  image     a raw disk image file
  dry-run   an in-memory copy of the system devices`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if !inShell {
			closeSession()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("delphinos-partition %s\n", version.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/delphinos-installer/partition.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&deviceNode, "device", "d", "", "device to work on (default is the selected or first device)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to every warning")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(createTableCmd)
	rootCmd.AddCommand(createPartitionCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(shellCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeSession()
		stop()
		os.Exit(1)
	}
}
