package main

import (
	"fmt"

	"github.com/delphinos/delphinos-partition/internal/config"
	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal [batch-id]",
	Short: "Show journaled partitioning changes",
	Long: `Show the batches of changes applied to devices, newest first, or the
operations and backend output of one batch.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().Int("limit", 20, "Maximum number of batches to show")
	journalCmd.Flags().Bool("json", false, "Output as JSON")
}

func openJournal() (*journal.Journal, error) {
	if current != nil && current.journal != nil {
		return current.journal, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := configureLogging(cfg); err != nil {
		return nil, err
	}
	if !cfg.JournalEnabled() {
		return nil, fmt.Errorf("the journal is disabled in the config")
	}
	return journal.Open(cfg.Journal.Path)
}

func runJournal(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	if current == nil || current.journal != j {
		defer j.Close()
	}

	jsonOut, _ := cmd.Flags().GetBool("json")

	if len(args) == 1 {
		b, err := j.Batch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("no batch %s", args[0])
		}
		if jsonOut {
			return PrintJSON(b)
		}
		printBatch(b)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	batches, err := j.RecentBatches(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if jsonOut {
		if batches == nil {
			batches = []*journal.Batch{}
		}
		return PrintJSON(batches)
	}
	printBatches(batches)
	return nil
}
