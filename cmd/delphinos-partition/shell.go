package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// inShell is set while the shell dispatches commands, so they share one
// session.
var inShell bool

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive partitioning session",
	Long: `Start an interactive session. Every command of this tool can be entered
without the program name; the device scan, the selection and the system
partitions created by "install" are kept between commands.

Type "exit" or press Ctrl-D to leave.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func runShell(cmd *cobra.Command, args []string) error {
	if inShell {
		return errors.New("already in a shell")
	}
	if _, err := openSession(cmd.Context()); err != nil {
		return err
	}
	inShell = true
	defer func() { inShell = false }()
	yes := assumeYes

	tty := interactive()
	parser := shellwords.NewParser()
	parser.ParseEnv = true

	for {
		if tty {
			fmt.Printf("%s> ", prompt())
		}
		line, err := stdin.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			if tty {
				fmt.Println()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		words, perr := parser.Parse(line)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", perr)
			continue
		}
		if len(words) == 0 || strings.HasPrefix(words[0], "#") {
			continue
		}
		switch words[0] {
		case "exit", "quit":
			return nil
		case "shell":
			fmt.Fprintln(os.Stderr, "Error: already in a shell")
			continue
		}

		resetFlags(cmd.Root())
		assumeYes = yes
		cmd.Root().SetArgs(words)
		if err := cmd.Root().ExecuteContext(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if cmd.Context().Err() != nil {
			return cmd.Context().Err()
		}
	}
}

func prompt() string {
	if current != nil {
		if d := current.planner.SelectedDevice(); d != nil {
			return d.Node
		}
	}
	return "delphinos-partition"
}

// resetFlags restores every flag to its default, since cobra keeps parsed
// values between executions of the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
