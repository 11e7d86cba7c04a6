package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/backend"
	"github.com/delphinos/delphinos-partition/internal/backend/image"
	"github.com/delphinos/delphinos-partition/internal/backend/memory"
	"github.com/delphinos/delphinos-partition/internal/backend/system"
	"github.com/delphinos/delphinos-partition/internal/config"
	"github.com/delphinos/delphinos-partition/internal/journal"
	"github.com/delphinos/delphinos-partition/internal/planner"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// session is the planner state shared by the commands of one invocation,
// or of a whole shell.
type session struct {
	cfg     *config.Config
	planner *planner.Planner
	journal *journal.Journal
}

var current *session

var stdin = bufio.NewReader(os.Stdin)

// openSession loads the config, builds the backend and scans devices once
func openSession(ctx context.Context) (*session, error) {
	if current == nil {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if err := configureLogging(cfg); err != nil {
			return nil, err
		}

		b, err := newBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}

		s := &session{cfg: cfg}
		opts := []planner.Option{planner.WithConfirm(confirm)}
		if cfg.JournalEnabled() {
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				logrus.WithError(err).Warn("operation journal disabled")
			} else {
				s.journal = j
				opts = append(opts, planner.WithRecorder(j))
			}
		}

		s.planner = planner.New(b, opts...)
		if err := s.planner.ScanDevices(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("scanning devices: %w", err)
		}
		current = s
	}

	if deviceNode != "" {
		if err := current.planner.SelectDeviceByNode(deviceNode); err != nil {
			return nil, err
		}
	}
	return current, nil
}

func (s *session) close() {
	if s.journal != nil {
		s.journal.Close()
	}
}

func closeSession() {
	if current != nil {
		current.close()
		current = nil
	}
}

func configureLogging(cfg *config.Config) error {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
	})
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendSystem:
		return system.New(), nil
	case config.BackendImage:
		size, err := humanize.ParseBytes(cfg.Image.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid image size %q: %w", cfg.Image.Size, err)
		}
		return image.New(cfg.Image.Path, cfg.Image.Node, int64(size))
	case config.BackendDryRun:
		devs, err := system.New().Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning devices for dry run: %w", err)
		}
		logrus.WithField("devices", len(devs)).Info("dry run: changes are kept in memory")
		return memory.New(devs...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// requireRoot fails early for commands that modify real devices
func requireRoot(p *planner.Planner) error {
	if b, ok := p.Backend().(*system.Backend); ok {
		return b.RequireRoot()
	}
	return nil
}

func interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// confirm asks the user about a planner warning. Without a terminal only
// --yes goes ahead.
func confirm(w planner.Warning) bool {
	if assumeYes {
		fmt.Fprintf(os.Stderr, "Warning: %s (--yes given)\n", w.Message)
		return true
	}
	if !interactive() {
		fmt.Fprintf(os.Stderr, "Warning: %s\nNot a terminal; re-run with --yes to continue.\n", w.Message)
		return false
	}

	fmt.Fprintf(os.Stderr, "Warning: %s\nContinue? [y/N]: ", w.Message)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
