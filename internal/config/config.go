package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/delphinos/delphinos-partition/internal/journal"
	"gopkg.in/yaml.v3"
)

// BackendEnv overrides the configured backend when set
const BackendEnv = "DELPHINOS_PARTITION_BACKEND"

// Backend names
const (
	BackendSystem = "system"
	BackendImage  = "image"
	BackendDryRun = "dry-run"
)

type Config struct {
	// Backend: "system" (real block devices), "image" (disk image file) or
	// "dry-run" (in-memory copy of the system devices)
	Backend  string  `yaml:"backend"`
	Image    Image   `yaml:"image"`
	Journal  Journal `yaml:"journal"`
	LogLevel string  `yaml:"log_level"`
}

type Image struct {
	Path string `yaml:"path,omitempty"`
	// Node is the device node the image is presented as
	Node string `yaml:"node,omitempty"`
	// Size is used when the image file does not exist yet, e.g. "32GiB"
	Size string `yaml:"size,omitempty"`
}

type Journal struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

var defaultConfig = Config{
	Backend: BackendSystem,
	Image: Image{
		Node: "/dev/loop0",
		Size: "32GiB",
	},
	Journal: Journal{
		Path: journal.DefaultPath,
	},
	LogLevel: "info",
}

// DefaultCandidates are searched in order when no path is given
func DefaultCandidates() []string {
	return []string{
		"/etc/delphinos-installer/partition.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/delphinos-installer/partition.yaml"),
		"partition.yaml",
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		for _, c := range DefaultCandidates() {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		cfg = Config{}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Apply defaults for missing fields
	if cfg.Backend == "" {
		cfg.Backend = defaultConfig.Backend
	}
	if cfg.Image.Node == "" {
		cfg.Image.Node = defaultConfig.Image.Node
	}
	if cfg.Image.Size == "" {
		cfg.Image.Size = defaultConfig.Image.Size
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultConfig.Journal.Path
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultConfig.LogLevel
	}

	if env := strings.TrimSpace(os.Getenv(BackendEnv)); env != "" {
		cfg.Backend = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the backend selection
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSystem, BackendDryRun:
	case BackendImage:
		if c.Image.Path == "" {
			return fmt.Errorf("backend %q needs image.path", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendSystem, BackendImage, BackendDryRun)
	}
	return nil
}

// JournalEnabled reports whether batches are journaled; on unless disabled
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}
