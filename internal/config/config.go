// Package config loads bufsync configuration from environment variables
// (with optional .env file) plus an optional YAML roots file listing
// additional directories to observe.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/bufsync/internal/conflict"
)

// Config holds all environment-based configuration for bufsync.
type Config struct {
	// Root is the sandbox directory kept in sync with open editors.
	Root string `env:"BUFSYNC_ROOT"`

	// RootsFile optionally names a YAML file listing extra observed
	// roots with per-root recursion flags. Every entry must live under
	// Root; changes elsewhere cannot map to tracked paths.
	RootsFile string `env:"BUFSYNC_ROOTS_FILE"`

	// PollIntervalMs is the snapshot interval for the polling observer
	// and the flush cadence for the native one.
	PollIntervalMs int `env:"BUFSYNC_POLL_INTERVAL_MS" envDefault:"500"`

	// TokenTTLMs bounds how long a write token stays matchable.
	TokenTTLMs int `env:"BUFSYNC_TOKEN_TTL_MS" envDefault:"5000"`

	// UndoTTLMs bounds the batch-resolution undo window.
	UndoTTLMs int `env:"BUFSYNC_UNDO_TTL_MS" envDefault:"30000"`

	// AutoReload reloads clean editors transparently on external change.
	AutoReload bool `env:"BUFSYNC_AUTO_RELOAD" envDefault:"true"`

	// DefaultResolution is applied automatically when a conflict is
	// detected and the strategy is auto-resolvable (keep-local or
	// use-external). manual-merge leaves every conflict pending.
	DefaultResolution string `env:"BUFSYNC_DEFAULT_RESOLUTION" envDefault:"manual-merge"`

	// ForcePolling skips the native-notification probe.
	ForcePolling bool `env:"BUFSYNC_FORCE_POLLING" envDefault:"false"`

	// StatePath locates the bbolt baseline database. Defaults to
	// ~/.bufsync/state.db.
	StatePath string `env:"BUFSYNC_STATE_PATH"`

	// FeedAddr is the listen address of the websocket status feed.
	// Empty disables the feed.
	FeedAddr string `env:"BUFSYNC_FEED_ADDR" envDefault:""`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// ObservedRoot is one extra directory to observe from the roots file.
type ObservedRoot struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

type rootsFile struct {
	Roots []ObservedRoot `yaml:"roots"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve Root to an absolute path at startup. Downstream path
	// traversal checks rely on string prefix comparison, which only
	// works reliably with absolute paths.
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root to absolute path: %w", err)
	}

	cfg.Root = absRoot

	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory for state path: %w", err)
		}

		cfg.StatePath = filepath.Join(home, ".bufsync", "state.db")
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("BUFSYNC_ROOT is required")
	}

	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("BUFSYNC_POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMs)
	}

	if c.TokenTTLMs <= 0 {
		return fmt.Errorf("BUFSYNC_TOKEN_TTL_MS must be positive, got %d", c.TokenTTLMs)
	}

	if c.UndoTTLMs <= 0 {
		return fmt.Errorf("BUFSYNC_UNDO_TTL_MS must be positive, got %d", c.UndoTTLMs)
	}

	if _, ok := conflict.ParseResolution(c.DefaultResolution); !ok {
		return fmt.Errorf("BUFSYNC_DEFAULT_RESOLUTION %q is not a known strategy", c.DefaultResolution)
	}

	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TokenTTL returns the write-token TTL as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMs) * time.Millisecond
}

// UndoTTL returns the undo window as a duration.
func (c *Config) UndoTTL() time.Duration {
	return time.Duration(c.UndoTTLMs) * time.Millisecond
}

// Resolution returns the parsed default resolution strategy.
func (c *Config) Resolution() conflict.Resolution {
	r, _ := conflict.ParseResolution(c.DefaultResolution)

	return r
}

// LoadRoots parses the roots file when configured. Relative paths are
// resolved against the current working directory, and every entry must
// fall under Root.
func (c *Config) LoadRoots() ([]ObservedRoot, error) {
	if c.RootsFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.RootsFile)
	if err != nil {
		return nil, fmt.Errorf("reading roots file: %w", err)
	}

	var rf rootsFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing roots file: %w", err)
	}

	for i := range rf.Roots {
		if rf.Roots[i].Path == "" {
			return nil, fmt.Errorf("roots file entry %d has no path", i)
		}

		abs, err := filepath.Abs(rf.Roots[i].Path)
		if err != nil {
			return nil, fmt.Errorf("resolving roots file entry %q: %w", rf.Roots[i].Path, err)
		}

		if abs != c.Root && !strings.HasPrefix(abs, c.Root+string(filepath.Separator)) {
			return nil, fmt.Errorf("roots file entry %q is outside %s", rf.Roots[i].Path, c.Root)
		}

		rf.Roots[i].Path = abs
	}

	return rf.Roots, nil
}
