// Package config loads the client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/boardsync/localstore"
	"github.com/hazyhaar/boardsync/peer"
	"github.com/hazyhaar/boardsync/remote"
)

// Config is the client configuration.
type Config struct {
	// ClientID overrides the persisted client identity.
	ClientID     string        `yaml:"client_id" validate:"omitempty,printascii,max=128"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	LogLevel     string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Store  StoreConfig   `yaml:"store"`
	Peer   peer.Config   `yaml:"peer"`
	Remote remote.Config `yaml:"remote"`

	// Warnings lists settings that were reset instead of rejected.
	Warnings []string `yaml:"-"`
}

// StoreConfig selects the local store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=sqlite badger memory"`
	Path    string `yaml:"path"`
}

var validate = validator.New()

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 150 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = remote.DefaultTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = localstore.BackendSQLite
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case localstore.BackendBadger:
			c.Store.Path = "boardsync.badger"
		default:
			c.Store.Path = "boardsync.db"
		}
	}
	if c.Peer.Transport == "" {
		c.Peer.Transport = peer.TransportNone
	}
	c.Remote.Room = remote.NormalizeRoom(c.Remote.Room)
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = c.WriteTimeout
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadConfigFile reads a YAML config file. An empty path yields Default.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Validate checks struct tags. Problems in the remote section never fail:
// a bad URL is kept so the channel reports "connection failed" at start, and
// a bad room falls back to the default room. Both are recorded in Warnings.
func (c *Config) Validate() error {
	c.Remote.Room = remote.NormalizeRoom(c.Remote.Room)
	if err := validate.Var(c.Remote.Room, "printascii,max=64,excludesall=/?#%"); err != nil {
		c.warn("remote.room %q is invalid, using %q", c.Remote.Room, remote.DefaultRoom)
		c.Remote.Room = remote.DefaultRoom
	}
	if c.Remote.Enabled && strings.TrimSpace(c.Remote.URL) == "" {
		c.warn("remote.enabled is set without remote.url")
	}

	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if err == nil || !errors.As(err, &verrs) {
		return err
	}
	var fatal []string
	for _, fe := range verrs {
		if strings.HasPrefix(fe.Namespace(), "Config.Remote.") {
			c.warn("%s: failed %q", fe.Namespace(), fe.Tag())
			continue
		}
		fatal = append(fatal, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	if len(fatal) > 0 {
		return fmt.Errorf("config: %s", strings.Join(fatal, "; "))
	}
	return nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
