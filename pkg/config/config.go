package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/aydiler/kb-layout-daemon/pkg/kblayout"
)

// Keyboard binds a device-name substring to a layout index.
type Keyboard struct {
	Name        string `toml:"name"`
	LayoutIndex int    `toml:"layout_index"`
	LayoutName  string `toml:"layout_name"`
}

// Config is the top-level configuration.
type Config struct {
	Mode      string     `toml:"mode"`
	Keyboards []Keyboard `toml:"keyboards"`
}

// Default returns the built-in configuration: the same two keyboards
// the daemon originally shipped with and passive mode.
func Default() *Config {
	return &Config{
		Mode: kblayout.ModePassive.String(),
		Keyboards: []Keyboard{
			{Name: "Lofree", LayoutIndex: 1, LayoutName: "English (US)"},
			{Name: "CHERRY", LayoutIndex: 0, LayoutName: "German"},
		},
	}
}

// DefaultPath returns the default config file location
// ($XDG_CONFIG_HOME/kb-layout-daemon/config.toml).
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "kb-layout-daemon", "config.toml")
}

// Load reads the TOML config from path. A missing file yields the
// default config without error; a malformed or invalid file is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	cfg = &Config{Mode: kblayout.ModePassive.String()}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := kblayout.ParseMode(c.Mode); err != nil {
		return err
	}
	if len(c.Keyboards) == 0 {
		return errors.New("no keyboards configured")
	}
	for i, kb := range c.Keyboards {
		if kb.Name == "" {
			return fmt.Errorf("keyboards[%d]: name must not be empty", i)
		}
		if kb.LayoutIndex < 0 {
			return fmt.Errorf("keyboards[%d]: layout_index must not be negative", i)
		}
	}
	return nil
}

// InitialMode returns the configured startup mode.
func (c *Config) InitialMode() kblayout.Mode {
	m, err := kblayout.ParseMode(c.Mode)
	if err != nil {
		return kblayout.ModePassive
	}
	return m
}

// Bindings converts the keyboard entries into core bindings, in
// configuration order.
func (c *Config) Bindings() []kblayout.Binding {
	bindings := make([]kblayout.Binding, 0, len(c.Keyboards))
	for _, kb := range c.Keyboards {
		bindings = append(bindings, kblayout.Binding{
			Name:        kb.Name,
			LayoutIndex: kb.LayoutIndex,
			LayoutName:  kb.LayoutName,
		})
	}
	return bindings
}

// Save writes the config as TOML to path, creating parent directories
// if needed. The write goes through a temp file and a rename so a crash
// mid-write cannot corrupt an existing config.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
