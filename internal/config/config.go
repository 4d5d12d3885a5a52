// Package config loads the server configuration: a YAML file overlaid by
// command-line flags, with the auth token generated and saved on first run.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/user/ptymux/internal/flow"
)

const (
	AuthModeToken = "token"
	AuthModeNone  = "none"

	defaultListen = "127.0.0.1:8765"
)

type InputConfig struct {
	// Rate is the sustained number of input frames per viewer per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Config struct {
	Listen   string `yaml:"listen"`
	AuthMode string `yaml:"auth_mode"`
	Token    string `yaml:"token,omitempty"`

	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path,omitempty"`

	DefaultCommand string `yaml:"default_command,omitempty"`
	DefaultCols    uint16 `yaml:"default_cols"`
	DefaultRows    uint16 `yaml:"default_rows"`

	LogLevel string      `yaml:"log_level"`
	Input    InputConfig `yaml:"input"`
	Flow     flow.Config `yaml:"flow"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		Listen:      defaultListen,
		AuthMode:    AuthModeToken,
		DataDir:     filepath.Join(home, ".local", "share", "ptymux"),
		DefaultCols: 120,
		DefaultRows: 30,
		LogLevel:    "info",
		Input:       InputConfig{Rate: 200, Burst: 400},
		Flow:        flow.DefaultConfig(),
		ConfigPath:  filepath.Join(home, ".config", "ptymux", "config.yaml"),
	}
}

// Load builds the serve configuration from args: defaults, then the YAML
// file named by --config, then any flag given explicitly. A missing token
// in token mode is generated and written back to the file.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("ptymux serve", pflag.ContinueOnError)
	configPath := fs.String("config", cfg.ConfigPath, "path to the YAML config file")
	listen := fs.String("listen", cfg.Listen, "address to listen on")
	token := fs.String("token", "", "authentication token (generated if empty)")
	authMode := fs.String("auth-mode", cfg.AuthMode, "authentication mode: token or none")
	dataDir := fs.String("data-dir", cfg.DataDir, "directory for recordings and control sockets")
	dbPath := fs.String("db", "", "session catalog database (default <data-dir>/ptymux.db)")
	command := fs.String("command", "", "default session command (default $SHELL)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print the token to stdout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg.ConfigPath = *configPath
	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	overlay := map[string]func(){
		"listen":    func() { cfg.Listen = *listen },
		"token":     func() { cfg.Token = *token },
		"auth-mode": func() { cfg.AuthMode = *authMode },
		"data-dir":  func() { cfg.DataDir = *dataDir },
		"db":        func() { cfg.DBPath = *dbPath },
		"command":   func() { cfg.DefaultCommand = *command },
		"log-level": func() { cfg.LogLevel = *logLevel },
	}
	for name, apply := range overlay {
		if fs.Changed(name) {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.EnsureToken(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.ConfigPath = path
	if err := cfg.loadFromFile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigPath, err)
	}
	return nil
}

// Save writes the config file, readable only by the owner since it holds
// the token.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

// EnsureToken generates and saves a token when token auth has none.
func (c *Config) EnsureToken() (bool, error) {
	if c.AuthMode != AuthModeToken || c.Token != "" {
		return false, nil
	}
	token, err := generateToken()
	if err != nil {
		return false, fmt.Errorf("failed to generate token: %w", err)
	}
	c.Token = token
	if err := c.Save(); err != nil {
		return false, fmt.Errorf("failed to save config file: %w", err)
	}
	return true, nil
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	switch c.AuthMode {
	case AuthModeToken, AuthModeNone:
	default:
		return fmt.Errorf("invalid auth mode %q: must be token or none", c.AuthMode)
	}
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.DefaultCols == 0 || c.DefaultRows == 0 {
		return fmt.Errorf("invalid default size %dx%d", c.DefaultCols, c.DefaultRows)
	}
	if c.Input.Rate < 0 || c.Input.Burst < 0 {
		return errors.New("input rate and burst must not be negative")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// Database returns the catalog path, defaulting under the data dir.
func (c *Config) Database() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "ptymux.db")
}

// AuthToken returns the token clients must present, empty when auth is off.
func (c *Config) AuthToken() string {
	if c.AuthMode == AuthModeNone {
		return ""
	}
	return c.Token
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
