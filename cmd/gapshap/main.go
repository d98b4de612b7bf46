package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.gapshap/config.toml.
// GAPSHAP_* environment variables override the file.
type Config struct {
	Server  ConfigServer  `toml:"server"`
	Auth    ConfigAuth    `toml:"auth"`
	Session ConfigSession `toml:"session"`
}

// ConfigServer holds the service location.
type ConfigServer struct {
	BaseURL string `toml:"base_url" env:"GAPSHAP_BASE_URL"`
	PushURL string `toml:"push_url" env:"GAPSHAP_PUSH_URL"`
	Timeout string `toml:"timeout" env:"GAPSHAP_TIMEOUT"`
}

// ConfigAuth holds the credentials sent with every request.
type ConfigAuth struct {
	SessionCookie string `toml:"session_cookie" env:"GAPSHAP_SESSION_COOKIE"`
	BearerToken   string `toml:"bearer_token" env:"GAPSHAP_BEARER_TOKEN"`
}

// ConfigSession holds settings for the live view.
type ConfigSession struct {
	StatePath string `toml:"state_path" env:"GAPSHAP_STATE_PATH"`
	PageSize  int    `toml:"page_size" env:"GAPSHAP_PAGE_SIZE"`
}

// credential returns whichever credential is configured, cookie first.
func (c *Config) credential() string {
	if c.Auth.SessionCookie != "" {
		return c.Auth.SessionCookie
	}
	return c.Auth.BearerToken
}

func (c *Config) timeout() time.Duration {
	if c.Server.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Server.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.gapshap, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".gapshap")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// statePath returns where the live view keeps its session record.
func statePath(cfg *Config) (string, error) {
	if cfg.Session.StatePath != "" {
		return cfg.Session.StatePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// readConfigFile parses the config file alone, without environment
// overrides, so that it can be edited and written back.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, if any, and applies environment
// overrides on top of it.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, statErr := os.Stat(path); statErr == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot load config: %w", err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = strings.TrimRight(value, "/")
		case "push_url":
			cfg.Server.PushURL = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid timeout %q: %w", value, err)
			}
			cfg.Server.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "session_cookie":
			cfg.Auth.SessionCookie = value
		case "bearer_token":
			cfg.Auth.BearerToken = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "session":
		switch field {
		case "state_path":
			cfg.Session.StatePath = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer, got %q", value)
			}
			cfg.Session.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, session)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var verbose bool

// newLogger returns an slog logger backed by a charm handler on stderr.
func newLogger(verbose bool) *slog.Logger {
	level := charmlog.WarnLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           level,
	})
	return slog.New(handler)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "gapshap",
	Short: "gapshap chat CLI",
	Long:  "Command-line client for the gapshap chat service.\nBrowse conversations, send messages and follow them live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env file is optional.
		_ = godotenv.Load()
		slog.SetDefault(newLogger(verbose))
	},
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log requests and connection events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
