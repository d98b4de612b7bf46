package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fatih/color"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print credentials unmasked")
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the saved settings",
	Long:  "Read and change ~/.gapshap/config.toml. GAPSHAP_* environment variables take precedence over the file when commands run.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved settings with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			color.Yellow("Nothing saved yet. Start with: gapshap init https://chat.example.com --cookie JSESSIONID=...")
			return nil
		}

		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if !configReveal {
			cfg = maskedConfig(cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding settings: %w", err)
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

// maskedConfig returns a copy of cfg with its credentials masked.
func maskedConfig(cfg *Config) *Config {
	out := *cfg
	if out.Auth.SessionCookie != "" {
		out.Auth.SessionCookie = maskSecret(out.Auth.SessionCookie)
	}
	if out.Auth.BearerToken != "" {
		out.Auth.BearerToken = maskSecret(out.Auth.BearerToken)
	}
	return &out
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Change one saved setting",
	Long: "Change one saved setting. Keys:\n" +
		"  server.base_url, server.push_url, server.timeout\n" +
		"  auth.session_cookie, auth.bearer_token\n" +
		"  session.state_path, session.page_size",
	Example: "  gapshap config set server.timeout 10s\n  gapshap config set auth.session_cookie JSESSIONID=...",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		color.Green("Updated %s", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where settings are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
