package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initCookie string
	initToken  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initCookie, "cookie", "", "Session cookie sent with every request (e.g. JSESSIONID=...)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token, used instead of a cookie")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the server address and credentials in ~/.gapshap/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return fmt.Errorf("base url must start with http:// or https://")
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.BaseURL = baseURL
		if initCookie != "" {
			cfg.Auth.SessionCookie = initCookie
		}
		if initToken != "" {
			cfg.Auth.BearerToken = initToken
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
