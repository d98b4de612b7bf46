package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, then check the credentials against the server and count unread messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Server.BaseURL, "(default)"))
		if cfg.Server.PushURL != "" {
			fmt.Printf("  Push URL:  %s\n", cfg.Server.PushURL)
		}
		switch {
		case cfg.Auth.SessionCookie != "":
			fmt.Printf("  Cookie:    %s\n", maskSecret(cfg.Auth.SessionCookie))
		case cfg.Auth.BearerToken != "":
			fmt.Printf("  Token:     %s\n", maskSecret(cfg.Auth.BearerToken))
		default:
			fmt.Println("  Auth:      (not set)")
			return nil
		}

		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")

		me, err := client.Account.Me(ctx)
		if err != nil {
			color.Red("  Error fetching account info: %v", err)
			return nil
		}
		fmt.Printf("  User:          %s (%d)\n", me.Name, me.UserID)

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			color.Red("  Error listing conversations: %v", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		if unread > 0 {
			color.Yellow("  Unread:        %d", unread)
		} else {
			color.Green("  Unread:        0")
		}
		return nil
	},
}
