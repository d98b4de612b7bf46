package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	gapshap "github.com/gapshap/gapshap-go"
	"gopkg.in/yaml.v3"
)

const requestTimeout = 15 * time.Second

// newClient creates a REST client from the loaded configuration.
func newClient(cfg *Config) (*gapshap.Client, error) {
	if cfg.credential() == "" {
		return nil, fmt.Errorf("no credentials configured; run 'gapshap init <base-url> --cookie ...' first")
	}

	opts := []gapshap.ClientOption{gapshap.WithLogger(slog.Default())}
	if cfg.Server.BaseURL != "" {
		opts = append(opts, gapshap.WithBaseURL(cfg.Server.BaseURL))
	}
	if cfg.Auth.SessionCookie != "" {
		opts = append(opts, gapshap.WithSessionCookie(cfg.Auth.SessionCookie))
	}
	if cfg.Auth.BearerToken != "" {
		opts = append(opts, gapshap.WithBearerToken(cfg.Auth.BearerToken))
	}
	if d := cfg.timeout(); d > 0 {
		opts = append(opts, gapshap.WithTimeout(d))
	}
	return gapshap.NewClient(opts...), nil
}

// mustClient loads the configuration and builds a client, or exits.
func mustClient() (*Config, *gapshap.Client) {
	cfg, err := loadConfig()
	if err != nil {
		color.Red("Failed to load config: %v", err)
		os.Exit(1)
	}
	client, err := newClient(cfg)
	if err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
	return cfg, client
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// realtimeConfig carries the push settings from cfg.
func realtimeConfig(cfg *Config) *gapshap.RealtimeConfig {
	return &gapshap.RealtimeConfig{URL: cfg.Server.PushURL}
}

// ============================================================================
// Output
// ============================================================================

// writeStructured encodes v as json or yaml. It reports false for the text
// format, leaving the rendering to the caller.
func writeStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "", "text":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return true, enc.Encode(v)
	default:
		return false, fmt.Errorf("unknown format %q (valid: text, json, yaml)", format)
	}
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

// maskSecret shows only the ends of a credential.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// conversationLabel is the name shown for a conversation in listings.
func conversationLabel(c gapshap.Conversation) string {
	name := valueOrDefault(c.Name, "(unnamed)")
	if c.IsGroup {
		name += " [group]"
	}
	return name
}

// formatMessage renders one message line. Own messages are marked as such
// and carry their read state; pending ones are flagged.
func formatMessage(m gapshap.Message, selfID int64) string {
	at := m.Time().Local().Format("15:04")
	sender := valueOrDefault(m.SenderName, fmt.Sprintf("user %d", m.SenderID))
	line := fmt.Sprintf("[%s] %s: %s", at, sender, m.Content)
	if m.SenderID != selfID {
		return line
	}
	switch {
	case m.Pending():
		return line + " (sending)"
	case m.Read:
		return line + " (read)"
	default:
		return line
	}
}
