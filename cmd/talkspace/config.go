package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	talkspace "github.com/HarutyunNersesyan/talk-space-chat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TalkSpace configuration",
	Long:  "View or modify the TalkSpace CLI configuration stored in ~/.talkspace/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the effective configuration. Unset endpoints show their defaults and the token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeEffectiveConfig(os.Stdout, cfg)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: talkspace config set default.base_url http://localhost:8080",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		shown := value
		if key == "auth.token" {
			shown = maskToken(value)
			// Keep the stored username in step with the new credential.
			if id, err := talkspace.ResolveIdentity(value); err == nil {
				cfg.Auth.Username = id.Username
			} else {
				fmt.Fprintf(os.Stderr, "warning: token does not name a user: %v\n", err)
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}

// writeEffectiveConfig prints cfg with defaults filled in. The username is
// the one the token resolves to, which is what every command signs in as.
func writeEffectiveConfig(w io.Writer, cfg *Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	setting := func(key, val, def string) {
		if val == "" {
			fmt.Fprintf(tw, "  %s\t%s (default)\n", key, def)
			return
		}
		fmt.Fprintf(tw, "  %s\t%s\n", key, val)
	}

	fmt.Fprintln(tw, "[default]")
	setting("base_url", cfg.Default.BaseURL, talkspace.DefaultBaseURL)
	setting("realtime_url", cfg.Default.RealtimeURL, defaultRealtimeURL)
	setting("transport", cfg.Default.Transport, transportSTOMP)
	setting("nats_url", cfg.Default.NATSURL, defaultNATSURL)

	fmt.Fprintln(tw, "[auth]")
	if cfg.Auth.Token == "" {
		fmt.Fprintln(tw, "  token\t(not set, run 'talkspace init <token>')")
		return tw.Flush()
	}
	fmt.Fprintf(tw, "  token\t%s\n", maskToken(cfg.Auth.Token))
	id, err := talkspace.ResolveIdentity(cfg.Auth.Token)
	switch {
	case err != nil:
		fmt.Fprintf(tw, "  username\t%s (token unreadable: %v)\n", valueOrDefault(cfg.Auth.Username, "?"), err)
	case cfg.Auth.Username != "" && cfg.Auth.Username != id.Username:
		fmt.Fprintf(tw, "  username\t%s (config says %s)\n", id.Username, cfg.Auth.Username)
	default:
		fmt.Fprintf(tw, "  username\t%s\n", id.Username)
	}
	return tw.Flush()
}
