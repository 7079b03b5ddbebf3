package main

import (
	"fmt"

	talkspace "github.com/HarutyunNersesyan/talk-space-chat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.talkspace/config.toml",
	Long:  "Initialize the TalkSpace CLI by storing your bearer token and the username it carries.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := talkspace.ResolveIdentity(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = id.Token
		cfg.Auth.Username = id.Username
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = talkspace.DefaultBaseURL
		}
		if cfg.Default.RealtimeURL == "" {
			cfg.Default.RealtimeURL = defaultRealtimeURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = transportSTOMP
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", id.Username, path)
		return nil
	},
}
