package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the configured user and endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, err := loadSession()
		if err != nil {
			return err
		}

		fmt.Printf("Username:     %s\n", id.Username)
		fmt.Printf("Token:        %s\n", maskToken(id.Token))
		fmt.Printf("Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("Transport:    %s\n", valueOrDefault(cfg.Default.Transport, transportSTOMP))
		fmt.Printf("Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, defaultRealtimeURL))
		if cfg.Default.Transport == transportNATS {
			fmt.Printf("NATS URL:     %s\n", valueOrDefault(cfg.Default.NATSURL, defaultNATSURL))
		}
		if cfg.Auth.Username != "" && cfg.Auth.Username != id.Username {
			fmt.Printf("Warning: config username %q does not match token subject %q\n", cfg.Auth.Username, id.Username)
		}
		return nil
	},
}
