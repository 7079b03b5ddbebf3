package main

import (
	"fmt"
	"log/slog"
	"os"

	talkspace "github.com/HarutyunNersesyan/talk-space-chat"
)

// newLogger builds the stderr logger. Debug output needs --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadSession reads the config and resolves the stored token.
func loadSession() (*Config, talkspace.Identity, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, talkspace.Identity{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, talkspace.Identity{}, fmt.Errorf("no token configured, run 'talkspace init <token>' first")
	}
	id, err := talkspace.ResolveIdentity(cfg.Auth.Token)
	if err != nil {
		return nil, talkspace.Identity{}, err
	}
	return cfg, id, nil
}

// getClient creates a REST client authenticated as id.
func getClient(cfg *Config, id talkspace.Identity) *talkspace.Client {
	var opts []talkspace.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, talkspace.WithBaseURL(cfg.Default.BaseURL))
	}
	return talkspace.NewClient(id.Token, opts...)
}

// getDialer picks the broker transport. An empty transport falls back to
// the configured one, then STOMP.
func getDialer(cfg *Config, transport string, logger *slog.Logger) (talkspace.Dialer, error) {
	if transport == "" {
		transport = valueOrDefault(cfg.Default.Transport, transportSTOMP)
	}
	switch transport {
	case transportSTOMP:
		return &talkspace.STOMPDialer{
			URL:    valueOrDefault(cfg.Default.RealtimeURL, defaultRealtimeURL),
			Logger: logger,
		}, nil
	case transportNATS:
		return &talkspace.NATSDialer{
			URL:    valueOrDefault(cfg.Default.NATSURL, defaultNATSURL),
			Logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: %s, %s)", transport, transportSTOMP, transportNATS)
	}
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
