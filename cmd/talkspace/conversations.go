package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	talkspace "github.com/HarutyunNersesyan/talk-space-chat"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	historyJSON       bool
	avatarOutput      string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(avatarCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	avatarCmd.Flags().StringVarP(&avatarOutput, "output", "o", "", "File to write the image to")
	_ = avatarCmd.MarkFlagRequired("output")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, err := loadSession()
		if err != nil {
			return err
		}
		client := getClient(cfg, id)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Conversations(ctx, id.Username)
		if err != nil {
			return err
		}
		talkspace.SortByRecent(list)

		if conversationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-20s %s%s\n", c.Partner, formatTime(c.LastMessageTime), unread)
			if c.LastMessage != "" {
				fmt.Printf("  %s\n", c.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <partner>",
	Short: "Print the message history with a partner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, err := loadSession()
		if err != nil {
			return err
		}
		client := getClient(cfg, id)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.History(ctx, id.Username, args[0])
		if err != nil {
			return err
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// avatar
// ============================================================================

var avatarCmd = &cobra.Command{
	Use:   "avatar <username>",
	Short: "Download a user's profile image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, err := loadSession()
		if err != nil {
			return err
		}
		avatars := talkspace.NewAvatars(getClient(cfg, id), newLogger())
		defer avatars.RevokeAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, err := avatars.Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		data, mime, _ := avatars.Resolve(a.URL)
		if err := os.WriteFile(avatarOutput, data, 0o644); err != nil {
			return fmt.Errorf("cannot write image: %w", err)
		}
		fmt.Printf("Saved %s (%s, %d bytes) to %s\n", args[0], mime, len(data), avatarOutput)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatMessage(m talkspace.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.Sender
	}
	status := ""
	if m.ID.IsTemporary() {
		status = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Local().Format("15:04"), name, m.Content, status)
}
