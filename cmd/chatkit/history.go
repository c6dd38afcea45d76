package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatkit "github.com/drivana-app/chatkit-go"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show recent messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		loader := chatkit.NewHistoryLoader(client, log.Default())
		messages, err := loader.Load(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}

		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(messages)
		}

		if len(messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		// Loader returns newest-first; print oldest-first for reading.
		for i := len(messages) - 1; i >= 0; i-- {
			printMessage(messages[i])
		}
		return nil
	},
}

func printMessage(msg chatkit.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04")
	body := msg.Text
	if msg.Attachment != nil {
		if body != "" {
			body += " "
		}
		body += fmt.Sprintf("[%s: %s]", msg.Attachment.Kind, msg.Attachment.URL)
	}
	fmt.Printf("[%s] %s: %s\n", ts, msg.Sender.DisplayName, body)
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of messages to fetch")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(historyCmd)
}
