package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	chatkit "github.com/drivana-app/chatkit-go"
)

var chatHistoryLimit int

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open an interactive realtime chat in a conversation",
	Long:  "Connect to the realtime backend, join the conversation, and chat\nfrom the terminal. Type a message and press enter to send;\n/quit leaves and disconnects.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		client, err := getClient()
		if err != nil {
			return err
		}

		session := chatkit.NewChatSession(client, &chatkit.SessionConfig{
			Realtime: chatkit.RealtimeConfig{AutoReconnect: true},
			Logger:   log.New(os.Stderr, "", log.Ltime),
		})
		defer session.Dispose()

		session.OnStatusChange(func(status chatkit.ConnectionStatus) {
			switch status.State {
			case chatkit.StateReconnecting:
				fmt.Printf("* reconnecting (attempt %d)...\n", status.Attempt)
			case chatkit.StateConnected:
				fmt.Println("* connected")
			case chatkit.StateFailed:
				fmt.Printf("* connection failed: %s\n", status.LastError)
			}
		})
		session.OnMessage(func(msg chatkit.Message) {
			printMessage(msg)
		})
		session.OnTyping(func(senderID string, typing bool) {
			if typing {
				fmt.Println("* other participant is typing...")
			}
		})
		session.OnServerError(func(message string) {
			fmt.Printf("* server error: %s\n", message)
		})
		session.OnSendFailed(func(failure chatkit.SendFailure) {
			fmt.Printf("* send failed: %v (type /retry to try again)\n", failure.Err)
			failureMu.Lock()
			lastFailure = failure
			failureMu.Unlock()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = session.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}

		jctx, jcancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = session.Join(jctx, conversationID)
		jcancel()
		if err != nil {
			return err
		}
		fmt.Printf("Joined %s as %s.\n", conversationID, session.LocalUser().DisplayName)

		// Backfill so the prompt does not open on an empty screen.
		hctx, hcancel := context.WithTimeout(context.Background(), 15*time.Second)
		past, err := session.LoadHistory(hctx, conversationID, chatHistoryLimit)
		hcancel()
		if err != nil {
			fmt.Printf("* could not load history: %v\n", err)
		} else {
			for i := len(past) - 1; i >= 0; i-- {
				printMessage(past[i])
			}
		}

		return chatLoop(session)
	},
}

var (
	failureMu   sync.Mutex
	lastFailure chatkit.SendFailure
)

func chatLoop(session *chatkit.ChatSession) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type a message, /retry, or /quit.")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			lctx, lcancel := context.WithTimeout(context.Background(), 5*time.Second)
			session.Leave(lctx)
			lcancel()
			return nil
		case line == "/retry":
			failureMu.Lock()
			retry := lastFailure.Retry
			lastFailure = chatkit.SendFailure{}
			failureMu.Unlock()
			if retry == nil {
				fmt.Println("* nothing to retry")
				continue
			}
			if err := retry(); err != nil {
				fmt.Printf("* retry failed: %v\n", err)
			}
		default:
			if err := session.Send(chatkit.SendPayload{Text: line}); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

func init() {
	chatCmd.Flags().IntVar(&chatHistoryLimit, "history", 20, "messages to backfill on join")
	rootCmd.AddCommand(chatCmd)
}
