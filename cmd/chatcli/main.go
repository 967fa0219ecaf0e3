package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketchat/internal/client/chatstate"
	"marketchat/internal/client/connection"
	"marketchat/internal/domain/entity"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("chatcli", flag.ExitOnError)
	serverURL := fs.String("url", "ws://localhost:3001/", "Chat server WebSocket URL")
	userID := fs.String("user", "", "User id (required)")
	role := fs.String("role", "customer", "User role: customer or seller")
	name := fs.String("name", "", "Display name (defaults to the user id)")
	token := fs.String("token", os.Getenv("CHAT_AUTH_TOKEN"), "Auth token, required for sellers")
	queueSize := fs.Int("queue", 0, "Maximum number of frames queued while offline (0 = unbounded)")
	verbose := fs.Bool("verbose", false, "Show connection logs")

	fs.Usage = func() {
		fmt.Printf(`Terminal client for the marketplace chat server

Usage:
  chatcli --user <id> [options]

Commands once connected:
  /to <userId> <text>                 Send a direct message
  /ask <productId> <text>             Ask the owner of a product
  /reply <userId> <productId> <text>  Answer about one of your products (sellers)
  /open <conversationId>              Show a conversation and mark it read
  /list                               Refresh the conversation list
  /typing <conversationId> on|off     Send a typing indicator
  /token <token>                      Replace the auth token
  /connect                            Connect again after giving up
  /quit                               Disconnect and exit

Options:
`)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *userID == "" {
		fs.Usage()
		os.Exit(2)
	}
	if !*verbose {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := connection.New(connection.Config{
		URL:          *serverURL,
		UserID:       *userID,
		UserRole:     *role,
		UserName:     *name,
		AuthToken:    *token,
		MaxQueueSize: *queueSize,
	})
	store := chatstate.New(manager)
	defer store.Close()

	subscribe(manager, store)

	if err := manager.Connect(ctx); err != nil {
		fmt.Printf("! %v (retrying in the background)\n", err)
	}
	defer manager.Disconnect()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleCommand(ctx, manager, store, line); quit {
				return
			}
		}
	}
}

func readLines(lines chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
	close(lines)
}

func subscribe(manager *connection.Manager, store *chatstate.Store) {
	manager.Subscribe(connection.EventStateChange, func(e connection.Event) {
		change := e.Data.(connection.StateChange)
		fmt.Printf("* %s -> %s\n", change.From, change.To)
	})
	manager.Subscribe(connection.EventReconnecting, func(e connection.Event) {
		info := e.Data.(connection.ReconnectInfo)
		fmt.Printf("* reconnect attempt %d in %v\n", info.Attempt, info.Delay)
	})
	manager.Subscribe(connection.EventReconnectFailed, func(e connection.Event) {
		fmt.Println("! giving up on reconnecting, use /connect to try again")
	})
	manager.Subscribe(ws.MessageTypeConnectionEstablished, func(e connection.Event) {
		var data ws.ConnectionEstablishedData
		if e.Decode(&data) == nil {
			fmt.Printf("* signed in as %s (%s)\n", data.UserName, data.UserRole)
		}
	})
	manager.Subscribe(ws.MessageTypeConnectionReplaced, func(e connection.Event) {
		fmt.Println("! this session was replaced by a newer connection")
	})
	manager.Subscribe(ws.MessageTypeNewMessage, func(e connection.Event) {
		var msg entity.Message
		if e.Decode(&msg) == nil {
			fmt.Printf("%s %s%s: %s\n", msg.Timestamp.Format(time.Kitchen), msg.SenderName, productSuffix(msg.ProductName), msg.Text)
		}
	})
	manager.Subscribe(ws.MessageTypeMessageSent, func(e connection.Event) {
		var msg entity.Message
		if e.Decode(&msg) == nil {
			fmt.Printf("  sent to %s [%s]\n", msg.RecipientName, msg.ConversationID)
		}
	})
	manager.Subscribe(ws.MessageTypeMessageStatusUpdate, func(e connection.Event) {
		var data ws.MessageStatusUpdateData
		if e.Decode(&data) == nil {
			fmt.Printf("  %s is %s\n", data.MessageID, data.Status)
		}
	})
	manager.Subscribe(ws.MessageTypeTypingStatus, func(e connection.Event) {
		var data ws.TypingStatusUpdateData
		if e.Decode(&data) == nil && len(data.TypingUsers) > 0 {
			names := make([]string, 0, len(data.TypingUsers))
			for _, user := range data.TypingUsers {
				names = append(names, user.UserName)
			}
			fmt.Printf("  %s typing in %s...\n", strings.Join(names, ", "), data.ConversationID)
		}
	})
	manager.Subscribe(ws.MessageTypeConversationMessages, func(e connection.Event) {
		var data ws.ConversationMessagesData
		if e.Decode(&data) != nil {
			return
		}
		fmt.Printf("--- %s (%d messages)\n", data.ConversationID, len(data.Messages))
		for _, msg := range data.Messages {
			fmt.Printf("%s %s: %s [%s]\n", msg.Timestamp.Format(time.Kitchen), msg.SenderName, msg.Text, msg.Status)
		}
	})
	manager.Subscribe(ws.MessageTypeConversationsList, func(e connection.Event) {
		printConversations(store.Snapshot())
	})
	manager.Subscribe(ws.MessageTypeError, func(e connection.Event) {
		var data ws.ErrorData
		if e.Decode(&data) == nil {
			fmt.Printf("! %s (%s)\n", data.Message, data.Code)
		}
	})
}

func printConversations(snapshot chatstate.Snapshot) {
	fmt.Printf("--- %d conversations, %d unread\n", len(snapshot.Conversations), snapshot.TotalUnread)
	for _, conv := range snapshot.Conversations {
		last := ""
		if conv.LastMessage != nil {
			last = conv.LastMessage.Text
		}
		fmt.Printf("%-32s %-16s %2d unread  %s%s\n", conv.ConversationID, conv.OtherUserName, conv.UnreadCount, last, productSuffix(conv.ProductName))
	}
}

func productSuffix(productName string) string {
	if productName == "" {
		return ""
	}
	return " (" + productName + ")"
}

// handleCommand runs one input line and reports whether the client should exit.
func handleCommand(ctx context.Context, manager *connection.Manager, store *chatstate.Store, line string) bool {
	if line == "" {
		return false
	}

	fields := strings.Fields(line)
	var err error

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/to":
		if len(fields) < 3 {
			fmt.Println("usage: /to <userId> <text>")
			return false
		}
		err = store.SendMessage(chatstate.SendInput{RecipientID: fields[1], Text: strings.Join(fields[2:], " ")})
	case "/ask":
		if len(fields) < 3 {
			fmt.Println("usage: /ask <productId> <text>")
			return false
		}
		err = store.SendMessage(chatstate.SendInput{ProductID: fields[1], Text: strings.Join(fields[2:], " ")})
	case "/reply":
		if len(fields) < 4 {
			fmt.Println("usage: /reply <userId> <productId> <text>")
			return false
		}
		err = store.SendMessage(chatstate.SendInput{RecipientID: fields[1], ProductID: fields[2], Text: strings.Join(fields[3:], " ")})
	case "/open":
		if len(fields) != 2 {
			fmt.Println("usage: /open <conversationId>")
			return false
		}
		err = store.OpenConversation(fields[1])
	case "/list":
		err = store.RefreshConversations()
	case "/typing":
		if len(fields) != 3 {
			fmt.Println("usage: /typing <conversationId> on|off")
			return false
		}
		err = store.SetTyping(fields[1], fields[2] == "on")
	case "/connect":
		err = manager.Connect(ctx)
	case "/token":
		if len(fields) != 2 {
			fmt.Println("usage: /token <token>")
			return false
		}
		err = manager.UpdateAuthToken(ctx, fields[1])
	default:
		fmt.Printf("unknown command %q, see --help\n", fields[0])
		return false
	}

	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	if manager.State() != connection.StateConnected {
		fmt.Printf("  (offline, %d frames queued)\n", manager.QueueLength())
	}
	return false
}
