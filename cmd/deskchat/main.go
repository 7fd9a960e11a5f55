// Command deskchat is a terminal viewer for a Desk room. It drives the full
// delivery module end to end: room resolution over REST, a push-channel
// session, and a conversation view with the fallback poller.
//
// Usage:
//
//	deskchat -base http://127.0.0.1:8080 -room "Support#42" -name ada
//
// Type a line and press enter to send. "/typing" toggles the typing signal,
// "/quit" exits.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"desk/cmd/internal/api"
	"desk/cmd/internal/app"
	"desk/cmd/internal/client"
	chatv1 "desk/shared/contracts/chat/v1"
)

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the Desk server")
		roomName = flag.String("room", "Support#demo", "Room title to open (created when absent)")
		name     = flag.String("name", "guest", "Display name for outgoing messages")
		logLevel = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := run(*baseURL, *roomName, *name, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "deskchat:", err)
		os.Exit(1)
	}
}

func run(baseURL, roomName, displayName, logLevel string) error {
	log := app.NewLogger(logLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	durable, err := api.NewClient(baseURL)
	if err != nil {
		return err
	}

	room, err := durable.FindOrCreateRoom(ctx, roomName)
	if err != nil {
		return fmt.Errorf("resolve room %q: %w", roomName, err)
	}
	fmt.Printf("* room %q (id=%d)\n", room.Name, room.ID)

	sess := client.NewSession(log, client.WSBaseURL(baseURL)+"/ws")
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("push channel: %w", err)
	}
	defer sess.Disconnect()

	viewer := chatv1.Sender{ID: time.Now().Unix(), Name: strings.TrimSpace(displayName), Role: "member"}

	conv := client.NewConversation(log, sess, durable, room.ID, viewer)
	conv.Open(ctx)
	defer conv.Close()

	for _, m := range conv.Messages() {
		printMessage(m)
	}

	// Print peers' lines as they arrive; own sends are already echoed locally.
	seen := make(map[int64]bool)
	unsub := sess.Subscribe(func(env chatv1.Envelope) {
		if env.Type != chatv1.TypeMessage {
			return
		}
		var m chatv1.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		if m.RoomID != room.ID || m.ID == 0 || seen[m.ID] {
			return
		}
		seen[m.ID] = true
		if m.Sender.Name == viewer.Name {
			return
		}
		printMessage(m)
	})
	defer unsub()

	conv.OnTyping(func(isTyping bool) {
		if isTyping {
			fmt.Println("* someone is typing…")
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	typing := false
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n* bye")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "/quit":
				return nil
			case line == "/typing":
				typing = !typing
				conv.Typing(ctx, typing)
			case line == "":
				// nothing to send
			default:
				if err := conv.Send(ctx, line); err != nil {
					fmt.Fprintln(os.Stderr, "send:", err)
					continue
				}
				printMessage(chatv1.Message{Body: line, Sender: viewer, CreatedAt: chatv1.FormatCreatedAt(time.Now())})
			}
		}
	}
}

func printMessage(m chatv1.Message) {
	ts := chatv1.ParseCreatedAt(m.CreatedAt, time.Now()).Local().Format("15:04:05")
	who := m.Sender.Name
	if who == "" {
		who = "anon"
	}
	fmt.Printf("[%s] %s: %s\n", ts, who, m.Body)
}
