package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ryakhovskiy/zchat-relay/internal/client"
	"github.com/ryakhovskiy/zchat-relay/internal/config"
	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
)

func main() {
	cfg := config.LoadClient()

	url := flag.String("url", cfg.URL, "chat relay WebSocket URL")
	user := flag.String("user", "", "user id")
	name := flag.String("name", "", "display name, used when minting a token")
	chat := flag.String("chat", "", "chat id to join (default: global chat)")
	token := flag.String("token", "", "bearer token")
	secret := flag.String("secret", cfg.JWTSecret, "mint a token with this secret when -token is empty")
	heartbeat := flag.Duration("heartbeat", cfg.HeartbeatInterval, "heartbeat interval")
	pacing := flag.Duration("pacing", cfg.ReconnectPacing, "delay between replayed messages")
	retry := flag.Duration("retry", cfg.RetryDelay, "wait before resending a throttled or failed message")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	if *verbose {
		cfg.LogLevel = "debug"
	}
	logger := cfg.NewLogger()

	header := http.Header{}
	if *token == "" && *secret != "" {
		t, err := security.NewTokenService(*secret, 24*time.Hour).Issue(security.Identity{UserID: *user, Name: *name})
		if err != nil {
			fmt.Fprintf(os.Stderr, "mint token: %v\n", err)
			os.Exit(1)
		}
		*token = t
	}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}

	transport, c := client.NewWSTransport(client.WSOptions{
		URL:               *url,
		Header:            header,
		UserID:            *user,
		ChatID:            *chat,
		HeartbeatInterval: *heartbeat,
	}, client.Options{
		OnBroadcast: func(msg domain.DeliveredMessage) {
			if msg.SenderID == *user {
				return
			}
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), senderName(msg), msg.Content)
		},
		Pacing:     *pacing,
		RetryDelay: *retry,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transport stopped", "error", err)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("type a message and press enter; /status shows the connection, /quit exits")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return
			case "/status":
				st := c.Status()
				fmt.Printf("connected=%v pending=%d %s\n", st.Connected, st.Pending, st.Banner())
				continue
			}

			c.Send(ctx, line)
			if err := c.Err(time.Now()); err != nil {
				fmt.Printf("! %v\n", err)
			}
			if banner := c.Status().Banner(); banner != "" {
				fmt.Printf("! %s\n", banner)
			}
		}
	}
}

func senderName(msg domain.DeliveredMessage) string {
	if msg.Sender.Name != "" {
		return msg.Sender.Name
	}
	return msg.SenderID
}
