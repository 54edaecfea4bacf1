// Command messenger is a terminal client for the messaging server. It opens
// a conversation with one counterpart, unlocking it first when asked to, and
// relays lines from stdin as messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jobboard/messaging/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	server := flag.String("server", "http://localhost:8080", "Messaging server base URL")
	token := flag.String("token", os.Getenv("MESSAGING_TOKEN"), "Auth token")
	account := flag.String("account", "", "Your account ID")
	to := flag.String("to", "", "Account ID of the counterpart")
	convContext := flag.String("context", "", "Optional conversation context, such as a job ID")
	unlock := flag.Bool("unlock", false, "Pay to unlock messaging if it is locked")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *account == "" || *to == "" {
		logger.Error("Both -account and -to are required")
		os.Exit(2)
	}

	sess, err := client.NewSession(client.Options{
		BaseURL:   *server,
		AccountID: *account,
		Tokens:    func() string { return *token },
		Config:    client.DefaultConfig(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Could not create session", "error", err)
		os.Exit(1)
	}
	if err := run(ctx, sess, logger, *to, *convContext, *unlock); err != nil {
		logger.Error("Messenger stopped", "error", err)
		sess.Close()
		os.Exit(1)
	}
	if err := sess.Close(); err != nil {
		logger.Warn("Closed with errors", "error", err)
	}
}

func run(ctx context.Context, sess *client.Session, logger *slog.Logger, to, convContext string, unlock bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.Conn.OnStatus.Subscribe(func(s client.Status) {
		logger.Info("Connection", "status", s)
	})
	sess.Conn.OnConnectionError.Subscribe(func(e client.ConnectionError) {
		logger.Warn("Reconnect failed", "attempt", e.Attempt, "retry_in", e.NextDelay, "error", e.Err)
	})
	var expired atomic.Bool
	sess.Conn.OnAuthFailed.Subscribe(func(err error) {
		logger.Error("Session expired, log in again", "error", err)
		expired.Store(true)
		cancel()
	})
	sess.Presence.Changed.Subscribe(func([]string) {
		logger.Info("Presence", "account", to, "online", sess.Presence.IsOnline(to))
	})

	if err := sess.Open(ctx); err != nil {
		return err
	}

	st, err := sess.Access.CheckAccess(ctx, to)
	if err != nil {
		return err
	}
	if !st.CanMessage {
		if !unlock {
			return fmt.Errorf("messaging %s is locked; rerun with -unlock to pay %d credits", to, st.UnlockCost)
		}
		res, err := sess.Access.Unlock(ctx, to)
		if err != nil {
			if client.IsRetryable(err) {
				return fmt.Errorf("%w (try again)", err)
			}
			return err
		}
		logger.Info("Unlocked", "account", to, "balance", res.Balance)
	}

	if _, err := sess.Conversations.Open(ctx, to, convContext); err != nil {
		return err
	}

	var mu sync.Mutex
	printed := make(map[string]bool)
	show := func(msgs []client.Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			if m.State != client.Sent || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderID, m.Body)
		}
	}
	show(sess.Conversations.Messages())
	sess.Conversations.Updated.Subscribe(show)

	var lastFailed string
	sess.Conversations.SendFailed.Subscribe(func(m client.Message) {
		mu.Lock()
		lastFailed = m.ClientID
		mu.Unlock()
		logger.Warn("Message not delivered, type /retry to send it again", "body", m.Body, "error", m.Err)
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if expired.Load() {
				return client.ErrUnauthorized
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/retry":
				mu.Lock()
				id := lastFailed
				mu.Unlock()
				if _, err := sess.Conversations.Retry(ctx, id); err != nil {
					logger.Warn("Could not retry", "error", err)
				}
			case line == "/reconnect":
				if err := sess.Conn.Reconnect(ctx); err != nil {
					logger.Warn("Could not reconnect", "error", err)
				}
			default:
				if _, err := sess.Conversations.Send(ctx, line); err != nil {
					logger.Warn("Could not send", "error", err)
				}
			}
		}
	}
}
