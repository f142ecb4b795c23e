package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nfrund/chatsync/internal/api"
	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	chatGroup       bool
	chatHistory     int
	chatMetricsAddr string
)

var chatCmd = &cobra.Command{
	Use:   "chat <user-id|group-id>",
	Short: "Open a direct or group conversation",
	Long: `Open a conversation and stay connected. Lines read from stdin are sent as
messages; incoming messages, typing and presence changes are printed as they
arrive.

Commands typed on their own line:
  /away      appear offline to peers
  /back      appear online again
  /quit      leave

Examples:
  chatsync chat bob
  chatsync chat --group 6650c1f2e4
  chatsync chat bob --metrics-addr :9090`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, closeClient, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	self, ok := client.Credentials.Identity()
	if !ok {
		return errors.New("not signed in, run 'chatsync login' first")
	}

	conv := domain.DirectConversation(self.UserID, args[0])
	if chatGroup {
		conv = domain.GroupConversation(args[0])
		client.Session.JoinGroupChannel(ctx, args[0])
	}

	if chatMetricsAddr != "" {
		go serveMetrics(ctx, chatMetricsAddr)
	}

	if err := subscribeOutput(ctx, client, conv, self.UserID); err != nil {
		return err
	}

	history, err := client.LoadConversation(ctx, conv, api.Page{Page: 1, Limit: chatHistory})
	if err != nil {
		slog.Warn("Failed to load history", "error", err)
	}
	for _, m := range history {
		printMessage(m, self.UserID)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/away":
				client.Session.SetAway(ctx, true)
				continue
			case "/back":
				client.Session.SetAway(ctx, false)
				continue
			}
			if _, err := client.SendMessage(ctx, conv, line, nil); err != nil {
				fmt.Fprintf(os.Stderr, "! not sent: %v\n", err)
			}
		}
	}
}

// subscribeOutput prints bus events that concern conv.
func subscribeOutput(ctx context.Context, client *app.Client, conv domain.Conversation, self string) error {
	bus := client.Events()

	var latest pubsub.Ordered
	err := pubsub.SubscribeTyped(ctx, bus, pubsub.TopicSessionStatus, func(_ context.Context, s pubsub.StatusChanged) error {
		if !latest.Accept(s.Seq) {
			return nil
		}
		if s.Error != "" {
			fmt.Fprintf(os.Stderr, "* %s (%s)\n", s.Status, s.Error)
			return nil
		}
		fmt.Fprintf(os.Stderr, "* %s\n", s.Status)
		return nil
	})
	if err != nil {
		return err
	}

	err = pubsub.SubscribeTyped(ctx, bus, pubsub.TopicMessagesUpdated, func(_ context.Context, e pubsub.MessagesChanged) error {
		if e.Conversation != conv.Key() {
			return nil
		}
		switch e.Action {
		case pubsub.ActionAppended, pubsub.ActionUpdated:
			m, ok := client.Messages.Get(e.MessageID)
			if ok && m.SenderID != self {
				printMessage(m, self)
			}
		case pubsub.ActionRemoved:
			fmt.Printf("- message %s deleted\n", e.MessageID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = pubsub.SubscribeTyped(ctx, bus, pubsub.TopicTypingUpdated, func(_ context.Context, e pubsub.TypingChanged) error {
		if e.Conversation == conv.Key() && e.IsTyping {
			fmt.Fprintf(os.Stderr, "  %s is typing...\n", e.UserID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if conv.IsGroup() {
		return nil
	}
	peer := conv.Peer(self)
	return pubsub.SubscribeTyped(ctx, bus, pubsub.TopicPresenceUpdated, func(_ context.Context, e pubsub.PresenceChanged) error {
		if e.UserID == peer {
			fmt.Fprintf(os.Stderr, "  %s is %s\n", peer, client.Presence.Status(peer))
		}
		return nil
	})
}

func printMessage(m domain.Message, self string) {
	who := m.SenderID
	if who == self {
		who = "you"
	}
	stamp := m.CreatedAt.Local().Format(time.Kitchen)
	suffix := ""
	if m.IsEdited() {
		suffix = " (edited)"
	}
	if m.Attachment != nil {
		suffix += fmt.Sprintf(" [%s]", m.Attachment.Name)
	}
	fmt.Printf("[%s] %s: %s%s\n", stamp, who, m.Content, suffix)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", "error", err)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVarP(&chatGroup, "group", "g", false, "Treat the argument as a group id")
	chatCmd.Flags().IntVarP(&chatHistory, "history", "n", 50, "Number of past messages to show")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}
