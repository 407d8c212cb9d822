package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pulsemesh/chatsync"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect and chat from the terminal",
	Long: `Connect to the configured backend and join a room or DM thread.

Lines typed on stdin are sent as messages. Commands:
  /join <room-id>   switch to another room
  /dm <handle>      switch to a DM thread
  /who              print the current room's known participants
  /quit             log out and exit`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("room", "", "room context to join on connect")
	connectCmd.Flags().String("dm", "", "peer handle to open a DM thread with")
	connectCmd.Flags().Bool("json-log", false, "emit JSON logs instead of console output")
	rootCmd.AddCommand(connectCmd)
}

func newLogger(jsonLog bool) zerolog.Logger {
	if jsonLog {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.WSURL == "" {
		return fmt.Errorf("no websocket endpoint configured; run 'chatsync init' or set CHATSYNC_WS_URL")
	}
	if cfg.User.ID == "" || cfg.User.DisplayName == "" {
		return fmt.Errorf("no identity configured; run 'chatsync init <user-id> <display-name>'")
	}

	jsonLog, _ := cmd.Flags().GetBool("json-log")
	logger := newLogger(jsonLog)

	ch := chatsync.NewWSChannel(cfg.Server.WSURL, &chatsync.ChannelOptions{
		AutoReconnect: true,
		Logger:        logger,
	})

	opts := &chatsync.SessionOptions{Logger: logger}
	if cfg.Server.APIURL != "" {
		opts.History = chatsync.NewHistoryClient(cfg.Server.APIURL, cfg.Server.Token)
	}

	ident := chatsync.Identity{UserID: cfg.User.ID, DisplayName: cfg.User.DisplayName}
	sess := chatsync.NewSession(ch, ident, opts)

	sess.OnChange(func(contextID string, cs chatsync.ChangeSet) {
		for _, m := range cs.Added {
			printMessage(m)
		}
		for _, m := range cs.Updated {
			if m.Deleted {
				fmt.Printf("  · message %s removed\n", m.ID)
			}
		}
	})
	sess.OnUnread(func(contextID string, count int) {
		if count > 0 {
			fmt.Printf("  · %s: %d unread\n", contextID, count)
		}
	})
	sess.OnPresence(func(contextID string, joined, left []string) {
		for _, name := range joined {
			fmt.Printf("  · %s joined\n", name)
		}
		for _, name := range left {
			fmt.Printf("  · %s left\n", name)
		}
	})
	sess.OnNotice(func(n chatsync.Notice) {
		fmt.Printf("  ! %s: %s\n", n.Code, n.Message)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	room, _ := cmd.Flags().GetString("room")
	peer, _ := cmd.Flags().GetString("dm")
	switch {
	case room != "":
		err = sess.SwitchContext(context.Background(), chatsync.NewRoomContext(room, "", room))
	case peer != "":
		err = sess.SwitchContext(context.Background(), chatsync.NewDirectContext(peer))
	default:
		// Fall back to the last context from a previous run of this session.
		if restored, rerr := sess.Restore(context.Background()); rerr == nil && !restored {
			fmt.Println("No context joined; use /join or /dm.")
		}
	}
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sess.Logout()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleLine(sess, line); err != nil {
			fmt.Printf("  ! %v\n", err)
		}
		if sess.State() == chatsync.SessionLoggedOut {
			return nil
		}
	}
	sess.Logout()
	return scanner.Err()
}

func handleLine(sess *chatsync.Session, line string) error {
	switch {
	case line == "/quit":
		sess.Logout()
		return nil
	case line == "/who":
		current := sess.CurrentContext()
		if current == nil {
			return fmt.Errorf("no current context")
		}
		parts := sess.Tracker().Participants(current.ID)
		if len(parts) == 0 {
			fmt.Println("no participants known yet")
			return nil
		}
		for _, p := range parts {
			status := p.Status
			if status == "" {
				status = chatsync.StatusOnline
			}
			fmt.Printf("  %s (%s)\n", p.DisplayName, status)
		}
		return nil
	case strings.HasPrefix(line, "/join "):
		room := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		return sess.SwitchContext(context.Background(), chatsync.NewRoomContext(room, "", room))
	case strings.HasPrefix(line, "/dm "):
		peer := strings.TrimSpace(strings.TrimPrefix(line, "/dm "))
		return sess.SwitchContext(context.Background(), chatsync.NewDirectContext(peer))
	default:
		_, err := sess.Send(chatsync.TextBody(line))
		return err
	}
}

func printMessage(m chatsync.Message) {
	state := ""
	if m.State == chatsync.StatePending {
		state = " (sending…)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04:05"), m.SenderName, m.Body.Text, state)
}
