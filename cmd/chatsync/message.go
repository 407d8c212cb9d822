package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsemesh/chatsync"
)

var historyCmd = &cobra.Command{
	Use:   "history <context-id>",
	Short: "Print recent messages of a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.APIURL == "" {
			return fmt.Errorf("no remote store configured; set CHATSYNC_API_URL or server.api_url")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		client := chatsync.NewHistoryClient(cfg.Server.APIURL, cfg.Server.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.FetchHistory(ctx, args[0], limit, 0)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			printMessage(m)
		}
		if page.HasMore {
			fmt.Println("  … more available")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <context-id> <text>...",
	Short: "Send a single message and exit",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		ch := chatsync.NewWSChannel(cfg.Server.WSURL, &chatsync.ChannelOptions{
			Logger: newLogger(jsonLog),
		})
		ident := chatsync.Identity{UserID: cfg.User.ID, DisplayName: cfg.User.DisplayName}
		sess := chatsync.NewSession(ch, ident, &chatsync.SessionOptions{Logger: newLogger(jsonLog)})

		confirmed := make(chan chatsync.Message, 1)
		sess.OnChange(func(_ string, cs chatsync.ChangeSet) {
			for _, m := range cs.Updated {
				if !chatsync.IsLocalID(m.ID) && m.SenderID == ident.UserID {
					select {
					case confirmed <- m:
					default:
					}
				}
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sess.Start(ctx); err != nil {
			return err
		}
		defer sess.Logout()

		if err := sess.SwitchContext(ctx, chatsync.NewRoomContext(args[0], "", args[0])); err != nil {
			return err
		}
		if _, err := sess.Send(chatsync.TextBody(strings.Join(args[1:], " "))); err != nil {
			return err
		}

		select {
		case m := <-confirmed:
			fmt.Printf("sent %s\n", m.ID)
		case <-time.After(5 * time.Second):
			fmt.Println("sent (no confirmation within 5s)")
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "number of messages to fetch")
	sendCmd.Flags().Bool("json-log", false, "emit JSON logs instead of console output")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
}
