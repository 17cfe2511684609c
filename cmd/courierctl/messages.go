package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/courier/internal/api"
	"github.com/h1v3-io/courier/internal/queue"
	"github.com/h1v3-io/courier/pkg/protocol"
)

func (c *cli) sendCmd() *cobra.Command {
	var sender, priority string
	cmd := &cobra.Command{
		Use:   "send <agent> <message...>",
		Short: "Queue a message for one agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.post("/api/messages", api.SendRequest{
				Sender:    sender,
				Recipient: args[0],
				Content:   strings.Join(args[1:], " "),
				Priority:  priority,
			})
			if err != nil {
				return err
			}
			var resp api.SendResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "from", "courierctl", "sender name")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high or critical")
	return cmd
}

func (c *cli) broadcastCmd() *cobra.Command {
	var sender, priority string
	cmd := &cobra.Command{
		Use:   "broadcast <message...>",
		Short: "Queue a message for every registered agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.post("/api/broadcast", api.BroadcastRequest{
				Sender:   sender,
				Content:  strings.Join(args, " "),
				Priority: priority,
			})
			if err != nil {
				return err
			}
			var receipts []queue.BroadcastReceipt
			if err := json.Unmarshal(body, &receipts); err != nil {
				return fmt.Errorf("decode receipts: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, r := range receipts {
				if r.Error != "" {
					fmt.Fprintf(out, "%-16s FAILED %s\n", r.AgentID, r.Error)
					continue
				}
				fmt.Fprintf(out, "%-16s %s\n", r.AgentID, r.MessageID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "from", "courierctl", "sender name")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high or critical")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <message-id>",
		Short: "Show the delivery status of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printRaw(cmd, "/api/messages/"+url.PathEscape(args[0]))
		},
	}
}

func (c *cli) requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <message-id>",
		Short: "Return a failed message to its agent's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.client.post("/api/messages/"+url.PathEscape(args[0])+"/requeue", nil)
			if err != nil {
				return err
			}
			var msg protocol.Message
			if err := json.Unmarshal(body, &msg); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.ID, msg.Status)
			return nil
		},
	}
}

func (c *cli) messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Inspect queued messages",
	}

	var status, recipient, sender string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List messages (--status, --agent, --from, --limit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if recipient != "" {
				q.Set("recipient", recipient)
			}
			if sender != "" {
				q.Set("sender", sender)
			}

			body, err := c.client.get("/api/messages?" + q.Encode())
			if err != nil {
				return err
			}
			var msgs []protocol.Message
			if err := json.Unmarshal(body, &msgs); err != nil {
				return fmt.Errorf("decode messages: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "%-36s %-10s %-8s %-12s %d/%d %s\n",
					m.ID, m.Status, m.Priority, m.Recipient, m.Attempts, m.MaxAttempts, truncate(m.Content, 40))
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, processing, delivered, failed or expired")
	list.Flags().StringVar(&recipient, "agent", "", "filter by recipient")
	list.Flags().StringVar(&sender, "from", "", "filter by sender")
	list.Flags().IntVar(&limit, "limit", 50, "max results")

	cmd.AddCommand(list)
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
