// Command smssim drives a locally running engine that uses the mock SMS
// provider: it opens conversations, injects replies and prints what the
// recipient would have received.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 15 * time.Second}}
	root := &cobra.Command{
		Use:          "smssim",
		Short:        "Simulate an SMS recipient against the mock provider",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", envOr("SMSSIM_SERVER", "http://localhost:8080"), "engine base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("SMSSIM_TOKEN"), "bearer token for the management API")

	root.AddCommand(startCmd(c), replyCmd(c), outboxCmd(c), eventsCmd(c), showCmd(c))
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type slot struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type conversationView struct {
	ID                 string `json:"conversation_id"`
	DestinationAddress string `json:"destination_address"`
	State              string `json:"state"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

// parseSlot accepts "id=label" or a bare label, which doubles as the id.
func parseSlot(raw string) slot {
	if id, label, ok := strings.Cut(raw, "="); ok {
		return slot{ID: strings.TrimSpace(id), Label: strings.TrimSpace(label)}
	}
	raw = strings.TrimSpace(raw)
	return slot{ID: raw, Label: raw}
}

func startCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "start <to> <slot> [slot...]",
		Short: "Open a conversation offering the given slots (id=label or label)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slots := make([]slot, 0, len(args)-1)
			for _, raw := range args[1:] {
				slots = append(slots, parseSlot(raw))
			}
			var conv conversationView
			body := map[string]any{"destination_address": args[0], "slots": slots}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/conversations", body, &conv); err != nil {
				return err
			}
			cmd.Printf("%s %s %s\n", conv.ID, conv.State, conv.DestinationAddress)
			return nil
		},
	}
}

func replyCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <from> <text>",
		Short: "Send a reply as the recipient",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"from": args[0], "body": strings.Join(args[1:], " ")}
			var msg struct {
				ProviderMessageID string `json:"provider_message_id"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/dev/mock/inbound", body, &msg); err != nil {
				return err
			}
			cmd.Printf("delivered %s\n", msg.ProviderMessageID)
			return nil
		},
	}
}

func outboxCmd(c *client) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List messages the mock provider has sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/dev/mock/outbox"
			if to != "" {
				path += "?to=" + url.QueryEscape(to)
			}
			var resp struct {
				Messages []struct {
					To     string    `json:"to"`
					Body   string    `json:"body"`
					SentAt time.Time `json:"sent_at"`
				} `json:"messages"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			for _, m := range resp.Messages {
				cmd.Printf("[%s] -> %s\n%s\n\n", m.SentAt.Format(time.RFC3339), m.To, m.Body)
			}
			if len(resp.Messages) == 0 {
				cmd.Println("no messages")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "only show messages sent to this address")
	return cmd
}

func eventsCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List published outcome events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Events []string `json:"events"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/dev/mock/events", nil, &resp); err != nil {
				return err
			}
			for _, ev := range resp.Events {
				cmd.Println(ev)
			}
			return nil
		},
	}
}

func showCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conv conversationView
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/conversations/"+url.PathEscape(args[0]), nil, &conv); err != nil {
				return err
			}
			line := fmt.Sprintf("%s %s %s", conv.ID, conv.State, conv.DestinationAddress)
			if conv.FailureReason != "" {
				line += " (" + conv.FailureReason + ")"
			}
			cmd.Println(line)
			return nil
		},
	}
}
