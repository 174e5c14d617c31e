package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pulsed/internal/ingest"
)

// newHealthCmd checks server health
func newHealthCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check pulsed server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := c.do(http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			var health struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(data, &health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", health.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", c.baseURL)
			return nil
		},
	}
}

// newSendCmd stores one event
func newSendCmd(c *client) *cobra.Command {
	var (
		req       ingest.StoreEventRequest
		payload   string
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one context event",
		Long: `Send one context event to pulsed.

Examples:
  # Record a file edit
  pulsectl send --session sess_1 --type file_modified --payload '{"diff":"+x"}'

  # Read the payload from stdin
  git diff | jq -Rs '{diff: .}' | pulsectl send --session sess_1 --type file_modified --payload -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readPayload(cmd.InOrStdin(), payload)
			if err != nil {
				return err
			}
			req.Payload = raw
			req.Timestamp = timestamp
			if req.Timestamp == "" {
				req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
			}
			data, err := c.do(http.MethodPost, "/api/v1/events", req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.SessionID, "session", "", "session ID")
	f.StringVar(&req.Agent, "agent", "editor", "agent (editor, terminal, browser, debug, git, system)")
	f.StringVar(&req.EventType, "type", "", "event type, e.g. file_modified")
	f.StringVar(&payload, "payload", "", "JSON payload, - for stdin, or @file")
	f.StringVar(&timestamp, "timestamp", "", "RFC 3339 timestamp (default now)")
	f.StringVar(&req.FilePath, "file", "", "file path locality hint")
	f.IntVar(&req.LineNumber, "line", 0, "line number locality hint")
	f.BoolVar(&req.IndexLocality, "index-locality", false, "store the file path in plaintext for indexing")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// readPayload resolves the --payload flag. An empty flag sends no payload.
func readPayload(stdin io.Reader, flag string) (json.RawMessage, error) {
	var data []byte
	switch {
	case flag == "":
		return nil, nil
	case flag == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(flag, "@"):
		b, err := os.ReadFile(flag[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", flag[1:], err)
		}
		data = b
	default:
		data = []byte(flag)
	}
	if !json.Valid(data) {
		return nil, errors.New("payload must be valid JSON")
	}
	return json.RawMessage(data), nil
}

// newSyncCmd sends a heartbeat
func newSyncCmd(c *client) *cobra.Command {
	var req ingest.SyncRequest
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send a session heartbeat and show the active client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := c.do(http.MethodPost, "/api/v1/sessions/sync", req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&req.ClientID, "client", "", "client ID")
	cmd.Flags().StringVar(&req.Platform, "platform", runtime.GOOS, "client platform")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// newLeaveCmd removes a client from a session
func newLeaveCmd(c *client) *cobra.Command {
	var session, clientID string
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Remove a client from a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"session_id": {session}, "client_id": {clientID}}
			if _, err := c.do(http.MethodDelete, "/api/v1/sessions/sync?"+q.Encode(), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Client %s left session %s\n", clientID, session)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session ID")
	cmd.Flags().StringVar(&clientID, "client", "", "client ID")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func sessionPath(sessionID, suffix string) string {
	return "/api/v1/sessions/" + url.PathEscape(sessionID) + "/" + suffix
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session_id>",
		Short: "Show the session's clients and active client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.do(http.MethodGet, sessionPath(args[0], "status"), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newWindowCmd(c *client) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "window <session_id>",
		Short: "Show decrypted events from the trailing window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("%s?window_minutes=%d", sessionPath(args[0], "events"), minutes)
			data, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 60, "window size in minutes (1-10080)")
	return cmd
}

// newAnalyticsCmd reads one of the per-session analytics endpoints.
func newAnalyticsCmd(c *client, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <session_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.do(http.MethodGet, sessionPath(args[0], name), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newWipeCmd(c *client) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe <session_id>",
		Short: "Delete every stored event for a session",
		Long: `Delete every stored event for a session. This cannot be undone, so
--yes is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			data, err := c.do(http.MethodDelete, sessionPath(args[0], "events")+"?confirm=true", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
