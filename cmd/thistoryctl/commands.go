package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/daemon"
	"github.com/matheus3301/thistory/internal/lock"
	"github.com/matheus3301/thistory/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and archive counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		_, name, err := resolve()
		if err != nil {
			return err
		}
		daemonStatus := checkDaemon(ctx, profile.SocketPath(name))

		return withCore(ctx, func(c *core) error {
			convs, err := c.Store.CountConversationsByStatus(ctx)
			if err != nil {
				return err
			}
			msgs, err := c.Store.CountMessages(ctx)
			if err != nil {
				return err
			}
			jobs, err := c.DB.CountJobs(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]any{
					"profile":       name,
					"daemon":        daemonStatus,
					"conversations": convs,
					"messages":      msgs,
					"jobs":          jobs,
				})
				return nil
			}
			fmt.Printf("Profile:       %s\n", name)
			fmt.Printf("Daemon:        %s\n", daemonStatus)
			fmt.Printf("Conversations: idle=%d queued=%d in_progress=%d\n",
				convs[archive.Idle], convs[archive.Queued], convs[archive.InProgress])
			fmt.Printf("Messages:      %d\n", msgs)
			for kind, byStatus := range jobs {
				fmt.Printf("Jobs %-20s %v\n", kind+":", byStatus)
			}
			return nil
		})
	},
}

// checkDaemon asks the daemon's health service for its status.
func checkDaemon(ctx context.Context, socketPath string) string {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "unreachable"
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		return "not running"
	}
	return resp.Status.String()
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Queue a conversation list scan now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd.Context(), func(c *core) error {
			id, err := c.Scheduler.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Scan queued: %s\n", id)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <conversation-id>",
	Short: "Queue a sync pass over one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		var depth *archive.Depth
		if s, _ := cmd.Flags().GetString("depth"); s != "" {
			d, err := archive.ParseDepth(s)
			if err != nil {
				return err
			}
			depth = &d
		}

		return withCore(cmd.Context(), func(c *core) error {
			queued, err := c.Scheduler.SyncConversation(cmd.Context(), id, depth)
			if err != nil {
				return err
			}
			if !queued {
				return fmt.Errorf("conversation %d is busy with another pass", id)
			}
			fmt.Printf("Conversation %d queued\n", id)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id> [message-id]",
	Short: "Print the stored content and history of a conversation or message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, len(args))
		for i, a := range args {
			n, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", a)
			}
			ids[i] = n
		}

		return withCore(cmd.Context(), func(c *core) error {
			ctx := cmd.Context()
			if len(ids) == 2 {
				m, err := c.Store.GetMessage(ctx, ids[0], ids[1])
				if err != nil {
					return err
				}
				outputJSON(map[string]any{
					"conversationId": m.ConversationID,
					"id":             m.ID,
					"removed":        m.Removed,
					"lastUpdate":     m.LastUpdate,
					"content":        m.Content,
					"history":        m.History,
				})
				return nil
			}
			conv, err := c.Store.GetConversation(ctx, ids[0])
			if err != nil {
				return err
			}
			outputJSON(map[string]any{
				"id":           conv.ID,
				"type":         conv.Type,
				"status":       conv.Status,
				"localHeadId":  conv.LocalHeadID,
				"remoteHeadId": conv.RemoteHeadID,
				"fullSyncAt":   conv.FullSyncAt,
				"lastUpdate":   conv.LastUpdate,
				"content":      conv.Content,
				"history":      conv.History,
			})
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset interrupted conversations and jobs (daemon must be stopped)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, name, err := resolve()
		if err != nil {
			return err
		}
		lk, err := lock.Acquire(profile.LockPath(name))
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("daemon is running (PID %d); it recovers on start", held.PID)
		}
		if err != nil {
			return err
		}
		defer func() { _ = lk.Release() }()

		return withCore(cmd.Context(), func(c *core) error {
			if err := c.Scheduler.Recover(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Recovered.")
			return nil
		})
	},
}
