package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/chatcache/internal/config"
	"github.com/and161185/chatcache/internal/model"
)

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatcache",
		Short:         "Offline-first chat cache client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&o.addr, "addr", "", "server addr")
	pf.StringVar(&o.userID, "user", "", "user id")
	pf.StringVar(&o.token, "token", "", "bearer token")
	pf.StringVar(&o.cachePath, "cache", "", "cache database file")
	pf.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&o.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(o),
		newThreadsCmd(o),
		newNewThreadCmd(o),
		newRmCmd(o),
		newMessagesCmd(o),
		newSayCmd(o),
		newReplyCmd(o),
		newWatchCmd(o),
		newSyncCmd(o),
		newMaintainCmd(o),
		newStatsCmd(o),
		newClearCmd(o),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatcache %s (%s)\n", version, buildDate)
		},
	}
}

func newConfigCmd(o *rootOptions) *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect or create the config file"}
	c.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := o.load(cmd)
				if err != nil {
					return err
				}
				cfg.Server.Token = redact(cfg.Server.Token)
				printJSON(cmd.OutOrStdout(), cfg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the effective configuration to the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := o.load(cmd)
				if err != nil {
					return err
				}
				path := o.configPath
				if path == "" {
					path = config.DefaultPath()
				}
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return c
}

func redact(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}

type threadRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	UpdatedAt   string `json:"updated_at"`
	LastMessage string `json:"last_message_at,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

func threadRows(ts []model.Thread) []threadRow {
	rows := make([]threadRow, 0, len(ts))
	for _, t := range ts {
		rows = append(rows, threadRow{
			ID:          t.ID,
			Title:       t.Title,
			UpdatedAt:   tsString(&t.UpdatedAt),
			LastMessage: tsString(t.LastMessageAt),
			Pending:     t.Pending,
		})
	}
	return rows
}

type messageRow struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Streaming  bool   `json:"streaming,omitempty"`
	TokenCount *int   `json:"token_count,omitempty"`
	CreatedAt  string `json:"created_at"`
	Pending    bool   `json:"pending,omitempty"`
}

func messageRows(ms []model.Message) []messageRow {
	rows := make([]messageRow, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, messageRow{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			Streaming:  m.IsStreaming,
			TokenCount: m.TokenCount,
			CreatedAt:  tsString(&m.CreatedAt),
			Pending:    m.Pending,
		})
	}
	return rows
}

func newThreadsCmd(o *rootOptions) *cobra.Command {
	var refresh, cached bool
	c := &cobra.Command{
		Use:   "threads",
		Short: "List threads, newest first",
		Args:  cobra.NoArgs,
		RunE: withSession(o, func(cmd *cobra.Command, s *session, _ []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			var ts []model.Thread
			if cached {
				ts, err = s.engine.CachedThreads(cmd.Context(), user)
			} else {
				ts, err = s.engine.GetThreads(cmd.Context(), user, refresh)
			}
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), threadRows(ts))
			return nil
		}),
	}
	c.Flags().BoolVar(&refresh, "refresh", false, "ignore the freshness window")
	c.Flags().BoolVar(&cached, "cached", false, "read the local cache only")
	return c
}

func newNewThreadCmd(o *rootOptions) *cobra.Command {
	var offline bool
	c := &cobra.Command{
		Use:   "new-thread <title>",
		Short: "Create a thread",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			var th model.Thread
			if offline {
				th, err = s.engine.CacheThread(cmd.Context(), model.Thread{UserID: user, Title: args[0]})
			} else {
				th, err = s.engine.CreateThread(cmd.Context(), user, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), th.ID)
			return nil
		}),
	}
	c.Flags().BoolVar(&offline, "offline", false, "create locally and push in the background")
	return c
}

func newRmCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <thread-id>",
		Short: "Delete a thread and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			if err := s.engine.DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}),
	}
}

func newMessagesCmd(o *rootOptions) *cobra.Command {
	var refresh, cached bool
	c := &cobra.Command{
		Use:   "messages <thread-id>",
		Short: "List the messages of a thread, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			var (
				ms  []model.Message
				err error
			)
			if cached {
				ms, err = s.engine.CachedMessages(cmd.Context(), args[0])
			} else {
				user, uerr := s.user()
				if uerr != nil {
					return uerr
				}
				ms, err = s.engine.GetMessages(cmd.Context(), args[0], user, refresh)
			}
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), messageRows(ms))
			return nil
		}),
	}
	c.Flags().BoolVar(&refresh, "refresh", false, "ignore the freshness window")
	c.Flags().BoolVar(&cached, "cached", false, "read the local cache only")
	return c
}

func newSayCmd(o *rootOptions) *cobra.Command {
	var (
		role      string
		newThread string
	)
	c := &cobra.Command{
		Use:   "say [thread-id] <text>",
		Short: "Add a message to a thread",
		Long: `Adds a message to an existing thread. With --new-thread the thread is
created on the server first and the message is attached to it; the new
thread id is printed before the message id.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("new-thread") {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			msg := model.Message{UserID: user, Role: r, Content: args[len(args)-1]}

			if cmd.Flags().Changed("new-thread") {
				tmp := model.NewTempID()
				s.engine.CachePendingMessage(tmp, msg)
				th, err := s.engine.CreateThread(ctx, user, newThread)
				if err != nil {
					return err
				}
				if err := s.engine.FinalizePendingMessages(ctx, th.ID, []string{tmp}); err != nil {
					return err
				}
				fmt.Fprintln(out, th.ID)
				fmt.Fprintln(out, tmp)
				return nil
			}

			msg.ThreadID = args[0]
			m, err := s.engine.CacheMessage(ctx, msg)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, m.ID)
			return nil
		}),
	}
	c.Flags().StringVar(&role, "role", string(model.RoleUser), "user, assistant or system")
	c.Flags().StringVar(&newThread, "new-thread", "", "create a thread with this title for the message")
	return c
}

func newWatchCmd(o *rootOptions) *cobra.Command {
	var threads bool
	c := &cobra.Command{
		Use:   "watch [thread-id]",
		Short: "Print a snapshot on every change until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			var unwatch func()
			switch {
			case threads:
				user, err := s.user()
				if err != nil {
					return err
				}
				unwatch = s.engine.WatchThreads(ctx, user, func(ts []model.Thread) { printJSON(out, threadRows(ts)) })
			case len(args) == 1:
				unwatch = s.engine.WatchMessages(ctx, args[0], func(ms []model.Message) { printJSON(out, messageRows(ms)) })
			default:
				return fmt.Errorf("need a thread id or --threads")
			}
			defer unwatch()
			<-ctx.Done()
			return nil
		}),
	}
	c.Flags().BoolVar(&threads, "threads", false, "watch the thread list instead of one thread")
	return c
}

func newSyncCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push every cached thread and message to the server",
		Args:  cobra.NoArgs,
		RunE: withSession(o, func(cmd *cobra.Command, s *session, _ []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			if err := s.engine.ForceSyncAll(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}),
	}
}

func newMaintainCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Drop expired and orphaned records",
		Args:  cobra.NoArgs,
		RunE: withSession(o, func(cmd *cobra.Command, s *session, _ []string) error {
			rep, err := s.engine.PerformMaintenance(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), rep)
			return nil
		}),
	}
}

func newStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: withSession(o, func(cmd *cobra.Command, s *session, _ []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			st, err := s.engine.Stats(cmd.Context(), user)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]any{
				"threads":              st.ThreadCount,
				"messages":             st.MessageCount,
				"total_size":           st.TotalSize,
				"average_message_size": st.AverageMessageSize,
				"pending_messages":     st.PendingMessages,
				"last_cleanup":         tsString(&st.LastCleanup),
			})
			return nil
		}),
	}
}

func newClearCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove everything cached for the user",
		Args:  cobra.NoArgs,
		RunE: withSession(o, func(cmd *cobra.Command, s *session, _ []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			if err := s.engine.ClearUserCache(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}),
	}
}
