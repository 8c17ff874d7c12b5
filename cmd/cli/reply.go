package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/and161185/chatcache/internal/model"
	"github.com/and161185/chatcache/internal/stream"
)

func newReplyCmd(o *rootOptions) *cobra.Command {
	var (
		modelName string
		tokens    int
		prompt    string
	)
	c := &cobra.Command{
		Use:   "reply <thread-id>",
		Short: "Stream an assistant reply from stdin into a thread",
		Long: `Reads stdin line by line as the assistant reply and writes it to the
cache while it arrives. With --prompt, the user message is added first.
The message is finalized when stdin ends or the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: withSession(o, func(cmd *cobra.Command, s *session, args []string) error {
			user, err := s.user()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			threadID := args[0]

			if prompt != "" {
				if _, err := s.engine.CacheMessage(ctx, model.Message{
					ThreadID: threadID, UserID: user, Role: model.RoleUser, Content: prompt,
				}); err != nil {
					return err
				}
			}
			m, err := s.engine.CacheMessage(ctx, model.Message{
				ThreadID:    threadID,
				UserID:      user,
				Role:        model.RoleAssistant,
				Model:       modelName,
				IsStreaming: true,
			})
			if err != nil {
				return err
			}

			rec := stream.New(s.engine,
				stream.WithLogger(s.log.Named("stream")),
				stream.WithFlushChars(s.cfg.Stream.FlushChars),
				stream.WithFlushInterval(s.cfg.Stream.FlushInterval),
				stream.WithFlushGap(s.cfg.Stream.FlushGap),
			)
			res, err := streamReply(ctx, rec, m.ID, cmd.InOrStdin(), tokens)
			if err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("read reply: %w", res.Err)
			}
			printJSON(cmd.OutOrStdout(), map[string]any{
				"id":          m.ID,
				"token_count": res.TokenCount,
				"flushes":     res.Flushes,
				"aborted":     res.Aborted,
			})
			return nil
		}),
	}
	c.Flags().StringVar(&modelName, "model", "", "model that produced the reply")
	c.Flags().IntVar(&tokens, "tokens", 0, "reported total tokens (0 counts words)")
	c.Flags().StringVar(&prompt, "prompt", "", "user message to add before the reply")
	return c
}

// streamReply feeds r through rec as deltas for messageID. A read blocked on
// r does not delay the return after ctx is canceled.
func streamReply(ctx context.Context, rec *stream.Reconciler, messageID string, r io.Reader, tokens int) (stream.Result, error) {
	events := make(chan stream.Event)
	go func() {
		defer close(events)
		produce(ctx, r, events, tokens)
	}()
	return rec.Consume(ctx, messageID, events)
}

// produce turns lines of r into Delta events followed by Finish, or Error
// when r fails.
func produce(ctx context.Context, r io.Reader, events chan<- stream.Event, tokens int) {
	send := func(ev stream.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" && !send(stream.Delta{Text: line}) {
			return
		}
		if err == io.EOF {
			send(stream.Finish{Usage: stream.Usage{TotalTokens: tokens}})
			return
		}
		if err != nil {
			send(stream.Error{Err: err})
			return
		}
	}
}
