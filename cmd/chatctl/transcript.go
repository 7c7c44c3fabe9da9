package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/forkchat/internal/cache"
	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/ledger"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/transcript"
)

type transcriptOptions struct {
	chatID    string
	branch    string
	hasBranch bool
	policy    transcript.ForkPolicy
}

func newTranscriptCmd(g *globalFlags) *cobra.Command {
	var (
		opts   transcriptOptions
		seed   string
		policy string
	)
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Rebuild and print the transcript of a chat branch",
		Long: `transcript replays the cached events of a chat the way a session does
and prints the resulting transcript. Without --branch the chat's active
branch is used. Bodies can only be read with the server's --seed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if opts.policy, err = transcript.ParseForkPolicy(policy); err != nil {
				return err
			}
			opts.hasBranch = cmd.Flags().Changed("branch")

			var dec ledger.Decoder = codec.NewReader(nil, nil)
			if seed != "" {
				key, err := identity.FromHex(seed)
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				dec = codec.New(key, nil)
			}

			store, err := g.open()
			if err != nil {
				return err
			}
			defer store.Close()
			return printTranscript(cmd.Context(), cmd.OutOrStdout(), store, dec, g.owner, opts)
		},
	}
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "chat id")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "branch id (empty for the root line)")
	cmd.Flags().StringVar(&seed, "seed", "", "hex identity seed used by the server")
	cmd.Flags().StringVar(&policy, "fork-policy", "include-parent", "fork point handling")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

func printTranscript(ctx context.Context, w io.Writer, store *cache.Store, dec ledger.Decoder, owner string, opts transcriptOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	events, err := store.Events(owner, opts.chatID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no cached events for chat %s", opts.chatID)
	}

	led := ledger.New(dec, ledger.WithVerifier(identity.Verify))
	graph := transcript.NewGraph(transcript.WithForkPolicy(opts.policy))
	var chat *model.ChatThread
	skipped := 0
	for _, ev := range events {
		obs := led.Observe(ctx, ev, true)
		if obs.Outcome != ledger.Accepted {
			skipped++
			continue
		}
		switch v := obs.Entity.(type) {
		case model.ChatThread:
			if v.ID == opts.chatID && (chat == nil || v.Revision.Supersedes(chat.Revision)) {
				chat = &v
			}
		case model.Branch:
			if v.ChatID == opts.chatID {
				graph.PutBranch(v)
			}
		case model.Message:
			if v.ChatID == opts.chatID {
				graph.PutMessage(v)
			}
		}
	}

	branch := opts.branch
	if !opts.hasBranch && chat != nil {
		branch = chat.ActiveBranchID
	}
	if chat != nil {
		fmt.Fprintf(w, "# %s (branch %q)\n", chat.Title, branch)
	}
	for _, m := range graph.Transcript(branch) {
		fmt.Fprintf(w, "[%s]: %s\n", m.Role, m.Content)
	}
	if skipped > 0 {
		fmt.Fprintf(w, "# %d events skipped\n", skipped)
	}
	return nil
}
