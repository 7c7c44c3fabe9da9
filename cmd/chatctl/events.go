package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/forkchat/internal/cache"
)

func newChatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chat ids cached for the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.open()
			if err != nil {
				return err
			}
			defer store.Close()
			return listChats(cmd.OutOrStdout(), store, g.owner)
		},
	}
}

func newEventsCmd(g *globalFlags) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Dump the raw events of one chat in cache order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.open()
			if err != nil {
				return err
			}
			defer store.Close()
			return dumpEvents(cmd.OutOrStdout(), store, g.owner, chatID)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}

func listChats(w io.Writer, store *cache.Store, owner string) error {
	ids, err := store.Chats(owner)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func dumpEvents(w io.Writer, store *cache.Store, owner, chatID string) error {
	events, err := store.Events(owner, chatID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%-16s\t%s\t%d bytes\n",
			ev.CreatedAt.UTC().Format(time.RFC3339), ev.Kind, ev.ID, len(ev.Content))
	}
	fmt.Fprintf(w, "%d events\n", len(events))
	return nil
}
