package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/forkchat/internal/cache"
)

var version = "dev"

type globalFlags struct {
	cache string
	owner string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Inspect cached chat events",
		Long: `chatctl reads the pebble event cache written by the forkchat server.
The server holds a lock on the cache while running, so point chatctl at a
copy or stop the server first.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&g.cache, "cache", "data/cache", "path to the event cache")
	root.PersistentFlags().StringVar(&g.owner, "owner", "", "owner namespace (JWT subject)")
	_ = root.MarkPersistentFlagRequired("owner")

	root.AddCommand(newChatsCmd(g), newEventsCmd(g), newTranscriptCmd(g))
	return root
}

func (g *globalFlags) open() (*cache.Store, error) {
	store, err := cache.Open(g.cache, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", g.cache, err)
	}
	return store, nil
}
