package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/cache"
	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/transcript"
)

var seed = []byte("chatctl-test-seed-0123456789abcd")

// seedCache writes a chat with one fork into a fresh cache directory.
func seedCache(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := cache.Open(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	key, err := identity.FromSeed(seed)
	require.NoError(t, err)
	c := codec.New(key, nil)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	entities := []model.Entity{
		model.ChatThread{ID: "c1", Title: "Trip", CreatedAt: base},
		model.Message{ID: "m1", ChatID: "c1", Role: model.RoleUser, Content: "hello", CreatedAt: base.Add(time.Second)},
		model.Message{ID: "m2", ChatID: "c1", PrevMessageID: "m1", Role: model.RoleAssistant, Content: "hi there", CreatedAt: base.Add(2 * time.Second)},
		model.Branch{ID: "b1", ChatID: "c1", ForkPointMessageID: "m1", CreatedAt: base.Add(3 * time.Second)},
		model.Message{ID: "m3", ChatID: "c1", BranchID: "b1", PrevMessageID: "m1", Role: model.RoleUser, Content: "something else", CreatedAt: base.Add(4 * time.Second)},
		model.ChatThread{ID: "c1", Title: "Trip", CreatedAt: base, ActiveBranchID: "b1", BranchIDs: []string{"b1"}},
	}
	for i, e := range entities {
		ev, err := c.Encode(ctx, e, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.Put("alice", ev))
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestChatsAndEvents(t *testing.T) {
	dir := seedCache(t)

	out, err := run(t, "chats", "--cache", dir, "--owner", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1\n", out)

	out, err = run(t, "events", "--cache", dir, "--owner", "alice", "--chat", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "6 events")
}

func TestTranscriptFollowsActiveBranch(t *testing.T) {
	dir := seedCache(t)
	hexSeed := hex.EncodeToString(seed)

	out, err := run(t, "transcript", "--cache", dir, "--owner", "alice", "--chat", "c1", "--seed", hexSeed)
	require.NoError(t, err)
	assert.Contains(t, out, "[user]: hello\n[user]: something else\n")
	assert.NotContains(t, out, "hi there")

	out, err = run(t, "transcript", "--cache", dir, "--owner", "alice", "--chat", "c1", "--seed", hexSeed, "--branch", "")
	require.NoError(t, err)
	assert.Contains(t, out, "[user]: hello\n[assistant]: hi there\n")
}

func TestTranscriptWithoutSeedSkipsBodies(t *testing.T) {
	store, err := cache.Open(seedCache(t), nil)
	require.NoError(t, err)
	defer store.Close()

	var out bytes.Buffer
	err = printTranscript(context.Background(), &out, store, codec.NewReader(nil, nil), "alice", transcriptOptions{
		chatID: "c1",
		policy: transcript.IncludeParent,
	})
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "events skipped")
}

func TestTranscriptUnknownChat(t *testing.T) {
	dir := seedCache(t)
	_, err := run(t, "transcript", "--cache", dir, "--owner", "alice", "--chat", "missing")
	assert.Error(t, err)
}

func TestOwnerRequired(t *testing.T) {
	_, err := run(t, "chats", "--cache", seedCache(t))
	assert.Error(t, err)
}
