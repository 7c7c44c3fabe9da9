package codec

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// fakeIdentity "encrypts" with a prefix + base64 and signs by computing the id.
type fakeIdentity struct {
	pub        string
	failDecode bool
}

func (f *fakeIdentity) PublicKey() string { return f.pub }

func (f *fakeIdentity) Sign(_ context.Context, ev *model.RawEvent) error {
	ev.PubKey = f.pub
	ev.ID = ev.ComputeID()
	ev.Sig = "sig:" + ev.ID
	return nil
}

func (f *fakeIdentity) Encrypt(_ context.Context, plaintext string) (string, error) {
	return "enc:" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (f *fakeIdentity) Decrypt(_ context.Context, ev model.RawEvent) (string, error) {
	if f.failDecode || !strings.HasPrefix(ev.Content, "enc:") {
		return "", errors.New("cannot decrypt")
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ev.Content, "enc:"))
	return string(b), err
}

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

var at = time.Unix(1700000000, 0).UTC()

func TestChatRoundTrip(t *testing.T) {
	c := New(&fakeIdentity{pub: "alice"}, nil)
	ctx := context.Background()

	chat := model.ChatThread{
		ID:             "chat-1",
		Title:          "Trip plans",
		CreatedAt:      at,
		ActiveBranchID: "b2",
		BranchIDs:      []string{"b1", "b2"},
		Extra:          model.Tags{{"color", "blue"}},
	}
	ev, err := c.EncodeChat(ctx, chat, at.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, model.KindChatContainer, ev.Kind)
	assert.Equal(t, model.Tags{{TagChatID, "chat-1"}}, ev.Tags, "only the thread id is public")
	assert.NotContains(t, ev.Content, "Trip plans")
	assert.Equal(t, ev.ComputeID(), ev.ID)

	got, src, err := c.DecodeChat(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, BodyDecrypted, src)
	assert.Equal(t, "Trip plans", got.Title)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, at, got.CreatedAt)
	assert.Equal(t, "b2", got.ActiveBranchID)
	assert.Equal(t, []string{"b1", "b2"}, got.BranchIDs)
	assert.Equal(t, model.Tags{{"color", "blue"}}, got.Extra)
	assert.Equal(t, ev.Revision(), got.Revision)
}

func TestBranchRoundTrip(t *testing.T) {
	c := New(&fakeIdentity{pub: "alice"}, nil)
	ctx := context.Background()

	ev, err := c.EncodeBranch(ctx, model.Branch{ID: "b1", ChatID: "chat-1", ParentBranchID: "b0", ForkPointMessageID: "m1"}, at)
	require.NoError(t, err)
	assert.Equal(t, model.Tags{{TagChat, "chat-1"}, {TagBranch, "b1"}}, ev.Tags)

	got, _, err := c.DecodeBranch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "b0", got.ParentBranchID)
	assert.Equal(t, "m1", got.ForkPointMessageID)
	assert.Equal(t, at, got.CreatedAt)
}

func TestMessageRoundTrip(t *testing.T) {
	c := New(&fakeIdentity{pub: "alice"}, nil)
	ctx := context.Background()

	msg := model.Message{
		ID:                      "m2",
		ChatID:                  "chat-1",
		BranchID:                "b1",
		PrevMessageID:           "m1",
		Role:                    model.RoleAssistant,
		Content:                 "hello there",
		ModelID:                 "claude",
		PromptTokens:            i64(120),
		CompletionTokens:        i64(30),
		PromptTokensPerUnit:     f64(1000),
		CompletionTokensPerUnit: f64(250.5),
		FinishReason:            "end_turn",
		DepositAmount:           i64(7),
		ChangeAmount:            i64(3),
	}
	ev, err := c.EncodeMessage(ctx, msg, at)
	require.NoError(t, err)
	assert.Equal(t, model.Tags{{TagChat, "chat-1"}, {TagBranch, "b1"}}, ev.Tags)
	assert.NotContains(t, ev.Content, "hello there")

	got, src, err := c.DecodeMessage(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, BodyDecrypted, src)

	msg.CreatedAt = at
	msg.Author = "alice"
	msg.Extra = model.Tags{}
	msg.Revision = ev.Revision()
	assert.Equal(t, msg, got)
}

func TestRootMessageHasNoBranchTag(t *testing.T) {
	c := New(&fakeIdentity{pub: "alice"}, nil)
	ev, err := c.EncodeMessage(context.Background(), model.Message{ID: "m1", ChatID: "c", Content: "hi"}, at)
	require.NoError(t, err)
	assert.Equal(t, model.Tags{{TagChat, "c"}}, ev.Tags)

	got, _, err := c.DecodeMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "", got.BranchID)
	assert.Equal(t, model.RoleUser, got.Role)
}

func TestDecodeMissingIdentity(t *testing.T) {
	c := New(&fakeIdentity{pub: "alice"}, nil)
	ctx := context.Background()

	_, _, err := c.DecodeChat(ctx, model.RawEvent{Kind: model.KindChatContainer})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, _, err = c.DecodeBranch(ctx, model.RawEvent{Kind: model.KindBranchContainer, Tags: model.Tags{{TagChat, "c"}}})
	assert.ErrorIs(t, err, ErrMissingIdentity)

	// message id lives in the body
	_, _, err = c.DecodeMessage(ctx, model.RawEvent{
		Kind:    model.KindMessage,
		Tags:    model.Tags{{TagChat, "c"}},
		Content: `[["content","no id"]]`,
	})
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestDecodeKeepsPriorPlaintextWhenDecryptFails(t *testing.T) {
	c := NewReader(&fakeIdentity{failDecode: true}, nil)

	ev := model.RawEvent{
		ID:        "e1",
		Kind:      model.KindMessage,
		CreatedAt: at,
		Tags:      model.Tags{{TagChat, "c"}},
		Content:   `[["messageId","m1"],["content","already plain"],["role","assistant"]]`,
	}
	got, src, err := c.DecodeMessage(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, BodyKeptPrior, src)
	assert.Equal(t, "already plain", got.Content)
	assert.Equal(t, model.RoleAssistant, got.Role)
}

func TestDecodeMalformedBody(t *testing.T) {
	c := NewReader(nil, nil)
	_, src, err := c.DecodeBranch(context.Background(), model.RawEvent{
		Kind:    model.KindBranchContainer,
		Tags:    model.Tags{{TagChat, "c"}, {TagBranch, "b"}},
		Content: "not json at all",
	})
	assert.ErrorIs(t, err, ErrMalformedBody)
	assert.Equal(t, BodyKeptPrior, src)
}

func TestPublicTagsWinOnCollision(t *testing.T) {
	c := NewReader(nil, nil)
	got, _, err := c.DecodeMessage(context.Background(), model.RawEvent{
		Kind:    model.KindMessage,
		Tags:    model.Tags{{TagChat, "c"}, {TagBranch, "public-branch"}},
		Content: `[["messageId","m1"],["branch","body-branch"],["chat","other"]]`,
	})
	require.NoError(t, err)
	assert.Equal(t, "public-branch", got.BranchID)
	assert.Equal(t, "c", got.ChatID)
}

func TestUnparseableNumbersReadAsAbsent(t *testing.T) {
	c := NewReader(nil, nil)
	got, _, err := c.DecodeMessage(context.Background(), model.RawEvent{
		Kind:    model.KindMessage,
		Tags:    model.Tags{{TagChat, "c"}},
		Content: `[["messageId","m1"],["promptTokens","lots"],["completionTokensPerSat","2.5"]]`,
	})
	require.NoError(t, err)
	assert.Nil(t, got.PromptTokens)
	require.NotNil(t, got.CompletionTokensPerUnit)
	assert.Equal(t, 2.5, *got.CompletionTokensPerUnit)
	assert.Equal(t, "", got.Content)
}

func TestDecodeDispatch(t *testing.T) {
	c := NewReader(nil, nil)

	_, err := c.Decode(context.Background(), model.RawEvent{Kind: model.KindModelCatalog})
	assert.ErrorIs(t, err, ErrUnknownKind)

	res, err := c.Decode(context.Background(), model.RawEvent{Kind: model.KindChatContainer, Tags: model.Tags{{TagChatID, "c"}}})
	require.NoError(t, err)
	assert.Equal(t, "c", res.Entity.EntityID())
	assert.Equal(t, model.KindChatContainer, res.Entity.EntityKind())

	res, err = c.Decode(context.Background(), model.RawEvent{Kind: model.KindChatContainer})
	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.Nil(t, res.Entity)
}

func TestEncodeWithoutIdentity(t *testing.T) {
	c := NewReader(nil, nil)
	_, err := c.EncodeChat(context.Background(), model.ChatThread{ID: "c"}, at)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestActiveBranchJoinsMembers(t *testing.T) {
	c := NewReader(nil, nil)
	got, _, err := c.DecodeChat(context.Background(), model.RawEvent{
		Kind:    model.KindChatContainer,
		Tags:    model.Tags{{TagChatID, "c"}},
		Content: `[["activeBranchId","b9"]]`,
	})
	require.NoError(t, err)
	assert.True(t, got.HasBranch("b9"))
}

func TestChatIDOf(t *testing.T) {
	assert.Equal(t, "c", ChatIDOf(model.RawEvent{Kind: model.KindChatContainer, Tags: model.Tags{{TagChatID, "c"}}}))
	assert.Equal(t, "c", ChatIDOf(model.RawEvent{Kind: model.KindMessage, Tags: model.Tags{{TagChat, "c"}}}))
	assert.Equal(t, "", ChatIDOf(model.RawEvent{Kind: model.KindModelCatalog}))
}
