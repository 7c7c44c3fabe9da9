package codec

import (
	"context"
	"strconv"
	"time"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// Chat container pair keys.
const (
	TagChatID       = "d"
	TagTitle        = "title"
	TagActiveBranch = "activeBranchId"
	TagBranch       = "branch"
	TagCreatedAt    = "createdAt"
	TagDeleted      = "deleted"
)

var (
	chatPublic = []string{TagChatID}
	chatKnown  = []string{TagChatID, TagTitle, TagActiveBranch, TagBranch, TagCreatedAt, TagDeleted}
)

// DecodeChat decodes a chat container event.
func (c *Codec) DecodeChat(ctx context.Context, ev model.RawEvent) (model.ChatThread, BodySource, error) {
	id := ev.Tags.Get(TagChatID)
	if id == "" {
		return model.ChatThread{}, BodyKeptPrior, ErrMissingIdentity
	}

	tags, src, err := c.open(ctx, ev)
	if err != nil {
		return model.ChatThread{}, src, err
	}

	chat := model.ChatThread{
		ID:             id,
		Title:          tags.Get(TagTitle),
		Owner:          ev.PubKey,
		CreatedAt:      ev.CreatedAt,
		ActiveBranchID: tags.Get(TagActiveBranch),
		Deleted:        tags.Get(TagDeleted) == "true",
		Extra:          tags.Without(chatKnown...),
		Revision:       ev.Revision(),
	}
	if created := parseInt(tags, TagCreatedAt); created != nil {
		chat.CreatedAt = time.Unix(*created, 0).UTC()
	}
	for _, b := range tags.Values(TagBranch) {
		chat = chat.WithBranch(b)
	}
	// An active branch always belongs to its thread.
	if chat.ActiveBranchID != "" {
		chat = chat.WithBranch(chat.ActiveBranchID)
	}
	return chat, src, nil
}

// EncodeChat produces a chat container event. Only the thread id stays public.
func (c *Codec) EncodeChat(ctx context.Context, chat model.ChatThread, at time.Time) (model.RawEvent, error) {
	if chat.ID == "" {
		return model.RawEvent{}, ErrMissingIdentity
	}
	tags := model.Tags{{TagChatID, chat.ID}}
	tags = appendIf(tags, TagTitle, chat.Title)
	tags = appendIf(tags, TagActiveBranch, chat.ActiveBranchID)
	for _, b := range chat.BranchIDs {
		tags = append(tags, model.Tag{TagBranch, b})
	}
	if !chat.CreatedAt.IsZero() {
		tags = append(tags, model.Tag{TagCreatedAt, strconv.FormatInt(chat.CreatedAt.Unix(), 10)})
	}
	if chat.Deleted {
		tags = append(tags, model.Tag{TagDeleted, "true"})
	}
	tags = append(tags, chat.Extra...)
	return c.seal(ctx, model.KindChatContainer, tags, chatPublic, at)
}
