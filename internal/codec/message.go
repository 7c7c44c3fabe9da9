package codec

import (
	"context"
	"time"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// Message pair keys.
const (
	TagMessageID        = "messageId"
	TagPrevMessageID    = "prevMessageId"
	TagRole             = "role"
	TagContent          = "content"
	TagModelID          = "modelId"
	TagPromptTokens     = "promptTokens"
	TagCompletionTokens = "completionTokens"
	TagPromptRate       = "promptTokensPerSat"
	TagCompletionRate   = "completionTokensPerSat"
	TagFinishReason     = "finishReason"
	TagDeposit          = "depositAmount"
	TagChange           = "changeAmount"
)

var (
	messagePublic = []string{TagChat, TagBranch}
	messageKnown  = []string{
		TagChat, TagBranch, TagMessageID, TagPrevMessageID, TagRole, TagContent,
		TagModelID, TagPromptTokens, TagCompletionTokens, TagPromptRate,
		TagCompletionRate, TagFinishReason, TagDeposit, TagChange,
	}
)

// DecodeMessage decodes a message event. The thread id is public; the
// message id travels in the encrypted body, so it is checked after merge.
func (c *Codec) DecodeMessage(ctx context.Context, ev model.RawEvent) (model.Message, BodySource, error) {
	chatID := ev.Tags.Get(TagChat)
	if chatID == "" {
		return model.Message{}, BodyKeptPrior, ErrMissingIdentity
	}

	tags, src, err := c.open(ctx, ev)
	if err != nil {
		return model.Message{}, src, err
	}

	id := tags.Get(TagMessageID)
	if id == "" {
		return model.Message{}, src, ErrMissingIdentity
	}

	content := tags.Get(TagContent)
	tags = tags.Without(TagContent)

	return model.Message{
		ID:                      id,
		ChatID:                  chatID,
		BranchID:                tags.Get(TagBranch),
		PrevMessageID:           tags.Get(TagPrevMessageID),
		Role:                    model.ParseRole(tags.Get(TagRole)),
		Content:                 content,
		CreatedAt:               ev.CreatedAt,
		Author:                  ev.PubKey,
		ModelID:                 tags.Get(TagModelID),
		PromptTokens:            parseInt(tags, TagPromptTokens),
		CompletionTokens:        parseInt(tags, TagCompletionTokens),
		PromptTokensPerUnit:     parseFloat(tags, TagPromptRate),
		CompletionTokensPerUnit: parseFloat(tags, TagCompletionRate),
		FinishReason:            tags.Get(TagFinishReason),
		DepositAmount:           parseInt(tags, TagDeposit),
		ChangeAmount:            parseInt(tags, TagChange),
		Extra:                   tags.Without(messageKnown...),
		Revision:                ev.Revision(),
	}, src, nil
}

// EncodeMessage produces a message event. Only thread and branch ids stay
// public; the text and all metadata go into the encrypted body.
func (c *Codec) EncodeMessage(ctx context.Context, m model.Message, at time.Time) (model.RawEvent, error) {
	if m.ID == "" || m.ChatID == "" {
		return model.RawEvent{}, ErrMissingIdentity
	}
	role := m.Role
	if role == "" {
		role = model.RoleUser
	}

	tags := model.Tags{{TagChat, m.ChatID}}
	tags = appendIf(tags, TagBranch, m.BranchID)
	tags = append(tags, model.Tag{TagMessageID, m.ID})
	tags = appendIf(tags, TagPrevMessageID, m.PrevMessageID)
	tags = append(tags, model.Tag{TagRole, string(role)}, model.Tag{TagContent, m.Content})
	tags = appendIf(tags, TagModelID, m.ModelID)
	tags = appendInt(tags, TagPromptTokens, m.PromptTokens)
	tags = appendInt(tags, TagCompletionTokens, m.CompletionTokens)
	tags = appendFloat(tags, TagPromptRate, m.PromptTokensPerUnit)
	tags = appendFloat(tags, TagCompletionRate, m.CompletionTokensPerUnit)
	tags = appendIf(tags, TagFinishReason, m.FinishReason)
	tags = appendInt(tags, TagDeposit, m.DepositAmount)
	tags = appendInt(tags, TagChange, m.ChangeAmount)
	tags = append(tags, m.Extra...)
	return c.seal(ctx, model.KindMessage, tags, messagePublic, at)
}
