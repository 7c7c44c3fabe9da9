package codec

import (
	"context"
	"time"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// Branch container pair keys. TagChat and TagBranch are shared with messages.
const (
	TagChat      = "chat"
	TagParent    = "parentBranchId"
	TagForkPoint = "forkPointMessageId"
)

var (
	branchPublic = []string{TagChat, TagBranch}
	branchKnown  = []string{TagChat, TagBranch, TagParent, TagForkPoint}
)

// DecodeBranch decodes a branch container event.
func (c *Codec) DecodeBranch(ctx context.Context, ev model.RawEvent) (model.Branch, BodySource, error) {
	chatID := ev.Tags.Get(TagChat)
	branchID := ev.Tags.Get(TagBranch)
	if chatID == "" || branchID == "" {
		return model.Branch{}, BodyKeptPrior, ErrMissingIdentity
	}

	tags, src, err := c.open(ctx, ev)
	if err != nil {
		return model.Branch{}, src, err
	}

	return model.Branch{
		ID:                 branchID,
		ChatID:             chatID,
		ParentBranchID:     tags.Get(TagParent),
		ForkPointMessageID: tags.Get(TagForkPoint),
		CreatedAt:          ev.CreatedAt,
		Extra:              tags.Without(branchKnown...),
		Revision:           ev.Revision(),
	}, src, nil
}

// EncodeBranch produces a branch container event. Thread and branch ids stay
// public.
func (c *Codec) EncodeBranch(ctx context.Context, b model.Branch, at time.Time) (model.RawEvent, error) {
	if b.ID == "" || b.ChatID == "" {
		return model.RawEvent{}, ErrMissingIdentity
	}
	tags := model.Tags{{TagChat, b.ChatID}, {TagBranch, b.ID}}
	tags = appendIf(tags, TagParent, b.ParentBranchID)
	tags = appendIf(tags, TagForkPoint, b.ForkPointMessageID)
	tags = append(tags, b.Extra...)
	return c.seal(ctx, model.KindBranchContainer, tags, branchPublic, at)
}
