package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/ledger"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// ChatList tracks the chats of one owner. Only chat containers are
// decoded; message events bump activity through their public chat tag.
type ChatList struct {
	owner  string
	ledger *ledger.Ledger
	log    *logger.Logger

	mu       sync.Mutex
	chats    map[string]model.ChatThread
	activity map[string]time.Time
	sub      feed.Subscription
	synced   <-chan struct{}
}

// NewChatList creates an empty list. capacity bounds its seen-set.
func NewChatList(owner string, dec ledger.Decoder, capacity int, log *logger.Logger) *ChatList {
	log = logger.OrNop(log).With(zap.String("owner", owner))
	return &ChatList{
		owner: owner,
		ledger: ledger.New(dec,
			ledger.WithCapacity(capacity),
			ledger.WithKinds(model.KindChatContainer),
			ledger.WithVerifier(identity.Verify),
			ledger.WithLogger(log),
		),
		log:      log,
		chats:    make(map[string]model.ChatThread),
		activity: make(map[string]time.Time),
	}
}

// Observe applies one delivery.
func (l *ChatList) Observe(ctx context.Context, d feed.Delivery) {
	switch d.Event.Kind {
	case model.KindMessage, model.KindBranchContainer:
		if id := codec.ChatIDOf(d.Event); id != "" {
			l.mu.Lock()
			l.bumpLocked(id, d.Event.CreatedAt)
			l.mu.Unlock()
		}
	case model.KindChatContainer:
		obs := l.ledger.Observe(ctx, d.Event, d.FromCache)
		if obs.Outcome != ledger.Accepted {
			return
		}
		chat, ok := obs.Entity.(model.ChatThread)
		if !ok {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if prev, ok := l.chats[chat.ID]; ok && !chat.Revision.Supersedes(prev.Revision) {
			return
		}
		l.chats[chat.ID] = chat
		l.bumpLocked(chat.ID, chat.CreatedAt)
		l.bumpLocked(chat.ID, chat.Revision.At)
	}
}

func (l *ChatList) bumpLocked(chatID string, at time.Time) {
	if at.After(l.activity[chatID]) {
		l.activity[chatID] = at
	}
}

// Summaries lists known, non-deleted chats, most recently active first.
func (l *ChatList) Summaries() []model.ChatSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.ChatSummary, 0, len(l.chats))
	for id, c := range l.chats {
		if c.Deleted {
			continue
		}
		out = append(out, model.ChatSummary{
			ID:             id,
			Title:          c.Title,
			Owner:          c.Owner,
			CreatedAt:      c.CreatedAt,
			LastActivityAt: l.activity[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns one known chat, deleted ones included.
func (l *ChatList) Lookup(chatID string) (model.ChatThread, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chats[chatID]
	return c, ok
}

// Start subscribes to every event of the owner. It is a no-op when already
// started.
func (l *ChatList) Start(ctx context.Context, src feed.OwnerSource) error {
	l.mu.Lock()
	if l.sub != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	sub, err := src.SubscribeOwner(ctx, l.owner, func(d feed.Delivery) {
		l.Observe(ctx, d)
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		sub.Stop()
		return nil
	}
	l.sub = sub
	l.synced = feed.Synced(sub)
	return nil
}

// AwaitSynced waits, up to timeout or until ctx ends, for the owner
// subscription to deliver its backlog. It reports whether it did.
func (l *ChatList) AwaitSynced(ctx context.Context, timeout time.Duration) bool {
	l.mu.Lock()
	synced := l.synced
	l.mu.Unlock()
	if synced == nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-synced:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}
	return false
}

// Started reports whether the owner subscription is running.
func (l *ChatList) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub != nil
}

func (l *ChatList) Stop() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.synced = nil
	l.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
}
