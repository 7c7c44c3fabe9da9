package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// Registry holds the open sessions and chat lists of every owner.
type Registry struct {
	deps   Deps
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	lists    map[string]*ChatList
}

// NewRegistry creates a registry. Events emitted by its sessions also feed
// the owner's chat list.
func NewRegistry(deps Deps) *Registry {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		lists:    make(map[string]*ChatList),
	}
	next := deps.OnEmit
	deps.OnEmit = func(owner string, ev model.RawEvent) {
		r.list(owner).Observe(r.ctx, feed.Delivery{Event: ev})
		if next != nil {
			next(owner, ev)
		}
	}
	r.deps = deps
	return r
}

func key(owner, chatID string) string { return owner + "\x00" + chatID }

// Create starts a session for a new chat.
func (r *Registry) Create(owner, modelID string) *Session {
	s := NewChat(r.deps, owner, modelID)

	r.mu.Lock()
	r.sessions[key(owner, s.ChatID())] = s
	r.mu.Unlock()

	r.logger.Info("Chat session created",
		zap.String("chat_id", s.ChatID()),
		zap.String("owner", owner),
	)
	return s
}

// Open returns the session of an existing chat, subscribing on first use.
// A session whose subscription failed earlier is retried. A chat the
// owner's list already knows as deleted is not found.
func (r *Registry) Open(ctx context.Context, owner, chatID, modelID string) (*Session, error) {
	if c, ok := r.list(owner).Lookup(chatID); ok && c.Deleted {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	s, ok := r.sessions[key(owner, chatID)]
	r.mu.Unlock()
	if ok && s.State() != StateClosed {
		if err := s.Subscribe(ctx); err != nil {
			return nil, err
		}
		s.SetModel(modelID)
		return s, nil
	}

	s, err := OpenChat(ctx, r.deps, owner, chatID, modelID)
	if err != nil {
		s.Close()
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key(owner, chatID)]; ok && existing.State() != StateClosed {
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[key(owner, chatID)] = s
	r.mu.Unlock()
	return s, nil
}

// Get returns an open session without subscribing.
func (r *Registry) Get(owner, chatID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key(owner, chatID)]
	if !ok || s.State() == StateClosed {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close closes and forgets one session.
func (r *Registry) Close(owner, chatID string) {
	r.mu.Lock()
	s, ok := r.sessions[key(owner, chatID)]
	delete(r.sessions, key(owner, chatID))
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Delete tombstones a chat and closes its session.
func (r *Registry) Delete(ctx context.Context, owner, chatID string) error {
	s, err := r.Open(ctx, owner, chatID, "")
	if err != nil {
		return err
	}
	if err := s.Delete(ctx); err != nil {
		if errors.Is(err, ErrNoChat) {
			return ErrNotFound
		}
		return err
	}
	r.Close(owner, chatID)
	return nil
}

// Chats lists the owner's chats. The owner subscription starts on first
// use when the feed supports it.
func (r *Registry) Chats(ctx context.Context, owner string) ([]model.ChatSummary, error) {
	l := r.list(owner)
	if src, ok := r.deps.Feed.(feed.OwnerSource); ok && !l.Started() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.Start(r.ctx, src); err != nil {
			r.logger.Warn("Chat list subscription failed", zap.String("owner", owner), zap.Error(err))
			return nil, err
		}
		if !l.AwaitSynced(ctx, r.deps.SyncTimeout) {
			r.logger.Warn("Chat list still replaying", zap.String("owner", owner))
		}
	}
	return l.Summaries(), nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) list(owner string) *ChatList {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[owner]
	if !ok {
		l = NewChatList(owner, r.deps.Codec, r.deps.ListCapacity, r.logger)
		r.lists[owner] = l
	}
	return l
}

// CloseAll closes every session and chat list, then waits for in-flight
// completions.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, k)
	}
	lists := make([]*ChatList, 0, len(r.lists))
	for _, l := range r.lists {
		lists = append(lists, l)
	}
	r.mu.Unlock()

	r.cancel()
	for _, l := range lists {
		l.Stop()
	}
	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		s.Wait()
	}
}
