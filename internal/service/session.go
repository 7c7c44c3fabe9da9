package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/ledger"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/transcript"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

// State is the lifecycle of a session.
type State int

const (
	// StateNew has no chat container persisted yet.
	StateNew State = iota
	// StateActive has a chat id and, once subscribed, a live feed.
	StateActive
	// StateClosed ignores all further deliveries.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is the controller for one open chat. Deliveries arrive
// concurrently from the feed; the seen-set, graph, chat container and
// pending drafts are only touched under mu.
type Session struct {
	deps   Deps
	owner  string
	chatID string
	log    *logger.Logger
	ledger *ledger.Ledger

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes actions that extend the chat (send, fork, switch).
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	ready     bool
	modelID   string
	title     string
	chat      *model.ChatThread
	graph     *transcript.Graph
	pending   []model.Message
	view      []model.Message
	viewValid bool
	lastStamp time.Time
	sub       feed.Subscription
	synced    <-chan struct{}
	watchers  map[uint64]chan Update
	nextWatch uint64

	inflight sync.WaitGroup
}

func newSession(deps Deps, owner, chatID, modelID string, state State) *Session {
	if modelID == "" {
		modelID = deps.DefaultModel
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := deps.Logger.ForChat(chatID, owner)
	s := &Session{
		deps:     deps,
		owner:    owner,
		chatID:   chatID,
		log:      log,
		ledger:   ledger.New(deps.Codec, ledger.WithVerifier(identity.Verify), ledger.WithLogger(log)),
		ctx:      ctx,
		cancel:   cancel,
		state:    state,
		modelID:  modelID,
		graph:    transcript.NewGraph(transcript.WithForkPolicy(deps.ForkPolicy)),
		watchers: make(map[uint64]chan Update),
	}
	metrics.SessionsActive.Inc()
	return s
}

// NewChat starts a session for a chat that does not exist yet. The chat
// container is written with the first message.
func NewChat(deps Deps, owner, modelID string) *Session {
	deps = deps.withDefaults()
	s := newSession(deps, owner, deps.NewID(), modelID, StateNew)
	s.ready = true
	return s
}

// OpenChat starts a session for an existing chat and subscribes to its
// events. The session becomes ready once the feed has delivered the chat's
// history. On a *SubscriptionSetupError the returned session is usable for
// reads but not ready; call Subscribe again to retry.
func OpenChat(ctx context.Context, deps Deps, owner, chatID, modelID string) (*Session, error) {
	deps = deps.withDefaults()
	s := newSession(deps, owner, chatID, modelID, StateActive)
	return s, s.Subscribe(ctx)
}

// Subscribe attaches the session to the feed and waits, up to SyncTimeout
// or until ctx ends, for the feed to deliver its backlog. If the backlog is
// still arriving when the wait ends, Subscribe returns and the session
// turns ready in the background. Calling it on a subscribed session only
// waits.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.sub != nil {
		synced, ready := s.synced, s.ready
		s.mu.Unlock()
		if !ready {
			s.awaitSync(ctx, synced)
		}
		return nil
	}
	s.mu.Unlock()

	if s.deps.Feed == nil {
		return &SubscriptionSetupError{ChatID: s.chatID, Err: errors.New("no event feed configured")}
	}
	if err := ctx.Err(); err != nil {
		return &SubscriptionSetupError{ChatID: s.chatID, Err: err}
	}
	sub, err := s.deps.Feed.Subscribe(s.ctx, s.owner, s.chatID, func(d feed.Delivery) {
		s.ingest(s.ctx, d)
	})
	if err != nil {
		s.log.Warn("Subscription setup failed", zap.Error(err))
		return &SubscriptionSetupError{ChatID: s.chatID, Err: err}
	}

	s.mu.Lock()
	if s.state == StateClosed || s.sub != nil {
		closed := s.state == StateClosed
		s.mu.Unlock()
		sub.Stop()
		if closed {
			return ErrSessionClosed
		}
		return nil
	}
	s.sub = sub
	s.synced = feed.Synced(sub)
	synced, ready := s.synced, s.ready
	s.mu.Unlock()
	s.log.Debug("Subscribed to chat")

	// A new chat is ready from the start; its feed only carries our own
	// events back.
	if ready {
		return nil
	}
	go func() {
		select {
		case <-synced:
			s.markReady()
		case <-s.ctx.Done():
		}
	}()
	s.awaitSync(ctx, synced)
	return nil
}

func (s *Session) awaitSync(ctx context.Context, synced <-chan struct{}) {
	timer := time.NewTimer(s.deps.SyncTimeout)
	defer timer.Stop()
	select {
	case <-synced:
		s.markReady()
	case <-ctx.Done():
	case <-timer.C:
		s.log.Warn("Feed still replaying, session not ready yet", zap.Duration("waited", s.deps.SyncTimeout))
	}
}

// markReady is called once the feed has caught up.
func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || s.state == StateClosed {
		return
	}
	s.ready = true
	s.log.Debug("Feed caught up", zap.Bool("has_container", s.chat != nil))
	s.notifyLocked(Update{Type: UpdateChat})
}

// ingest runs one delivery through the ledger and applies it.
func (s *Session) ingest(ctx context.Context, d feed.Delivery) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}

	obs := s.ledger.Observe(ctx, d.Event, d.FromCache)
	if obs.Outcome != ledger.Accepted {
		return
	}
	s.apply(obs.Entity)
}

func (s *Session) apply(e model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	switch v := e.(type) {
	case model.ChatThread:
		if v.ID != s.chatID {
			s.log.Debug("Ignoring foreign chat container", zap.String("foreign_chat_id", v.ID))
			return
		}
		if s.chat != nil && !v.Revision.Supersedes(s.chat.Revision) {
			return
		}
		prevActive := s.activeBranchLocked()
		s.chat = &v
		if s.state == StateNew {
			s.state = StateActive
		}
		if v.ActiveBranchID != prevActive {
			s.viewValid = false
		}
		s.notifyLocked(Update{Type: UpdateChat})
	case model.Branch:
		if v.ChatID != s.chatID {
			return
		}
		if s.graph.PutBranch(v) {
			s.viewValid = false
			s.notifyLocked(Update{Type: UpdateTranscript})
		}
	case model.Message:
		if v.ChatID != s.chatID {
			return
		}
		s.dropPendingLocked(v.ID)
		if !s.graph.PutMessage(v) {
			return
		}
		if s.graph.IsRelevant(v.BranchID, s.activeBranchLocked()) {
			s.viewValid = false
			m := v
			s.notifyLocked(Update{Type: UpdateMessage, Message: &m})
		}
	}
}

// emit encodes an entity, applies it locally and publishes it. A publish
// failure is logged; the event is already part of the local state.
func (s *Session) emit(ctx context.Context, e model.Entity, at time.Time) (model.RawEvent, error) {
	ev, err := s.deps.Codec.Encode(ctx, e, at)
	if err != nil {
		return ev, err
	}
	s.ingest(ctx, feed.Delivery{Event: ev})
	if s.deps.OnEmit != nil {
		s.deps.OnEmit(s.owner, ev)
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, s.owner, ev); err != nil {
			s.log.Warn("Failed to publish event",
				zap.String("kind", ev.Kind.String()),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
	return ev, nil
}

// stampLocked returns a timestamp later than anything this session has
// produced or applied to its chat container.
func (s *Session) stampLocked() time.Time {
	now := s.deps.Now().UTC()
	floor := s.lastStamp
	if s.chat != nil && s.chat.Revision.At.After(floor) {
		floor = s.chat.Revision.At
	}
	if !now.After(floor) {
		now = floor.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *Session) activeBranchLocked() string {
	if s.chat == nil {
		return ""
	}
	return s.chat.ActiveBranchID
}

// viewLocked returns the transcript of branchID including pending drafts.
// The active branch view is cached until a relevant change arrives.
func (s *Session) viewLocked(branchID string) []model.Message {
	active := branchID == s.activeBranchLocked()
	if active && s.viewValid {
		return clone(s.view)
	}
	v := s.graph.TranscriptWith(branchID, s.pending)
	if active {
		metrics.TranscriptRebuilds.Inc()
		if st := s.graph.Stats(); st.Degraded() {
			s.log.Debug("Transcript rebuilt with unresolved references",
				zap.Int("unresolved_branches", st.UnresolvedBranches),
				zap.Int("unresolved_fork_points", st.UnresolvedForkPoints),
				zap.Int("cycles", st.Cycles),
			)
		}
		s.view = v
		s.viewValid = true
		return clone(v)
	}
	return v
}

func (s *Session) dropPendingLocked(id string) bool {
	for i, m := range s.pending {
		if m.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.viewValid = false
			return true
		}
	}
	return false
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropPendingLocked(id) {
		s.notifyLocked(Update{Type: UpdateTranscript})
	}
}

// usableLocked reports why the session cannot take a new action.
func (s *Session) usableLocked() error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if !s.ready {
		return ErrNotReady
	}
	return nil
}

// Close stops the subscription and ignores all later deliveries. In-flight
// completions still finish; use Wait to block on them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	sub := s.sub
	s.sub = nil
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		sub.Stop()
	}
	metrics.SessionsActive.Dec()
	s.log.Debug("Session closed")
}

// Wait blocks until background completions have finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

func clone(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
