// Package feed defines how raw events reach a session and how produced
// events leave it, and combines the local cache with the live network feed.
package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// Delivery is one raw event from a source. FromCache is informational.
type Delivery struct {
	Event     model.RawEvent
	FromCache bool
}

// Handler receives deliveries. It may be called from several goroutines.
type Handler func(Delivery)

// Subscription is a running subscription.
type Subscription interface {
	Stop()
}

// Source delivers the events of one conversation.
type Source interface {
	Subscribe(ctx context.Context, owner, chatID string, h Handler) (Subscription, error)
}

// OwnerSource delivers every event of one owner.
type OwnerSource interface {
	SubscribeOwner(ctx context.Context, owner string, h Handler) (Subscription, error)
}

// Publisher emits a signed event.
type Publisher interface {
	Publish(ctx context.Context, owner string, ev model.RawEvent) error
}

// Syncer is implemented by subscriptions that can tell when their backlog
// has been handed to the handler. The channel is closed at that point.
type Syncer interface {
	Synced() <-chan struct{}
}

// closed is returned for subscriptions that deliver their backlog before
// Subscribe returns.
var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Synced returns a channel closed once sub has delivered its backlog. A
// subscription that does not implement Syncer counts as synced.
func Synced(sub Subscription) <-chan struct{} {
	if s, ok := sub.(Syncer); ok {
		return s.Synced()
	}
	return closed
}

// Signal is a close-once channel for Syncer implementations.
type Signal struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

func (s *Signal) c() chan struct{} {
	s.init.Do(func() { s.ch = make(chan struct{}) })
	return s.ch
}

// Fire closes the channel. Later calls do nothing.
func (s *Signal) Fire() { s.once.Do(func() { close(s.c()) }) }

// Done returns the channel closed by Fire.
func (s *Signal) Done() <-chan struct{} { return s.c() }

// SubscriptionFunc adapts a stop function.
type SubscriptionFunc func()

// Stop implements Subscription.
func (f SubscriptionFunc) Stop() { f() }

// multi stops several subscriptions once and is synced when all of them
// are.
type multi struct {
	once    sync.Once
	subs    []Subscription
	stopped chan struct{}

	watch  sync.Once
	synced Signal
}

func newMulti() *multi {
	return &multi{stopped: make(chan struct{})}
}

func (m *multi) Stop() {
	m.once.Do(func() {
		close(m.stopped)
		for _, s := range m.subs {
			s.Stop()
		}
	})
}

// Synced implements Syncer.
func (m *multi) Synced() <-chan struct{} {
	m.watch.Do(func() {
		go func() {
			for _, s := range m.subs {
				select {
				case <-Synced(s):
				case <-m.stopped:
					return
				}
			}
			m.synced.Fire()
		}()
	})
	return m.synced.Done()
}

// Combined runs cache replay and the live feed side by side. The live feed
// is required; the cache is best effort.
type Combined struct {
	cache  Source
	live   Source
	logger *logger.Logger
}

// NewCombined creates a combined source. cache may be nil.
func NewCombined(cache, live Source, log *logger.Logger) *Combined {
	return &Combined{cache: cache, live: live, logger: logger.OrNop(log)}
}

// Subscribe implements Source.
func (c *Combined) Subscribe(ctx context.Context, owner, chatID string, h Handler) (Subscription, error) {
	if c.live == nil {
		return nil, errors.New("feed: no live source")
	}
	all := newMulti()

	if c.cache != nil {
		sub, err := c.cache.Subscribe(ctx, owner, chatID, h)
		if err != nil {
			c.logger.Warn("cache replay unavailable",
				zap.String("chat_id", chatID),
				zap.Error(err),
			)
		} else {
			all.subs = append(all.subs, sub)
		}
	}

	sub, err := c.live.Subscribe(ctx, owner, chatID, h)
	if err != nil {
		all.Stop()
		return nil, err
	}
	all.subs = append(all.subs, sub)
	return all, nil
}

// SubscribeOwner implements OwnerSource when both sides support it.
func (c *Combined) SubscribeOwner(ctx context.Context, owner string, h Handler) (Subscription, error) {
	live, ok := c.live.(OwnerSource)
	if !ok {
		return nil, errors.New("feed: live source cannot subscribe by owner")
	}
	all := newMulti()
	if cache, ok := c.cache.(OwnerSource); ok {
		if sub, err := cache.SubscribeOwner(ctx, owner, h); err == nil {
			all.subs = append(all.subs, sub)
		} else {
			c.logger.Warn("cache owner replay unavailable", zap.Error(err))
		}
	}
	sub, err := live.SubscribeOwner(ctx, owner, h)
	if err != nil {
		all.Stop()
		return nil, err
	}
	all.subs = append(all.subs, sub)
	return all, nil
}

// Fanout publishes to the primary publisher and writes through to the
// secondaries. Only a primary failure is returned.
type Fanout struct {
	primary     Publisher
	secondaries []Publisher
	logger      *logger.Logger
}

// NewFanout creates a fanout publisher.
func NewFanout(primary Publisher, log *logger.Logger, secondaries ...Publisher) *Fanout {
	return &Fanout{primary: primary, secondaries: secondaries, logger: logger.OrNop(log)}
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, owner string, ev model.RawEvent) error {
	for _, p := range f.secondaries {
		if err := p.Publish(ctx, owner, ev); err != nil {
			f.logger.Warn("write-through failed",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
	if f.primary == nil {
		return nil
	}
	return f.primary.Publish(ctx, owner, ev)
}

// Recorder passes live deliveries through to a handler after writing them
// to a sink, so events from other writers reach the local cache too.
type Recorder struct {
	src    Source
	sink   Publisher
	logger *logger.Logger
}

// NewRecorder wraps src.
func NewRecorder(src Source, sink Publisher, log *logger.Logger) *Recorder {
	return &Recorder{src: src, sink: sink, logger: logger.OrNop(log)}
}

func (r *Recorder) wrap(ctx context.Context, owner string, h Handler) Handler {
	return func(d Delivery) {
		if !d.FromCache {
			if err := r.sink.Publish(ctx, owner, d.Event); err != nil {
				r.logger.Warn("record failed", zap.String("event_id", d.Event.ID), zap.Error(err))
			}
		}
		h(d)
	}
}

// Subscribe implements Source.
func (r *Recorder) Subscribe(ctx context.Context, owner, chatID string, h Handler) (Subscription, error) {
	return r.src.Subscribe(ctx, owner, chatID, r.wrap(ctx, owner, h))
}

// SubscribeOwner implements OwnerSource when the wrapped source does.
func (r *Recorder) SubscribeOwner(ctx context.Context, owner string, h Handler) (Subscription, error) {
	owned, ok := r.src.(OwnerSource)
	if !ok {
		return nil, errors.New("feed: source cannot subscribe by owner")
	}
	return owned.SubscribeOwner(ctx, owner, r.wrap(ctx, owner, h))
}
