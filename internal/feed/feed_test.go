package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/model"
)

type stubSource struct {
	events    []model.RawEvent
	fromCache bool
	err       error
	stopped   int
}

func (s *stubSource) Subscribe(_ context.Context, _, _ string, h Handler) (Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, ev := range s.events {
		h(Delivery{Event: ev, FromCache: s.fromCache})
	}
	return SubscriptionFunc(func() { s.stopped++ }), nil
}

func (s *stubSource) SubscribeOwner(ctx context.Context, owner string, h Handler) (Subscription, error) {
	return s.Subscribe(ctx, owner, "", h)
}

type recorder struct {
	mu  sync.Mutex
	got []Delivery
}

func (r *recorder) handle(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
}

func TestCombinedDeliversBothSources(t *testing.T) {
	cache := &stubSource{events: []model.RawEvent{{ID: "a"}}, fromCache: true}
	live := &stubSource{events: []model.RawEvent{{ID: "a"}, {ID: "b"}}}
	rec := &recorder{}

	sub, err := NewCombined(cache, live, nil).Subscribe(context.Background(), "o", "c", rec.handle)
	require.NoError(t, err)
	require.Len(t, rec.got, 3)
	assert.True(t, rec.got[0].FromCache)
	assert.False(t, rec.got[1].FromCache)

	sub.Stop()
	sub.Stop()
	assert.Equal(t, 1, cache.stopped)
	assert.Equal(t, 1, live.stopped)
}

func TestCombinedLiveFailureIsFatal(t *testing.T) {
	cache := &stubSource{}
	live := &stubSource{err: errors.New("no stream")}

	_, err := NewCombined(cache, live, nil).Subscribe(context.Background(), "o", "c", func(Delivery) {})
	assert.Error(t, err)
	assert.Equal(t, 1, cache.stopped, "cache replay is torn down")
}

func TestCombinedCacheFailureIsTolerated(t *testing.T) {
	cache := &stubSource{err: errors.New("disk")}
	live := &stubSource{events: []model.RawEvent{{ID: "x"}}}
	rec := &recorder{}

	_, err := NewCombined(cache, live, nil).Subscribe(context.Background(), "o", "c", rec.handle)
	require.NoError(t, err)
	assert.Len(t, rec.got, 1)
}

func TestCombinedOwner(t *testing.T) {
	live := &stubSource{events: []model.RawEvent{{ID: "x"}}}
	rec := &recorder{}
	_, err := NewCombined(nil, live, nil).SubscribeOwner(context.Background(), "o", rec.handle)
	require.NoError(t, err)
	assert.Len(t, rec.got, 1)
}

type stubPublisher struct {
	err error
	got []string
}

func (p *stubPublisher) Publish(_ context.Context, _ string, ev model.RawEvent) error {
	p.got = append(p.got, ev.ID)
	return p.err
}

func TestFanout(t *testing.T) {
	primary := &stubPublisher{}
	cache := &stubPublisher{err: errors.New("full")}

	err := NewFanout(primary, nil, cache).Publish(context.Background(), "o", model.RawEvent{ID: "e"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, primary.got)
	assert.Equal(t, []string{"e"}, cache.got)

	primary.err = errors.New("down")
	assert.Error(t, NewFanout(primary, nil).Publish(context.Background(), "o", model.RawEvent{ID: "f"}))
}

func TestRecorderWritesLiveDeliveriesOnly(t *testing.T) {
	sink := &stubPublisher{err: errors.New("disk full")}
	rec := &recorder{}

	live := &stubSource{events: []model.RawEvent{{ID: "l1"}, {ID: "l2"}}}
	_, err := NewRecorder(live, sink, nil).Subscribe(context.Background(), "o", "c", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2"}, sink.got)
	assert.Len(t, rec.got, 2, "sink failures do not block delivery")

	replay := &stubSource{events: []model.RawEvent{{ID: "c1"}}, fromCache: true}
	_, err = NewRecorder(replay, sink, nil).SubscribeOwner(context.Background(), "o", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2"}, sink.got)
	assert.Len(t, rec.got, 3)
}

type gatedSub struct {
	Signal
}

func (g *gatedSub) Stop()                   {}
func (g *gatedSub) Synced() <-chan struct{} { return g.Done() }

type gatedSource struct{ sub gatedSub }

func (g *gatedSource) Subscribe(context.Context, string, string, Handler) (Subscription, error) {
	return &g.sub, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSyncedDefaultsToImmediate(t *testing.T) {
	assert.True(t, isClosed(Synced(SubscriptionFunc(func() {}))))
}

func TestCombinedSyncedWaitsForBothSources(t *testing.T) {
	cache, live := &gatedSource{}, &gatedSource{}
	sub, err := NewCombined(cache, live, nil).Subscribe(context.Background(), "alice", "c1", func(Delivery) {})
	require.NoError(t, err)
	defer sub.Stop()

	synced := Synced(sub)
	cache.sub.Fire()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, isClosed(synced))

	live.sub.Fire()
	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("combined subscription never synced")
	}
}

func TestSignalFiresOnce(t *testing.T) {
	var s Signal
	assert.False(t, isClosed(s.Done()))
	s.Fire()
	s.Fire()
	assert.True(t, isClosed(s.Done()))
}
