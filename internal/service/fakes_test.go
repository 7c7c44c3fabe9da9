package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/llm"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/payment"
	"github.com/capitalize-ai/forkchat/internal/transcript"
)

// memFeed is an in-process event log. Subscriptions replay history
// synchronously and then receive every publish. With async set, history is
// replayed on its own goroutine the way the pebble cache and JetStream do,
// after gate (if any) is closed, and the subscription reports when it is
// synced.
type memFeed struct {
	mu       sync.Mutex
	events   map[string][]model.RawEvent
	subs     map[int]memSub
	next     int
	failWith error

	async bool
	gate  chan struct{}
}

type asyncSub struct {
	stop   func()
	synced feed.Signal
}

func (a *asyncSub) Stop()                   { a.stop() }
func (a *asyncSub) Synced() <-chan struct{} { return a.synced.Done() }

type memSub struct {
	owner  string
	chatID string
	h      feed.Handler
}

func newMemFeed() *memFeed {
	return &memFeed{events: make(map[string][]model.RawEvent), subs: make(map[int]memSub)}
}

func (f *memFeed) matches(s memSub, owner string, ev model.RawEvent) bool {
	return s.owner == owner && (s.chatID == "" || codec.ChatIDOf(ev) == s.chatID)
}

func (f *memFeed) subscribe(owner, chatID string, h feed.Handler) (feed.Subscription, error) {
	f.mu.Lock()
	if f.failWith != nil {
		err := f.failWith
		f.mu.Unlock()
		return nil, err
	}
	s := memSub{owner: owner, chatID: chatID, h: h}
	var history []model.RawEvent
	for _, ev := range f.events[owner] {
		if f.matches(s, owner, ev) {
			history = append(history, ev)
		}
	}
	id := f.next
	f.next++
	f.subs[id] = s
	async, gate := f.async, f.gate
	f.mu.Unlock()

	stop := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
	if async {
		sub := &asyncSub{stop: stop}
		go func() {
			defer sub.synced.Fire()
			if gate != nil {
				<-gate
			}
			for _, ev := range history {
				h(feed.Delivery{Event: ev, FromCache: true})
			}
		}()
		return sub, nil
	}
	for _, ev := range history {
		h(feed.Delivery{Event: ev, FromCache: true})
	}
	return feed.SubscriptionFunc(stop), nil
}

func (f *memFeed) Subscribe(_ context.Context, owner, chatID string, h feed.Handler) (feed.Subscription, error) {
	return f.subscribe(owner, chatID, h)
}

func (f *memFeed) SubscribeOwner(_ context.Context, owner string, h feed.Handler) (feed.Subscription, error) {
	return f.subscribe(owner, "", h)
}

func (f *memFeed) Publish(_ context.Context, owner string, ev model.RawEvent) error {
	f.mu.Lock()
	f.events[owner] = append(f.events[owner], ev)
	var targets []feed.Handler
	for _, s := range f.subs {
		if f.matches(s, owner, ev) {
			targets = append(targets, s.h)
		}
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(feed.Delivery{Event: ev})
	}
	return nil
}

func (f *memFeed) count(owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[owner])
}

func (f *memFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type scriptedClient struct {
	mu     sync.Mutex
	tokens []string
	err    error
	block  chan struct{}
	got    []*llm.CompletionRequest
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return c.CompleteStream(ctx, req, func(string, int) error { return nil })
}

func (c *scriptedClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.got = append(c.got, req)
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	content := ""
	for i, tok := range c.tokens {
		if err := cb(tok, i); err != nil {
			return nil, err
		}
		content += tok
	}
	return &llm.CompletionResponse{Content: content, Model: req.Model, TokensIn: 400, TokensOut: 100, StopReason: "end_turn"}, nil
}

func (c *scriptedClient) Name() string     { return "scripted" }
func (c *scriptedClient) Models() []string { return nil }

func (c *scriptedClient) requests() []*llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.CompletionRequest(nil), c.got...)
}

type failingProvider struct{}

func (failingProvider) Reserve(context.Context, int64) (string, error) {
	return "", errors.New("mint offline")
}

func (failingProvider) Redeem(context.Context, string) (int64, error) {
	return 0, errors.New("mint offline")
}

type staticPricing map[string]*model.PricingInfo

func (p staticPricing) Lookup(id string) (*model.PricingInfo, bool) {
	v, ok := p[id]
	return v, ok
}

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	deps   Deps
	feed   *memFeed
	wallet *payment.Wallet
	client *scriptedClient
	key    *identity.Keypair
	owner  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := identity.FromSeed([]byte("service-test-seed-0123456789abcd"))
	require.NoError(t, err)

	f := &fixture{
		feed:   newMemFeed(),
		wallet: payment.NewWallet(1000, nil),
		client: &scriptedClient{tokens: []string{"Hel", "lo!"}},
		key:    key,
		owner:  key.PublicKey(),
	}
	clock := &stepClock{now: time.Unix(1700000000, 0).UTC()}
	f.deps = Deps{
		Codec:     codec.New(key, nil),
		Feed:      f.feed,
		Publisher: f.feed,
		Payment:   f.wallet,
		Pricing: staticPricing{
			"paid": {ModelID: "paid", PromptTokensPerUnit: 100, CompletionTokensPerUnit: 50, MaxOutputTokens: 1000, MaxInputTokens: 100},
			"free": {ModelID: "free", Free: true},
		},
		ForkPolicy:   transcript.IncludeParent,
		DefaultModel: "paid",
		Now:          clock.Now,
	}
	return f
}

func (f *fixture) withBackend() *fixture {
	f.deps.Backend = llm.NewBackend(f.client, f.wallet, nil)
	return f
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
