// Package service runs conversation sessions: it feeds events through the
// ledger into the branch graph and turns user actions into signed events.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/deposit"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/llm"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/payment"
	"github.com/capitalize-ai/forkchat/internal/transcript"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// Completer produces assistant turns.
type Completer interface {
	Complete(ctx context.Context, turn llm.Turn, onToken llm.StreamCallback) (*llm.Result, error)
}

// PricingLookup resolves model pricing.
type PricingLookup interface {
	Lookup(modelID string) (*model.PricingInfo, bool)
}

// Deps are the collaborators shared by every session. Each session still
// owns its ledger and graph.
type Deps struct {
	Codec      *codec.Codec
	Feed       feed.Source
	Publisher  feed.Publisher
	Payment    payment.Provider
	Backend    Completer
	Pricing    PricingLookup
	Estimator  *deposit.Estimator
	ForkPolicy transcript.ForkPolicy
	Logger     *logger.Logger

	DefaultModel      string
	CompletionTimeout time.Duration
	// SyncTimeout bounds how long opening a chat waits for its history.
	SyncTimeout time.Duration
	// ListCapacity bounds the seen-set of each owner's chat list.
	ListCapacity int

	// OnEmit observes every event produced by a session.
	OnEmit func(owner string, ev model.RawEvent)

	Now   func() time.Time
	NewID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Estimator == nil {
		d.Estimator = deposit.NewEstimator(deposit.WithLogger(d.Logger))
	}
	if d.Payment == nil {
		d.Payment = payment.NewWallet(0, d.Logger)
	}
	if d.CompletionTimeout <= 0 {
		d.CompletionTimeout = 2 * time.Minute
	}
	if d.SyncTimeout <= 0 {
		d.SyncTimeout = 5 * time.Second
	}
	if d.ListCapacity <= 0 {
		d.ListCapacity = 100000
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	d.Logger = logger.OrNop(d.Logger)
	return d
}

func (d Deps) lookup(modelID string) *model.PricingInfo {
	if d.Pricing == nil {
		return nil
	}
	p, ok := d.Pricing.Lookup(modelID)
	if !ok {
		return nil
	}
	return p
}
