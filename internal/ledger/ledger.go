// Package ledger deduplicates raw events across cache replay and live
// delivery so each event is decoded at most once per session.
package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

// Outcome classifies one observation.
type Outcome int

const (
	// Accepted means the event was new and decoded into an entity.
	Accepted Outcome = iota
	// AlreadySeen means the event id was observed before; nothing happened.
	AlreadySeen
	// Skip means the event was new but does not represent a usable entity.
	Skip
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadySeen:
		return "already_seen"
	default:
		return "skip"
	}
}

// Decoder turns a raw event into an entity.
type Decoder interface {
	Decode(ctx context.Context, ev model.RawEvent) (codec.Result, error)
}

// Observation is the result of Observe.
type Observation struct {
	Outcome Outcome
	Kind    model.Kind
	Entity  model.Entity
	Source  codec.BodySource
	// Err is set on Skip when decoding failed.
	Err error
}

// Ledger is a per-session seen-set. It must never be shared between
// conversations.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
	// order holds ids in insertion order when a capacity is set.
	order    []string
	capacity int

	decoder Decoder
	verify  func(model.RawEvent) error
	kinds   map[model.Kind]bool
	logger  *logger.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCapacity bounds the seen-set, evicting the oldest ids first. Only for
// aggregate views spanning many conversations.
func WithCapacity(n int) Option {
	return func(l *Ledger) { l.capacity = n }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Ledger) { l.logger = log }
}

// WithKinds restricts decoding to the listed kinds; others are skipped.
func WithKinds(kinds ...model.Kind) Option {
	return func(l *Ledger) {
		l.kinds = make(map[model.Kind]bool, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = true
		}
	}
}

// WithVerifier checks each new event before decode. Events failing the check
// are skipped and stay seen.
func WithVerifier(verify func(model.RawEvent) error) Option {
	return func(l *Ledger) { l.verify = verify }
}

// New creates a ledger decoding through dec.
func New(dec Decoder, opts ...Option) *Ledger {
	l := &Ledger{
		seen:    make(map[string]struct{}),
		decoder: dec,
		kinds: map[model.Kind]bool{
			model.KindChatContainer:   true,
			model.KindBranchContainer: true,
			model.KindMessage:         true,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.OrNop(l.logger)
	return l
}

// Observe processes one delivery of ev. The id is marked seen before decode
// is attempted, so a failing decode is never retried.
func (l *Ledger) Observe(ctx context.Context, ev model.RawEvent, fromCache bool) Observation {
	obs := l.observe(ctx, ev)

	source := "live"
	if fromCache {
		source = "cache"
	}
	metrics.RecordEvent(ev.Kind.String(), source, obs.Outcome.String())
	if obs.Outcome == Skip {
		l.logger.Debug("event skipped",
			zap.String("event_id", ev.ID),
			zap.Stringer("kind", ev.Kind),
			zap.String("source", source),
			zap.Error(obs.Err),
		)
	}
	return obs
}

func (l *Ledger) observe(ctx context.Context, ev model.RawEvent) Observation {
	obs := Observation{Kind: ev.Kind}
	if ev.ID == "" {
		obs.Outcome = Skip
		return obs
	}
	if !l.markSeen(ev.ID) {
		obs.Outcome = AlreadySeen
		return obs
	}
	if !l.kinds[ev.Kind] {
		obs.Outcome = Skip
		obs.Err = codec.ErrUnknownKind
		return obs
	}

	if l.verify != nil {
		if err := l.verify(ev); err != nil {
			obs.Outcome = Skip
			obs.Err = err
			return obs
		}
	}

	res, err := l.decoder.Decode(ctx, ev)
	if err != nil {
		obs.Outcome = Skip
		obs.Err = err
		obs.Source = res.Source
		return obs
	}
	obs.Outcome = Accepted
	obs.Entity = res.Entity
	obs.Source = res.Source
	return obs
}

// markSeen inserts id and reports whether it was new.
func (l *Ledger) markSeen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	if l.capacity > 0 {
		for len(l.order) >= l.capacity {
			delete(l.seen, l.order[0])
			l.order = l.order[1:]
		}
		l.order = append(l.order, id)
	}
	l.seen[id] = struct{}{}
	return true
}

// Seen reports whether id has been observed.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
