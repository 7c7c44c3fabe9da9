// Package cache is the local event cache. It persists every event seen or
// produced and replays a conversation as the cache side of the feed.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// Key layout, with 0x00 separators:
//
//	ev  owner chat created(20 digits) id -> event JSON
//	id  id                                -> ev key
const sep = "\x00"

var (
	evPrefix = []byte("ev" + sep)
	idPrefix = []byte("id" + sep)
)

// ErrNoChat means an event carries no thread id and cannot be filed.
var ErrNoChat = errors.New("cache: event has no thread id")

// Store is a pebble-backed event cache.
type Store struct {
	db     *pebble.DB
	logger *logger.Logger
	wg     sync.WaitGroup
}

// Option configures Open.
type Option func(*pebble.Options)

// WithFS runs the store on the given filesystem. Tests use vfs.NewMem().
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Open opens or creates the cache at path.
func Open(path string, log *logger.Logger, opts ...Option) (*Store, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.FS == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := pebble.Open(path, o)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Store{db: db, logger: logger.OrNop(log)}, nil
}

// Close waits for running replays and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.wg.Wait()
	return s.db.Close()
}

func eventKey(owner, chatID string, ev model.RawEvent) []byte {
	nanos := ev.CreatedAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("ev%s%s%s%s%s%020d%s%s", sep, owner, sep, chatID, sep, nanos, sep, ev.ID))
}

func chatPrefix(owner, chatID string) []byte {
	return []byte("ev" + sep + owner + sep + chatID + sep)
}

func ownerPrefix(owner string) []byte {
	return []byte("ev" + sep + owner + sep)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Put stores ev under owner. Storing the same event id twice is a no-op.
func (s *Store) Put(owner string, ev model.RawEvent) error {
	chatID := codec.ChatIDOf(ev)
	if chatID == "" || ev.ID == "" {
		return ErrNoChat
	}

	idKey := append(append([]byte{}, idPrefix...), ev.ID...)
	if _, closer, err := s.db.Get(idKey); err == nil {
		closer.Close()
		return nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := eventKey(owner, chatID, ev)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if err := b.Set(idKey, key, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Publish implements feed.Publisher as a write-through target.
func (s *Store) Publish(_ context.Context, owner string, ev model.RawEvent) error {
	return s.Put(owner, ev)
}

// Has reports whether an event id is stored.
func (s *Store) Has(id string) bool {
	_, closer, err := s.db.Get(append(append([]byte{}, idPrefix...), id...))
	if err != nil {
		return false
	}
	closer.Close()
	return true
}

// Events returns the stored events of a conversation in creation order.
func (s *Store) Events(owner, chatID string) ([]model.RawEvent, error) {
	var out []model.RawEvent
	err := s.scan(context.Background(), chatPrefix(owner, chatID), func(ev model.RawEvent) {
		out = append(out, ev)
	})
	return out, err
}

// Chats lists the thread ids stored for owner.
func (s *Store) Chats(owner string) ([]string, error) {
	prefix := ownerPrefix(owner)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var chats []string
	seen := make(map[string]bool)
	for ok := it.First(); ok; ok = it.Next() {
		rest := it.Key()[len(prefix):]
		i := bytes.Index(rest, []byte(sep))
		if i < 0 {
			continue
		}
		chat := string(rest[:i])
		if !seen[chat] {
			seen[chat] = true
			chats = append(chats, chat)
		}
	}
	return chats, it.Error()
}

func (s *Store) scan(ctx context.Context, prefix []byte, fn func(model.RawEvent)) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev model.RawEvent
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			s.logger.Warn("corrupt cache entry", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		fn(ev)
	}
	return it.Error()
}

// Subscribe implements feed.Source by replaying the stored events of a
// conversation in the background.
func (s *Store) Subscribe(ctx context.Context, owner, chatID string, h feed.Handler) (feed.Subscription, error) {
	return s.replay(ctx, chatPrefix(owner, chatID), h), nil
}

// SubscribeOwner implements feed.OwnerSource.
func (s *Store) SubscribeOwner(ctx context.Context, owner string, h feed.Handler) (feed.Subscription, error) {
	return s.replay(ctx, ownerPrefix(owner), h), nil
}

// replaySub is a background replay. It is synced once the scan is over,
// whether it finished or failed.
type replaySub struct {
	cancel context.CancelFunc
	done   feed.Signal
}

func (r *replaySub) Stop()                   { r.cancel() }
func (r *replaySub) Synced() <-chan struct{} { return r.done.Done() }

func (s *Store) replay(ctx context.Context, prefix []byte, h feed.Handler) feed.Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &replaySub{cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.done.Fire()
		err := s.scan(ctx, prefix, func(ev model.RawEvent) {
			h(feed.Delivery{Event: ev, FromCache: true})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("cache replay stopped", zap.Error(err))
		}
	}()
	return sub
}
