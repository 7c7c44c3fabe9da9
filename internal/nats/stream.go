package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

const (
	// StreamName is the name of the chat events stream.
	StreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all chat event subjects.
	SubjectPrefix = "chat"
)

// StreamManager handles the chat events stream.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return &StreamManager{client: client, logger: logger.OrNop(log)}
}

// EnsureStream ensures the chat events stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Signed chat, branch and message events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// token makes s usable as one subject token.
func token(s string) string {
	if s != "" && !strings.ContainsAny(s, ".*> \t\r\n") {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "h" + hex.EncodeToString(sum[:16])
}

// EventSubject returns the subject an event is published on.
func EventSubject(owner, chatID string, kind model.Kind) string {
	return fmt.Sprintf("%s.%s.%s.%d", SubjectPrefix, token(owner), token(chatID), int(kind))
}

// ChatFilter returns the filter subject for all events of one chat.
func ChatFilter(owner, chatID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(owner), token(chatID))
}

// OwnerFilter returns the filter subjects for chat containers and messages
// of every chat of owner.
func OwnerFilter(owner string) []string {
	o := token(owner)
	return []string{
		fmt.Sprintf("%s.%s.*.%d", SubjectPrefix, o, int(model.KindChatContainer)),
		fmt.Sprintf("%s.%s.*.%d", SubjectPrefix, o, int(model.KindMessage)),
	}
}

// Publish implements feed.Publisher. The event id doubles as the JetStream
// message id so repeated publishes are dropped by the server.
func (m *StreamManager) Publish(ctx context.Context, owner string, ev model.RawEvent) error {
	chatID := codec.ChatIDOf(ev)
	if chatID == "" {
		return fmt.Errorf("publish %s: no thread id", ev.Kind)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(owner, chatID, ev.Kind), data, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if ack.Duplicate {
		m.logger.Debug("duplicate publish", zap.String("event_id", ev.ID))
	}
	return nil
}

// Subscribe implements feed.Source with an ordered consumer that delivers
// the whole history of the chat and then follows it live.
func (m *StreamManager) Subscribe(ctx context.Context, owner, chatID string, h feed.Handler) (feed.Subscription, error) {
	return m.consume(ctx, []string{ChatFilter(owner, chatID)}, h)
}

// SubscribeOwner implements feed.OwnerSource.
func (m *StreamManager) SubscribeOwner(ctx context.Context, owner string, h feed.Handler) (feed.Subscription, error) {
	return m.consume(ctx, OwnerFilter(owner), h)
}

// syncIdle is how long the live feed may stay silent before its backlog
// counts as delivered.
var syncIdle = 2 * time.Second

// liveSub is a running consumer. It is synced once a delivery reports
// nothing pending, when it starts on an empty history, or after syncIdle
// without deliveries.
type liveSub struct {
	stop   func()
	idle   *time.Timer
	wait   time.Duration
	synced feed.Signal
}

func newLiveSub(wait time.Duration) *liveSub {
	l := &liveSub{wait: wait}
	l.idle = time.AfterFunc(wait, l.markSynced)
	return l
}

func (l *liveSub) markSynced() {
	l.idle.Stop()
	l.synced.Fire()
}

// delivered records one handled message. pending is unknown when ok is
// false.
func (l *liveSub) delivered(pending uint64, ok bool) {
	select {
	case <-l.synced.Done():
		return
	default:
	}
	if ok && pending == 0 {
		l.markSynced()
		return
	}
	l.idle.Reset(l.wait)
}

func (l *liveSub) Stop() {
	l.idle.Stop()
	if l.stop != nil {
		l.stop()
	}
}

func (l *liveSub) Synced() <-chan struct{} { return l.synced.Done() }

func (m *StreamManager) consume(ctx context.Context, filters []string, h feed.Handler) (feed.Subscription, error) {
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects:    filters,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	sub := newLiveSub(syncIdle)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev model.RawEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			m.logger.Warn("undecodable stream message",
				zap.String("subject", msg.Subject()),
				zap.Error(err),
			)
			sub.delivered(0, false)
			return
		}
		meta, metaErr := msg.Metadata()
		if metaErr == nil {
			metrics.NATSConsumerPending.WithLabelValues(meta.Stream, meta.Consumer).Set(float64(meta.NumPending))
		}
		h(feed.Delivery{Event: ev})
		if metaErr == nil {
			sub.delivered(meta.NumPending, true)
		} else {
			sub.delivered(0, false)
		}
	})
	if err != nil {
		sub.idle.Stop()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}
	sub.stop = cc.Stop

	// Nothing sent and nothing pending means the history is empty.
	if info, err := consumer.Info(ctx); err == nil && info.NumPending == 0 && info.Delivered.Consumer == 0 {
		sub.markSynced()
	}
	return sub, nil
}

// CatalogWatcher receives model catalog events on a plain NATS subject.
type CatalogWatcher interface {
	ApplyEvent(ev model.RawEvent) (bool, error)
}

// WatchCatalog applies every catalog event published on subject.
func (m *StreamManager) WatchCatalog(subject string, catalog CatalogWatcher) (*nats.Subscription, error) {
	return m.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var ev model.RawEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			m.logger.Warn("undecodable catalog message", zap.Error(err))
			return
		}
		if _, err := catalog.ApplyEvent(ev); err != nil {
			m.logger.Warn("catalog event rejected",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	})
}
