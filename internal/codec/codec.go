// Package codec converts between signed raw events and typed chat, branch
// and message snapshots. It owns the split between encrypted body pairs and
// public routing tags.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

var (
	// ErrMissingIdentity means the event lacks the field that indexes its entity.
	ErrMissingIdentity = errors.New("codec: missing identity field")
	// ErrMalformedBody means the (possibly decrypted) body is not a tag list.
	ErrMalformedBody = errors.New("codec: malformed body")
	// ErrUnknownKind means no variant handles the event kind.
	ErrUnknownKind = errors.New("codec: unknown event kind")
	// ErrNoIdentity means encode was called on a codec without signer or encrypter.
	ErrNoIdentity = errors.New("codec: no signing identity")
)

// Signer signs events on behalf of the acting identity. Sign fills PubKey,
// ID and Sig.
type Signer interface {
	PublicKey() string
	Sign(ctx context.Context, ev *model.RawEvent) error
}

// Encrypter encrypts a body for the acting identity.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// Decrypter recovers the plaintext body of an event.
type Decrypter interface {
	Decrypt(ctx context.Context, ev model.RawEvent) (string, error)
}

// Identity is everything a producing codec needs.
type Identity interface {
	Signer
	Encrypter
	Decrypter
}

// BodySource tells how a body's text was obtained.
type BodySource int

const (
	// BodyDecrypted means the decrypter accepted the content.
	BodyDecrypted BodySource = iota
	// BodyKeptPrior means decryption failed or was unavailable and the
	// content was kept as-is.
	BodyKeptPrior
)

func (s BodySource) String() string {
	if s == BodyDecrypted {
		return "decrypted"
	}
	return "kept_prior"
}

// Body is the outcome of opening an event body. A KeptPrior body is not a
// failure; it may still parse.
type Body struct {
	Text   string
	Source BodySource
}

// Result is a successfully decoded entity.
type Result struct {
	Entity model.Entity
	Source BodySource
}

// Codec implements decode for every kind and, when it holds an identity,
// encode as well.
type Codec struct {
	decrypter Decrypter
	encrypter Encrypter
	signer    Signer
	logger    *logger.Logger
}

// New creates a codec able to decode and produce events for id.
func New(id Identity, log *logger.Logger) *Codec {
	return &Codec{
		decrypter: id,
		encrypter: id,
		signer:    id,
		logger:    logger.OrNop(log),
	}
}

// NewReader creates a decode-only codec. d may be nil, in which case every
// body is kept as-is.
func NewReader(d Decrypter, log *logger.Logger) *Codec {
	return &Codec{decrypter: d, logger: logger.OrNop(log)}
}

// Decode dispatches on the event kind.
func (c *Codec) Decode(ctx context.Context, ev model.RawEvent) (Result, error) {
	var (
		entity model.Entity
		src    BodySource
		err    error
	)
	switch ev.Kind {
	case model.KindChatContainer:
		entity, src, err = decodeAs(c.DecodeChat(ctx, ev))
	case model.KindBranchContainer:
		entity, src, err = decodeAs(c.DecodeBranch(ctx, ev))
	case model.KindMessage:
		entity, src, err = decodeAs(c.DecodeMessage(ctx, ev))
	default:
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownKind, int(ev.Kind))
	}
	if err != nil {
		return Result{Source: src}, err
	}
	return Result{Entity: entity, Source: src}, nil
}

func decodeAs[E model.Entity](e E, src BodySource, err error) (model.Entity, BodySource, error) {
	return e, src, err
}

// Encode produces a signed event for a chat, branch or message snapshot,
// stamped with at.
func (c *Codec) Encode(ctx context.Context, e model.Entity, at time.Time) (model.RawEvent, error) {
	switch v := e.(type) {
	case model.ChatThread:
		return c.EncodeChat(ctx, v, at)
	case model.Branch:
		return c.EncodeBranch(ctx, v, at)
	case model.Message:
		return c.EncodeMessage(ctx, v, at)
	default:
		return model.RawEvent{}, fmt.Errorf("%w: %T", ErrUnknownKind, e)
	}
}

// OpenBody decrypts the event content, keeping the content as-is when that
// is not possible.
func (c *Codec) OpenBody(ctx context.Context, ev model.RawEvent) Body {
	if c.decrypter == nil || ev.Content == "" {
		return Body{Text: ev.Content, Source: BodyKeptPrior}
	}
	text, err := c.decrypter.Decrypt(ctx, ev)
	if err != nil {
		metrics.DecodeFallbacks.WithLabelValues(ev.Kind.String()).Inc()
		c.logger.Debug("body kept as prior text",
			zap.String("event_id", ev.ID),
			zap.Stringer("kind", ev.Kind),
			zap.Error(err),
		)
		return Body{Text: ev.Content, Source: BodyKeptPrior}
	}
	return Body{Text: text, Source: BodyDecrypted}
}

// open runs the shared steps: open the body, parse it, put it under the
// public tags.
func (c *Codec) open(ctx context.Context, ev model.RawEvent) (model.Tags, BodySource, error) {
	body := c.OpenBody(ctx, ev)
	pairs, err := parseBody(body.Text)
	if err != nil {
		return nil, body.Source, err
	}
	return pairs.Overlay(ev.Tags), body.Source, nil
}

// parseBody reads a JSON array of string arrays. An empty body is an empty
// pair list.
func parseBody(text string) (model.Tags, error) {
	if strings.TrimSpace(text) == "" {
		return model.Tags{}, nil
	}
	var tags model.Tags
	if err := json.Unmarshal([]byte(text), &tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return tags, nil
}

// seal partitions tags by the public allow-list, encrypts the rest and signs.
func (c *Codec) seal(ctx context.Context, kind model.Kind, tags model.Tags, public []string, at time.Time) (model.RawEvent, error) {
	if c.signer == nil || c.encrypter == nil {
		return model.RawEvent{}, ErrNoIdentity
	}

	secret := tags.Without(public...)
	body, err := json.Marshal(secret)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("marshal body: %w", err)
	}

	ciphertext, err := c.encrypter.Encrypt(ctx, string(body))
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("encrypt body: %w", err)
	}

	ev := model.RawEvent{
		Kind:      kind,
		CreatedAt: at.UTC(),
		Tags:      tags.Only(public...),
		Content:   ciphertext,
	}
	if err := c.signer.Sign(ctx, &ev); err != nil {
		return model.RawEvent{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

func appendIf(tags model.Tags, key, value string) model.Tags {
	if value == "" {
		return tags
	}
	return append(tags, model.Tag{key, value})
}

func appendInt(tags model.Tags, key string, v *int64) model.Tags {
	if v == nil {
		return tags
	}
	return append(tags, model.Tag{key, strconv.FormatInt(*v, 10)})
}

func appendFloat(tags model.Tags, key string, v *float64) model.Tags {
	if v == nil {
		return tags
	}
	return append(tags, model.Tag{key, strconv.FormatFloat(*v, 'g', -1, 64)})
}

// parseInt reads an optional integer pair. Unparseable values read as absent.
func parseInt(tags model.Tags, key string) *int64 {
	s, ok := tags.Value(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseFloat(tags model.Tags, key string) *float64 {
	s, ok := tags.Value(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

// ChatIDOf reads the thread id from the public tags of an event without
// decoding it. It returns "" for kinds that carry no thread id.
func ChatIDOf(ev model.RawEvent) string {
	switch ev.Kind {
	case model.KindChatContainer:
		return ev.Tags.Get(TagChatID)
	case model.KindBranchContainer, model.KindMessage:
		return ev.Tags.Get(TagChat)
	default:
		return ""
	}
}
