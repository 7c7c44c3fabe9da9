package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind discriminates raw events.
type Kind int

const (
	KindBranchContainer Kind = 1102
	KindMessage         Kind = 1103
	KindModelCatalog    Kind = 30078
	KindChatContainer   Kind = 30101
)

// String returns the metric/log label of the kind.
func (k Kind) String() string {
	switch k {
	case KindChatContainer:
		return "chat"
	case KindBranchContainer:
		return "branch"
	case KindMessage:
		return "message"
	case KindModelCatalog:
		return "catalog"
	default:
		return "unknown"
	}
}

// Tag is one key/value pair of an event. Index 0 is the key; any further
// elements are values.
type Tag []string

// Key returns the tag key or "" for an empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered tag list.
type Tags []Tag

// Value returns the first value stored under key.
func (ts Tags) Value(key string) (string, bool) {
	for _, t := range ts {
		if t.Key() == key && len(t) > 1 {
			return t[1], true
		}
	}
	return "", false
}

// Get returns the first value under key or "".
func (ts Tags) Get(key string) string {
	v, _ := ts.Value(key)
	return v
}

// Values returns every value stored under key in order.
func (ts Tags) Values(key string) []string {
	var out []string
	for _, t := range ts {
		if t.Key() == key && len(t) > 1 {
			out = append(out, t[1])
		}
	}
	return out
}

// Without returns a copy with every tag under the given keys removed.
func (ts Tags) Without(keys ...string) Tags {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make(Tags, 0, len(ts))
	for _, t := range ts {
		if _, ok := drop[t.Key()]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Only returns a copy holding just the tags under the given keys.
func (ts Tags) Only(keys ...string) Tags {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	out := make(Tags, 0, len(keys))
	for _, t := range ts {
		if _, ok := keep[t.Key()]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Overlay places ts ahead of top, dropping any tag in ts whose key also
// appears in top. Tags in top win every collision.
func (ts Tags) Overlay(top Tags) Tags {
	shadowed := make(map[string]struct{}, len(top))
	for _, t := range top {
		shadowed[t.Key()] = struct{}{}
	}
	out := make(Tags, 0, len(ts)+len(top))
	for _, t := range ts {
		if _, ok := shadowed[t.Key()]; ok {
			continue
		}
		out = append(out, t)
	}
	return append(out, top...)
}

// RawEvent is a signed event as carried by the feed and the cache.
type RawEvent struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	PubKey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"created_at"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// ComputeID hashes the canonical serialization of the event. Signature and
// id fields are excluded.
func (e RawEvent) ComputeID() string {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	canonical, _ := json.Marshal([]any{0, e.PubKey, e.CreatedAt.UnixNano(), int(e.Kind), tags, e.Content})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Revision returns the last-writer-wins stamp carried by this event.
func (e RawEvent) Revision() Revision {
	return Revision{At: e.CreatedAt, EventID: e.ID}
}

// Revision identifies which event produced an entity snapshot.
type Revision struct {
	At      time.Time `json:"at"`
	EventID string    `json:"event_id"`
}

// IsZero reports whether no event has been applied yet.
func (r Revision) IsZero() bool {
	return r.At.IsZero() && r.EventID == ""
}

// Supersedes reports whether r replaces other under last-writer-wins.
// Equal timestamps fall back to the lexicographically greater event id so
// every replica converges regardless of arrival order.
func (r Revision) Supersedes(other Revision) bool {
	if other.IsZero() {
		return true
	}
	if !r.At.Equal(other.At) {
		return r.At.After(other.At)
	}
	return r.EventID > other.EventID
}

// Entity is a decoded snapshot of a chat, branch or message.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	EntityRevision() Revision
}
