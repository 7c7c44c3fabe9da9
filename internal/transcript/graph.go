// Package transcript holds the branch graph of one conversation and
// resolves the linear message sequence visible on a branch.
package transcript

import (
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// ForkPolicy decides what a branch shows while its fork point is not
// visible in the parent transcript.
type ForkPolicy int

const (
	// IncludeParent shows the whole parent transcript followed by the
	// branch's own messages.
	IncludeParent ForkPolicy = iota
	// Defer shows nothing for the branch until the fork point resolves.
	Defer
)

// ParseForkPolicy reads "include-parent" or "defer".
func ParseForkPolicy(s string) (ForkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "include-parent":
		return IncludeParent, nil
	case "defer":
		return Defer, nil
	default:
		return IncludeParent, fmt.Errorf("unknown fork policy %q", s)
	}
}

// Stats describes the last transcript build.
type Stats struct {
	UnresolvedBranches   int
	UnresolvedForkPoints int
	Cycles               int
}

// Degraded reports whether the last build hit any unresolved reference.
func (s Stats) Degraded() bool {
	return s.UnresolvedBranches+s.UnresolvedForkPoints+s.Cycles > 0
}

// Graph stores the branches and messages of one conversation. It is not
// safe for concurrent use; the owning session serializes access.
type Graph struct {
	branches map[string]model.Branch
	messages map[string]model.Message
	policy   ForkPolicy
	stats    Stats
}

// Option configures a Graph.
type Option func(*Graph)

// WithForkPolicy sets the unresolved fork point policy.
func WithForkPolicy(p ForkPolicy) Option {
	return func(g *Graph) { g.policy = p }
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		branches: make(map[string]model.Branch),
		messages: make(map[string]model.Message),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PutBranch stores b unless a newer snapshot of the same branch is held.
// It reports whether b was applied.
func (g *Graph) PutBranch(b model.Branch) bool {
	if cur, ok := g.branches[b.ID]; ok && !b.Revision.Supersedes(cur.Revision) {
		return false
	}
	g.branches[b.ID] = b
	return true
}

// PutMessage stores m unless a newer snapshot of the same message is held.
func (g *Graph) PutMessage(m model.Message) bool {
	if cur, ok := g.messages[m.ID]; ok && !m.Revision.Supersedes(cur.Revision) {
		return false
	}
	g.messages[m.ID] = m
	return true
}

// Branch returns a stored branch.
func (g *Graph) Branch(id string) (model.Branch, bool) {
	b, ok := g.branches[id]
	return b, ok
}

// Message returns a stored message.
func (g *Graph) Message(id string) (model.Message, bool) {
	m, ok := g.messages[id]
	return m, ok
}

// Branches returns all stored branches ordered by creation.
func (g *Graph) Branches() []model.Branch {
	out := make([]model.Branch, 0, len(g.branches))
	for _, b := range g.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of stored messages.
func (g *Graph) Len() int {
	return len(g.messages)
}

// Stats returns the report of the last Transcript call.
func (g *Graph) Stats() Stats {
	return g.stats
}
