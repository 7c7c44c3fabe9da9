package transcript

import (
	"sort"

	"github.com/capitalize-ai/forkchat/internal/model"
)

// Transcript returns the ordered messages visible on branchID. "" is the
// root line.
func (g *Graph) Transcript(branchID string) []model.Message {
	b := newBuild(g)
	out := b.resolve(branchID)
	g.stats = b.stats

	result := make([]model.Message, len(out))
	copy(result, out)
	return result
}

// TranscriptWith resolves branchID with extra messages overlaid for this
// pass only. Stored snapshots win on id collision.
func (g *Graph) TranscriptWith(branchID string, extra []model.Message) []model.Message {
	b := newBuild(g)
	for _, m := range extra {
		if _, stored := g.messages[m.ID]; stored {
			continue
		}
		b.byBranch[m.BranchID] = append(b.byBranch[m.BranchID], m)
	}
	for _, msgs := range b.byBranch {
		sortMessages(msgs)
	}
	out := b.resolve(branchID)
	g.stats = b.stats

	result := make([]model.Message, len(out))
	copy(result, out)
	return result
}

// build is one resolution pass. Results are memoized per branch id and the
// ids on the current recursion path are tracked to cut cycles.
type build struct {
	g        *Graph
	byBranch map[string][]model.Message
	memo     map[string][]model.Message
	visiting map[string]bool
	stats    Stats
}

func newBuild(g *Graph) *build {
	byBranch := make(map[string][]model.Message)
	for _, m := range g.messages {
		byBranch[m.BranchID] = append(byBranch[m.BranchID], m)
	}
	for _, msgs := range byBranch {
		sortMessages(msgs)
	}
	return &build{
		g:        g,
		byBranch: byBranch,
		memo:     make(map[string][]model.Message),
		visiting: make(map[string]bool),
	}
}

func (b *build) resolve(branchID string) []model.Message {
	if branchID == "" {
		return b.byBranch[""]
	}
	if out, ok := b.memo[branchID]; ok {
		return out
	}
	if b.visiting[branchID] {
		b.stats.Cycles++
		return nil
	}

	branch, ok := b.g.branches[branchID]
	if !ok {
		b.stats.UnresolvedBranches++
		return nil
	}

	b.visiting[branchID] = true
	defer delete(b.visiting, branchID)

	local := b.byBranch[branchID]
	var out []model.Message
	switch {
	case branch.ForkPointMessageID == "":
		out = local
	default:
		parent := b.resolve(branch.ParentBranchID)
		if i := indexOf(parent, branch.ForkPointMessageID); i >= 0 {
			out = concat(parent[:i+1], local)
		} else {
			b.stats.UnresolvedForkPoints++
			if b.g.policy == IncludeParent {
				out = concat(parent, local)
			}
		}
	}

	b.memo[branchID] = out
	return out
}

// IsRelevant reports whether a message on msgBranchID belongs to the view
// of activeBranchID: the same branch, or one reached by walking parent
// links upward while every link resolves.
func (g *Graph) IsRelevant(msgBranchID, activeBranchID string) bool {
	if msgBranchID == activeBranchID {
		return true
	}
	visited := make(map[string]bool)
	for cur := activeBranchID; cur != ""; {
		if visited[cur] {
			return false
		}
		visited[cur] = true

		branch, ok := g.branches[cur]
		if !ok {
			return false
		}
		if branch.ParentBranchID == msgBranchID {
			return true
		}
		cur = branch.ParentBranchID
	}
	return false
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func indexOf(msgs []model.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func concat(a, b []model.Message) []model.Message {
	out := make([]model.Message, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
