// Package model defines data structures for branching conversations.
package model

import (
	"time"
)

// ChatThread is the container of one conversation.
type ChatThread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Owner          string    `json:"owner"`
	CreatedAt      time.Time `json:"created_at"`
	ActiveBranchID string    `json:"active_branch_id,omitempty"`
	BranchIDs      []string  `json:"branch_ids,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`

	// Extra keeps body pairs this version does not understand.
	Extra    Tags     `json:"-"`
	Revision Revision `json:"revision"`
}

func (c ChatThread) EntityID() string         { return c.ID }
func (c ChatThread) EntityKind() Kind         { return KindChatContainer }
func (c ChatThread) EntityRevision() Revision { return c.Revision }

// HasBranch reports whether id is a member branch. The root line ("") is
// always a member.
func (c ChatThread) HasBranch(id string) bool {
	if id == "" {
		return true
	}
	for _, b := range c.BranchIDs {
		if b == id {
			return true
		}
	}
	return false
}

// WithBranch returns a copy that lists id as a member branch.
func (c ChatThread) WithBranch(id string) ChatThread {
	if c.HasBranch(id) {
		return c
	}
	ids := make([]string, len(c.BranchIDs), len(c.BranchIDs)+1)
	copy(ids, c.BranchIDs)
	c.BranchIDs = append(ids, id)
	return c
}

// Branch is a fork of a conversation. An empty ParentBranchID means the
// branch hangs off the root line.
type Branch struct {
	ID                 string    `json:"id"`
	ChatID             string    `json:"chat_id"`
	ParentBranchID     string    `json:"parent_branch_id,omitempty"`
	ForkPointMessageID string    `json:"fork_point_message_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	Extra    Tags     `json:"-"`
	Revision Revision `json:"revision"`
}

func (b Branch) EntityID() string         { return b.ID }
func (b Branch) EntityKind() Kind         { return KindBranchContainer }
func (b Branch) EntityRevision() Revision { return b.Revision }

// ChatSummary is one row of the chat list.
type ChatSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Owner          string    `json:"owner"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CreateChatRequest is the request to start a new chat.
type CreateChatRequest struct {
	Title string `json:"title,omitempty"`
	Model string `json:"model,omitempty"`
}

// RenameChatRequest is the request to rename a chat.
type RenameChatRequest struct {
	Title string `json:"title"`
}

// ForkRequest is the request to fork at a message.
type ForkRequest struct {
	ForkPointMessageID string `json:"fork_point_message_id"`
}

// SwitchBranchRequest selects the active branch. Empty means the root line.
type SwitchBranchRequest struct {
	BranchID string `json:"branch_id"`
}

// ChatStateResponse describes one open chat.
type ChatStateResponse struct {
	Chat     ChatThread `json:"chat"`
	Branches []Branch   `json:"branches"`
	State    string     `json:"state"`
	Model    string     `json:"model,omitempty"`
}

// ListChatsResponse is the response for listing chats.
type ListChatsResponse struct {
	Chats []ChatSummary `json:"chats"`
	Total int           `json:"total"`
}
