package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleData      Role = "data"
)

// ParseRole maps a wire value to a Role. Unknown values read as user.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAssistant, RoleSystem, RoleData:
		return Role(s)
	default:
		return RoleUser
	}
}

// Message is one turn of a conversation. BranchID "" is the root line.
// PrevMessageID is informational; display order is CreatedAt.
type Message struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	BranchID      string    `json:"branch_id,omitempty"`
	PrevMessageID string    `json:"prev_message_id,omitempty"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	Author        string    `json:"author,omitempty"`

	// Economic metadata (absent on user turns)
	ModelID                 string   `json:"model_id,omitempty"`
	PromptTokens            *int64   `json:"prompt_tokens,omitempty"`
	CompletionTokens        *int64   `json:"completion_tokens,omitempty"`
	PromptTokensPerUnit     *float64 `json:"prompt_tokens_per_unit,omitempty"`
	CompletionTokensPerUnit *float64 `json:"completion_tokens_per_unit,omitempty"`
	FinishReason            string   `json:"finish_reason,omitempty"`
	DepositAmount           *int64   `json:"deposit_amount,omitempty"`
	ChangeAmount            *int64   `json:"change_amount,omitempty"`

	Extra    Tags     `json:"-"`
	Revision Revision `json:"-"`
}

func (m Message) EntityID() string         { return m.ID }
func (m Message) EntityKind() Kind         { return KindMessage }
func (m Message) EntityRevision() Revision { return m.Revision }

// InputCost is PromptTokens / PromptTokensPerUnit, defined only when both
// are present and the rate is positive.
func (m Message) InputCost() (float64, bool) {
	return ratio(m.PromptTokens, m.PromptTokensPerUnit)
}

// OutputCost is CompletionTokens / CompletionTokensPerUnit.
func (m Message) OutputCost() (float64, bool) {
	return ratio(m.CompletionTokens, m.CompletionTokensPerUnit)
}

// TotalCost is defined only when both sides are.
func (m Message) TotalCost() (float64, bool) {
	in, ok := m.InputCost()
	if !ok {
		return 0, false
	}
	out, ok := m.OutputCost()
	if !ok {
		return 0, false
	}
	return in + out, true
}

func ratio(tokens *int64, rate *float64) (float64, bool) {
	if tokens == nil || rate == nil || *rate <= 0 {
		return 0, false
	}
	return float64(*tokens) / *rate, true
}

// SendMessageRequest is the request to send a user turn.
type SendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// SendMessageResponse is returned once the user turn is published.
type SendMessageResponse struct {
	Message  Message `json:"message"`
	Deposit  int64   `json:"deposit"`
	Fallback bool    `json:"deposit_fallback,omitempty"`
}

// EstimateRequest previews the deposit for a draft.
type EstimateRequest struct {
	Draft string `json:"draft"`
	Model string `json:"model,omitempty"`
}

// EstimateResponse is the deposit preview.
type EstimateResponse struct {
	Units       int64  `json:"units"`
	InputTokens int64  `json:"input_tokens"`
	Fallback    bool   `json:"fallback,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// TranscriptResponse is the linear view of one branch.
type TranscriptResponse struct {
	ChatID   string    `json:"chat_id"`
	BranchID string    `json:"branch_id,omitempty"`
	Messages []Message `json:"messages"`
}

// MessageInfo is the economic view of one stored message.
type MessageInfo struct {
	Message    Message  `json:"message"`
	InputCost  *float64 `json:"input_cost,omitempty"`
	OutputCost *float64 `json:"output_cost,omitempty"`
	TotalCost  *float64 `json:"total_cost,omitempty"`
}

// Info computes the derived cost fields of m.
func (m Message) Info() MessageInfo {
	info := MessageInfo{Message: m}
	if v, ok := m.InputCost(); ok {
		info.InputCost = &v
	}
	if v, ok := m.OutputCost(); ok {
		info.OutputCost = &v
	}
	if v, ok := m.TotalCost(); ok {
		info.TotalCost = &v
	}
	return info
}

// ErrorEvent represents an error payload.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
