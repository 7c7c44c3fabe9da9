package service

import (
	"strings"

	"github.com/capitalize-ai/forkchat/internal/deposit"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/transcript"
)

// UpdateType names what changed in a session.
type UpdateType string

const (
	UpdateToken      UpdateType = "token"
	UpdateMessage    UpdateType = "message"
	UpdateTranscript UpdateType = "transcript"
	UpdateChat       UpdateType = "chat"
	UpdateError      UpdateType = "error"
)

// Update is pushed to watchers. Token updates carry streamed completion
// text that has not been persisted yet.
type Update struct {
	Type    UpdateType     `json:"type"`
	Token   string         `json:"token,omitempty"`
	Index   int            `json:"index,omitempty"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Watch registers a watcher. Updates are dropped when the buffer is full.
// The channel is closed when the session closes or cancel is called.
func (s *Session) Watch(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			close(c)
			delete(s.watchers, id)
		}
	}
}

func (s *Session) notifyLocked(u Update) {
	for _, ch := range s.watchers {
		select {
		case ch <- u:
		default:
		}
	}
}

func (s *Session) broadcast(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked(u)
}

// ChatID returns the chat id, assigned even before the container exists.
func (s *Session) ChatID() string { return s.chatID }

// Owner returns the identity the session acts as.
func (s *Session) Owner() string { return s.owner }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session accepts new actions.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked() == nil
}

// Chat returns the current chat container.
func (s *Session) Chat() (model.ChatThread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chat == nil {
		return model.ChatThread{ID: s.chatID, Owner: s.owner}, false
	}
	return *s.chat, true
}

// ActiveBranch returns the active branch id. "" is the root line.
func (s *Session) ActiveBranch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBranchLocked()
}

// Branches returns the branch containers seen so far.
func (s *Session) Branches() []model.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Branches()
}

// Transcript returns the active branch view including pending drafts.
func (s *Session) Transcript() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.activeBranchLocked())
}

// TranscriptFor returns the view of any branch. Unknown branches yield an
// empty transcript.
func (s *Session) TranscriptFor(branchID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(branchID)
}

// Stats reports unresolved references seen while building views.
func (s *Session) Stats() transcript.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Stats()
}

// MessageInfo returns a stored message with its derived costs.
func (s *Session) MessageInfo(id string) (model.MessageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.graph.Message(id)
	if !ok {
		return model.MessageInfo{}, ErrUnknownMessage
	}
	return m.Info(), nil
}

// ModelID returns the model used for the next send.
func (s *Session) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// SetModel selects the model for later sends.
func (s *Session) SetModel(modelID string) {
	if modelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID = modelID
}

// PresetTitle sets the title written with the chat container. It has no
// effect once the chat exists; use Rename then.
func (s *Session) PresetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = strings.TrimSpace(title)
}

// Estimate previews the deposit a send of draft would reserve now.
func (s *Session) Estimate(draft string) deposit.Estimate {
	s.mu.Lock()
	pricing := s.deps.lookup(s.modelID)
	prior := s.viewLocked(s.activeBranchLocked())
	s.mu.Unlock()
	return s.estimate(pricing, prior, draft)
}

func (s *Session) estimate(pricing *model.PricingInfo, prior []model.Message, draft string) deposit.Estimate {
	if pricing != nil && pricing.Free {
		return deposit.Estimate{InputTokens: deposit.InputTokens(prior, draft)}
	}
	return s.deps.Estimator.RequiredDeposit(pricing, prior, draft)
}
