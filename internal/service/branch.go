package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/tracing"
)

// Fork starts a new branch from the active one at forkPointMessageID and
// makes it active. The fork point must be a stored message visible on the
// active branch.
func (s *Session) Fork(ctx context.Context, forkPointMessageID string) (model.Branch, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, span := tracing.Start(ctx, "session.fork",
		attribute.String("chat_id", s.chatID),
		attribute.String("fork_point", forkPointMessageID),
	)
	defer span.End()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return model.Branch{}, err
	}
	if s.chat == nil {
		s.mu.Unlock()
		return model.Branch{}, ErrNoChat
	}
	parent := s.activeBranchLocked()
	if !s.visibleLocked(parent, forkPointMessageID) {
		s.mu.Unlock()
		return model.Branch{}, fmt.Errorf("%w: %s", ErrUnknownMessage, forkPointMessageID)
	}
	branch := model.Branch{
		ID:                 s.deps.NewID(),
		ChatID:             s.chatID,
		ParentBranchID:     parent,
		ForkPointMessageID: forkPointMessageID,
		CreatedAt:          s.stampLocked(),
	}
	chat := s.chat.WithBranch(branch.ID)
	chat.ActiveBranchID = branch.ID
	chatAt := s.stampLocked()
	s.mu.Unlock()

	if _, err := s.emit(ctx, branch, branch.CreatedAt); err != nil {
		return model.Branch{}, fmt.Errorf("emit branch: %w", err)
	}
	if _, err := s.emit(ctx, chat, chatAt); err != nil {
		return model.Branch{}, fmt.Errorf("emit chat container: %w", err)
	}
	s.log.Info("Forked branch",
		zap.String("branch_id", branch.ID),
		zap.String("parent_branch_id", parent),
	)
	return branch, nil
}

func (s *Session) visibleLocked(branchID, messageID string) bool {
	if _, ok := s.graph.Message(messageID); !ok {
		return false
	}
	for _, m := range s.viewLocked(branchID) {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

// SwitchBranch makes branchID the active branch. "" selects the root line.
func (s *Session) SwitchBranch(ctx context.Context, branchID string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.chat == nil {
		s.mu.Unlock()
		return ErrNoChat
	}
	if branchID != "" {
		if _, ok := s.graph.Branch(branchID); !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
		}
	}
	if s.chat.ActiveBranchID == branchID {
		s.mu.Unlock()
		return nil
	}
	chat := s.chat.WithBranch(branchID)
	chat.ActiveBranchID = branchID
	at := s.stampLocked()
	s.mu.Unlock()

	if _, err := s.emit(ctx, chat, at); err != nil {
		return fmt.Errorf("emit chat container: %w", err)
	}
	return nil
}

// Rename replaces the chat title.
func (s *Session) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyInput
	}
	return s.updateChat(ctx, func(c *model.ChatThread) { c.Title = title })
}

// Delete marks the chat deleted. The session is closed afterwards.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.updateChat(ctx, func(c *model.ChatThread) { c.Deleted = true }); err != nil {
		return err
	}
	s.Close()
	return nil
}

func (s *Session) updateChat(ctx context.Context, mutate func(*model.ChatThread)) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.chat == nil {
		s.mu.Unlock()
		return ErrNoChat
	}
	chat := *s.chat
	mutate(&chat)
	at := s.stampLocked()
	s.mu.Unlock()

	if _, err := s.emit(ctx, chat, at); err != nil {
		return fmt.Errorf("emit chat container: %w", err)
	}
	return nil
}
