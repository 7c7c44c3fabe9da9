package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/deposit"
	"github.com/capitalize-ai/forkchat/internal/llm"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/payment"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
	"github.com/capitalize-ai/forkchat/pkg/tracing"
)

const titleRunes = 50

// SendResult is the persisted user message and the deposit reserved for
// its reply.
type SendResult struct {
	Message model.Message
	Deposit deposit.Estimate
}

// Completion is an assistant reply ready to be persisted.
type Completion struct {
	Content  string
	BranchID string
	// PrevMessageID links the reply to the turn it answers. Empty means
	// the last message of BranchID.
	PrevMessageID    string
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
	FinishReason     string
	Deposit          int64
	ChangeToken      string
}

// Send appends a user turn. The message shows up in the transcript
// immediately, then the deposit is reserved. On a reservation failure the
// draft is removed and a *PaymentReservationError is returned. A configured
// backend produces the reply in the background. An opened chat fails with
// ErrNotReady while its history is still replaying, and with ErrNoChat when
// the replayed history holds no container.
func (s *Session) Send(ctx context.Context, content string) (*SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, span := tracing.Start(ctx, "session.send", attribute.String("chat_id", s.chatID))
	defer span.End()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	isNew := s.state == StateNew
	if !isNew && s.chat == nil {
		s.mu.Unlock()
		return nil, ErrNoChat
	}
	modelID := s.modelID
	pricing := s.deps.lookup(modelID)
	if limit := deposit.MaxInputChars(pricing); utf8.RuneCountInString(content) > limit {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d characters allowed", ErrInputTooLong, limit)
	}
	branchID := s.activeBranchLocked()
	prior := s.viewLocked(branchID)
	draft := model.Message{
		ID:        s.deps.NewID(),
		ChatID:    s.chatID,
		BranchID:  branchID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: s.stampLocked(),
		Author:    s.owner,
	}
	if n := len(prior); n > 0 {
		draft.PrevMessageID = prior[n-1].ID
	}
	s.pending = append(s.pending, draft)
	s.viewValid = false
	s.notifyLocked(Update{Type: UpdateTranscript})
	s.mu.Unlock()

	est := s.estimate(pricing, prior, content)
	span.SetAttributes(attribute.Int64("deposit", est.Units), attribute.Bool("deposit_fallback", est.Fallback))

	token, err := s.deps.Payment.Reserve(ctx, est.Units)
	if err != nil {
		s.dropPending(draft.ID)
		span.SetStatus(codes.Error, "reservation failed")
		s.log.Info("Deposit reservation failed", zap.Int64("amount", est.Units), zap.Error(err))
		return nil, &PaymentReservationError{Amount: est.Units, Err: err}
	}

	if isNew {
		if err := s.createChat(ctx, content, draft.CreatedAt); err != nil {
			s.dropPending(draft.ID)
			s.refund(ctx, token)
			return nil, err
		}
	}
	if _, err := s.emit(ctx, draft, draft.CreatedAt); err != nil {
		s.dropPending(draft.ID)
		s.refund(ctx, token)
		span.RecordError(err)
		return nil, fmt.Errorf("emit user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	if s.deps.Backend != nil {
		turn := llm.Turn{
			ModelID:      modelID,
			Transcript:   append(prior, draft),
			Pricing:      pricing,
			DepositToken: token,
		}
		s.complete(ctx, turn, draft, est.Units)
	}

	return &SendResult{Message: draft, Deposit: est}, nil
}

// createChat writes the chat container for a session in StateNew and
// attaches the live feed when one is configured.
func (s *Session) createChat(ctx context.Context, firstInput string, at time.Time) error {
	s.mu.Lock()
	title := s.title
	s.mu.Unlock()
	if title == "" {
		title = titleFrom(firstInput)
	}
	chat := model.ChatThread{
		ID:        s.chatID,
		Title:     title,
		Owner:     s.owner,
		CreatedAt: at,
	}
	if _, err := s.emit(ctx, chat, at); err != nil {
		return fmt.Errorf("emit chat container: %w", err)
	}
	s.log.Info("Chat created", zap.String("title", chat.Title))

	if s.deps.Feed != nil {
		if err := s.Subscribe(ctx); err != nil {
			s.log.Warn("Live feed unavailable for new chat", zap.Error(err))
		}
	}
	return nil
}

// complete runs the backend for one user turn. It outlives the request
// that triggered it but not the completion timeout.
func (s *Session) complete(ctx context.Context, turn llm.Turn, user model.Message, units int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.CompletionTimeout)
	s.inflight.Add(1)

	go func() {
		defer s.inflight.Done()
		defer cancel()

		res, err := s.deps.Backend.Complete(ctx, turn, func(token string, index int) error {
			s.broadcast(Update{Type: UpdateToken, Token: token, Index: index})
			return nil
		})
		if err != nil {
			s.log.Error("Completion failed", zap.String("model", turn.ModelID), zap.Error(err))
			s.broadcast(Update{Type: UpdateError, Error: err.Error()})
			s.refund(ctx, turn.DepositToken)
			return
		}

		modelID := res.Usage.Model
		if modelID == "" {
			modelID = turn.ModelID
		}
		_, err = s.Receive(ctx, Completion{
			Content:          res.Content,
			BranchID:         user.BranchID,
			PrevMessageID:    user.ID,
			ModelID:          modelID,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			FinishReason:     res.Usage.FinishReason,
			Deposit:          units,
			ChangeToken:      res.ChangeToken,
		})
		if err != nil {
			s.log.Warn("Dropping completion", zap.Error(err))
			if errors.Is(err, ErrEmptyInput) {
				s.refund(ctx, res.ChangeToken)
			}
			s.broadcast(Update{Type: UpdateError, Error: err.Error()})
		}
	}()
}

// Receive persists an assistant reply. Change left over from the deposit is
// redeemed and recorded on the message; a failed redemption is logged and
// the reply is still written.
func (s *Session) Receive(ctx context.Context, c Completion) (*model.Message, error) {
	if strings.TrimSpace(c.Content) == "" {
		return nil, ErrEmptyInput
	}

	ctx, span := tracing.Start(ctx, "session.receive", attribute.String("chat_id", s.chatID))
	defer span.End()

	s.mu.Lock()
	if c.ModelID == "" {
		c.ModelID = s.modelID
	}
	pricing := s.deps.lookup(c.ModelID)
	prev := c.PrevMessageID
	if prev == "" {
		if view := s.viewLocked(c.BranchID); len(view) > 0 {
			prev = view[len(view)-1].ID
		}
	}
	at := s.stampLocked()
	s.mu.Unlock()

	msg := model.Message{
		ID:               s.deps.NewID(),
		ChatID:           s.chatID,
		BranchID:         c.BranchID,
		PrevMessageID:    prev,
		Role:             model.RoleAssistant,
		Content:          c.Content,
		CreatedAt:        at,
		Author:           s.owner,
		ModelID:          c.ModelID,
		PromptTokens:     &c.PromptTokens,
		CompletionTokens: &c.CompletionTokens,
		FinishReason:     c.FinishReason,
		DepositAmount:    &c.Deposit,
	}
	if pricing != nil && !pricing.Free {
		if pricing.PromptTokensPerUnit > 0 {
			rate := pricing.PromptTokensPerUnit
			msg.PromptTokensPerUnit = &rate
		}
		if pricing.CompletionTokensPerUnit > 0 {
			rate := pricing.CompletionTokensPerUnit
			msg.CompletionTokensPerUnit = &rate
		}
	}

	if c.ChangeToken != "" {
		amount, err := s.deps.Payment.Redeem(ctx, c.ChangeToken)
		if err != nil {
			s.log.Warn("Failed to redeem change", zap.Error(err))
		} else {
			msg.ChangeAmount = &amount
		}
	}

	if _, err := s.emit(ctx, msg, at); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("emit assistant message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	return &msg, nil
}

// refund returns an unspent token to the balance.
func (s *Session) refund(ctx context.Context, token string) {
	if token == "" || token == payment.FreeToken {
		return
	}
	amount, err := s.deps.Payment.Redeem(ctx, token)
	if err != nil {
		s.log.Warn("Refund failed", zap.Error(err))
		return
	}
	s.log.Debug("Refunded deposit", zap.Int64("amount", amount))
}

func titleFrom(input string) string {
	input = strings.TrimSpace(input)
	if utf8.RuneCountInString(input) <= titleRunes {
		return input
	}
	return string([]rune(input)[:titleRunes])
}
