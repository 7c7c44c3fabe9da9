package llm

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/deposit"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

// Settler spends a prepaid token against the realized cost and returns
// change.
type Settler interface {
	Settle(ctx context.Context, token string, cost int64) (change string, amount int64, err error)
}

// Turn is one completion job.
type Turn struct {
	ModelID      string
	Transcript   []model.Message
	Pricing      *model.PricingInfo
	DepositToken string
}

// Usage is the realized accounting of a completion.
type Usage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	FinishReason     string
}

// Result is a finished completion with its usage and any refund.
type Result struct {
	Content     string
	Usage       Usage
	ChangeToken string
	Change      int64
}

// Backend runs completions against a provider client and settles the
// deposit afterwards.
type Backend struct {
	client  Client
	settler Settler
	logger  *logger.Logger
}

// NewBackend creates a backend. settler may be nil, in which case deposits
// are kept whole.
func NewBackend(client Client, settler Settler, log *logger.Logger) *Backend {
	return &Backend{client: client, settler: settler, logger: logger.OrNop(log)}
}

// Complete streams one assistant turn.
func (b *Backend) Complete(ctx context.Context, turn Turn, onToken StreamCallback) (*Result, error) {
	req := &CompletionRequest{
		Model:    turn.ModelID,
		Messages: FromTranscript(turn.Transcript),
		Stream:   true,
	}
	if turn.Pricing != nil && turn.Pricing.MaxOutputTokens > 0 {
		req.MaxTokens = int(turn.Pricing.MaxOutputTokens)
	}
	if onToken == nil {
		onToken = func(string, int) error { return nil }
	}

	start := time.Now()
	resp, err := b.client.CompleteStream(ctx, req, onToken)
	if err != nil {
		metrics.RecordLLMStream(turn.ModelID, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}
	metrics.RecordLLMStream(turn.ModelID, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)

	result := &Result{
		Content: resp.Content,
		Usage: Usage{
			Model:            resp.Model,
			PromptTokens:     int64(resp.TokensIn),
			CompletionTokens: int64(resp.TokensOut),
			FinishReason:     resp.StopReason,
		},
	}

	if b.settler != nil && turn.DepositToken != "" {
		cost, ok := RealizedCost(turn.Pricing, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		if !ok {
			cost = math.MaxInt64
		}
		change, amount, err := b.settler.Settle(ctx, turn.DepositToken, cost)
		if err != nil {
			b.logger.Warn("deposit settlement failed", zap.String("model", turn.ModelID), zap.Error(err))
		} else {
			result.ChangeToken = change
			result.Change = amount
		}
	}
	return result, nil
}

// RealizedCost prices actual usage, rounded up. It is undefined without
// positive rates; free models cost nothing.
func RealizedCost(p *model.PricingInfo, promptTokens, completionTokens int64) (int64, bool) {
	if p == nil {
		return 0, false
	}
	if p.Free {
		return 0, true
	}
	if p.PromptTokensPerUnit <= 0 || p.CompletionTokensPerUnit <= 0 {
		return 0, false
	}
	cost := float64(promptTokens)/p.PromptTokensPerUnit + float64(completionTokens)/p.CompletionTokensPerUnit
	return deposit.CeilUnits(cost), true
}
