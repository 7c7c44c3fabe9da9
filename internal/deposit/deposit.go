// Package deposit estimates the prepayment required before a completion.
package deposit

import (
	"bytes"
	"encoding/json"
	"math"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

const (
	// CharsPerToken is the fixed character to token ratio.
	CharsPerToken = 4
	// DefaultFallback is charged when pricing is missing or unusable.
	DefaultFallback int64 = 5
	// DefaultMaxInputChars applies when a model does not state its input limit.
	DefaultMaxInputChars = 8000
)

// Estimate is the result of RequiredDeposit.
type Estimate struct {
	Units       int64
	InputTokens int64
	// Fallback is set when Units is the fallback constant; Warning says why.
	Fallback bool
	Warning  string
}

// Estimator computes worst-case deposits.
type Estimator struct {
	fallback int64
	logger   *logger.Logger
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithFallback overrides the fallback amount. Values below 1 are ignored.
func WithFallback(units int64) Option {
	return func(e *Estimator) {
		if units >= 1 {
			e.fallback = units
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Estimator) { e.logger = log }
}

// NewEstimator creates an estimator.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{fallback: DefaultFallback}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrNop(e.logger)
	return e
}

// wireMessage is the serialized form counted for input tokens.
type wireMessage struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// InputTokens estimates the prompt size of transcript plus an optional draft.
func InputTokens(transcript []model.Message, draft string) int64 {
	wire := make([]wireMessage, 0, len(transcript)+1)
	for _, m := range transcript {
		wire = append(wire, wireMessage{Role: m.Role, Content: m.Content})
	}
	if draft != "" {
		wire = append(wire, wireMessage{Role: model.RoleUser, Content: draft})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(wire)
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return int64(math.Ceil(float64(textLength(data)) / CharsPerToken))
}

// textLength counts UTF-16 code units, the unit string lengths are
// measured in by browser clients.
func textLength(data []byte) int {
	n := 0
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// CeilUnits rounds a cost up to whole units. Costs too large for int64,
// including infinity and NaN, saturate at math.MaxInt64 rather than
// wrapping.
func CeilUnits(cost float64) int64 {
	c := math.Ceil(cost)
	switch {
	case math.IsNaN(c) || c >= float64(math.MaxInt64):
		return math.MaxInt64
	case c <= 0:
		return 0
	default:
		return int64(c)
	}
}

// RequiredDeposit charges for the estimated input plus the maximum possible
// output. Both costs are summed before rounding up; the result is at
// least 1.
func (e *Estimator) RequiredDeposit(pricing *model.PricingInfo, transcript []model.Message, draft string) Estimate {
	tokens := InputTokens(transcript, draft)

	if warning := unusable(pricing); warning != "" {
		e.logger.Warn("deposit fallback",
			zap.String("reason", warning),
			zap.Int64("units", e.fallback),
		)
		metrics.RecordDeposit(e.fallback, true)
		return Estimate{Units: e.fallback, InputTokens: tokens, Fallback: true, Warning: warning}
	}

	inputCost := float64(tokens) / pricing.PromptTokensPerUnit
	outputCost := float64(pricing.MaxOutputTokens) / pricing.CompletionTokensPerUnit
	units := CeilUnits(inputCost + outputCost)
	if units == math.MaxInt64 {
		e.logger.Warn("deposit saturated",
			zap.Float64("prompt_tokens_per_unit", pricing.PromptTokensPerUnit),
			zap.Float64("completion_tokens_per_unit", pricing.CompletionTokensPerUnit),
			zap.Int64("max_output_tokens", pricing.MaxOutputTokens),
		)
	}
	if units < 1 {
		units = 1
	}

	metrics.RecordDeposit(units, false)
	return Estimate{Units: units, InputTokens: tokens}
}

func unusable(p *model.PricingInfo) string {
	switch {
	case p == nil:
		return "no pricing for model"
	case p.PromptTokensPerUnit <= 0 || math.IsNaN(p.PromptTokensPerUnit):
		return "prompt rate missing or zero"
	case p.CompletionTokensPerUnit <= 0 || math.IsNaN(p.CompletionTokensPerUnit):
		return "completion rate missing or zero"
	default:
		return ""
	}
}

// MaxInputChars is the longest draft accepted for a model.
func MaxInputChars(pricing *model.PricingInfo) int {
	if pricing == nil || pricing.MaxInputTokens <= 0 {
		return DefaultMaxInputChars
	}
	return int(pricing.MaxInputTokens) * CharsPerToken
}
