package deposit

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/forkchat/internal/model"
)

func pricing() *model.PricingInfo {
	return &model.PricingInfo{
		ModelID:                 "m",
		PromptTokensPerUnit:     100,
		CompletionTokensPerUnit: 50,
		MaxOutputTokens:         1000,
	}
}

func TestInputTokensCountsSerializedForm(t *testing.T) {
	// [{"role":"user","content":"abcd"}] is 34 chars
	assert.Equal(t, int64(9), InputTokens(nil, "abcd"))
	assert.Equal(t, int64(1), InputTokens(nil, ""))
}

func TestRequiredDepositSumsBeforeRounding(t *testing.T) {
	e := NewEstimator()
	p := &model.PricingInfo{PromptTokensPerUnit: 18, CompletionTokensPerUnit: 4, MaxOutputTokens: 2}
	// 9 input tokens -> 0.5, 2 output tokens -> 0.5; rounding each would give 2
	got := e.RequiredDeposit(p, nil, "abcd")
	assert.Equal(t, int64(1), got.Units)
	assert.False(t, got.Fallback)
}

func TestRequiredDepositChargesMaxOutput(t *testing.T) {
	e := NewEstimator()
	got := e.RequiredDeposit(pricing(), nil, "abcd")
	// 9/100 + 1000/50 = 20.09
	assert.Equal(t, int64(21), got.Units)
	assert.Equal(t, int64(9), got.InputTokens)
}

func TestRequiredDepositMonotonic(t *testing.T) {
	e := NewEstimator()
	p := &model.PricingInfo{PromptTokensPerUnit: 3, CompletionTokensPerUnit: 1000, MaxOutputTokens: 1}

	var transcript []model.Message
	prev := int64(0)
	for i := 0; i < 40; i++ {
		transcript = append(transcript, model.Message{Role: model.RoleUser, Content: strings.Repeat("x", i)})
		got := e.RequiredDeposit(p, transcript, "draft")
		assert.GreaterOrEqual(t, got.Units, prev)
		assert.GreaterOrEqual(t, got.Units, int64(1))
		prev = got.Units
	}
}

func TestRequiredDepositAtLeastOne(t *testing.T) {
	e := NewEstimator()
	p := &model.PricingInfo{PromptTokensPerUnit: 1e9, CompletionTokensPerUnit: 1e9, MaxOutputTokens: 1}
	assert.Equal(t, int64(1), e.RequiredDeposit(p, nil, "").Units)
}

func TestRequiredDepositFallbacks(t *testing.T) {
	e := NewEstimator(WithFallback(7))

	got := e.RequiredDeposit(nil, nil, "hi")
	assert.True(t, got.Fallback)
	assert.Equal(t, int64(7), got.Units)
	assert.NotEmpty(t, got.Warning)

	zero := pricing()
	zero.CompletionTokensPerUnit = 0
	got = e.RequiredDeposit(zero, nil, "hi")
	assert.True(t, got.Fallback)
	assert.Equal(t, int64(7), got.Units)

	assert.Equal(t, DefaultFallback, NewEstimator(WithFallback(0)).RequiredDeposit(nil, nil, "").Units)
}

func TestMaxInputChars(t *testing.T) {
	assert.Equal(t, DefaultMaxInputChars, MaxInputChars(nil))
	p := pricing()
	p.MaxInputTokens = 1000
	assert.Equal(t, 4000, MaxInputChars(p))
}

func TestRequiredDepositSaturatesOnHugeCosts(t *testing.T) {
	e := NewEstimator()
	for _, p := range []*model.PricingInfo{
		{PromptTokensPerUnit: 1, CompletionTokensPerUnit: 1e-9, MaxOutputTokens: 1 << 40},
		{PromptTokensPerUnit: 1e-300, CompletionTokensPerUnit: 1e-300, MaxOutputTokens: 1000},
	} {
		got := e.RequiredDeposit(p, nil, "hello")
		assert.Equal(t, int64(math.MaxInt64), got.Units)
		assert.False(t, got.Fallback)
	}
}

func TestCeilUnits(t *testing.T) {
	assert.Equal(t, int64(2), CeilUnits(1.2))
	assert.Equal(t, int64(0), CeilUnits(-3))
	assert.Equal(t, int64(math.MaxInt64), CeilUnits(math.Inf(1)))
	assert.Equal(t, int64(math.MaxInt64), CeilUnits(math.NaN()))
	assert.Equal(t, int64(math.MaxInt64), CeilUnits(1e30))
}

func TestInputTokensCountsCharactersNotEscapes(t *testing.T) {
	// [{"role":"user","content":"<&>"}] is 33 chars; HTML escaping would
	// make it 48.
	assert.Equal(t, int64(9), InputTokens(nil, "<&>"))
	// Each é is one character but two bytes.
	assert.Equal(t, InputTokens(nil, "abcd"), InputTokens(nil, "éééé"))
}
