package model

// PricingInfo is the per-model price sheet used for deposits.
type PricingInfo struct {
	ModelID                 string  `json:"id"`
	Name                    string  `json:"name,omitempty"`
	PromptTokensPerUnit     float64 `json:"prompt_tokens_per_unit"`
	CompletionTokensPerUnit float64 `json:"completion_tokens_per_unit"`
	MaxOutputTokens         int64   `json:"max_output_tokens"`
	MaxInputTokens          int64   `json:"max_input_tokens,omitempty"`
	Free                    bool    `json:"free,omitempty"`
}
