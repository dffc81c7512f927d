package billing

// UpstreamUsage is the usage block reported by the chat-completions upstream.
// Counts arrive as JSON numbers; pointers distinguish absent from zero where
// the inference strategy depends on presence.
type UpstreamUsage struct {
	PromptTokens     float64 `json:"prompt_tokens"`
	CompletionTokens float64 `json:"completion_tokens"`

	// Aggregate cost in the upstream's billing currency. Optional; its
	// presence is what enables the inferred cache-write strategy.
	Cost *float64 `json:"cost,omitempty"`

	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`

	// Detailed per-TTL cache-write breakdown, when the upstream supplies one.
	CacheCreation *CacheCreation `json:"cache_creation,omitempty"`

	// Simple scalar cache-write count, without a TTL split.
	CacheCreationInputTokens *float64 `json:"cache_creation_input_tokens,omitempty"`

	// Some upstreams surface reasoning at the top level rather than under
	// completion_tokens_details.
	ReasoningTokens float64 `json:"reasoning_tokens,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens float64 `json:"cached_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens float64 `json:"reasoning_tokens"`
}

// CacheCreation is the per-TTL cache-write split, in both the upstream report
// and the republished Anthropic usage object.
type CacheCreation struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
}

func (u UpstreamUsage) cachedTokens() float64 {
	if u.PromptTokensDetails == nil {
		return 0
	}

	return u.PromptTokensDetails.CachedTokens
}

func (u UpstreamUsage) reasoningTokens() float64 {
	if u.ReasoningTokens > 0 {
		return u.ReasoningTokens
	}

	if u.CompletionTokensDetails != nil {
		return u.CompletionTokensDetails.ReasoningTokens
	}

	return 0
}
