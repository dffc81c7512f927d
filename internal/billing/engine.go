// Package billing reconciles the coarse usage report of the chat-completions
// upstream with the fine-grained token and cost breakdown the Anthropic
// protocol expects. The upstream reports an aggregate monetary cost; the
// missing cache-write figure is reconstructed from that cost when no explicit
// count is supplied.
package billing

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mihaisavezi/claude-gate/internal/cachecontrol"
	"github.com/mihaisavezi/claude-gate/internal/pricing"
)

// Source identifies which cache-write inference strategy produced a result.
type Source string

const (
	SourceUpstreamDetailed Source = "upstream_detailed"
	SourceUpstreamSimple   Source = "upstream_simple"
	SourceInferred         Source = "inferred"
	SourceUnavailable      Source = "unavailable"
)

// Diagnostic notes recorded in Result.Notes. Never user-visible; kept stable
// so billing behavior is auditable.
const (
	NoteNegativeResidualClamped = "negative_residual_clamped"
	NoteMixedTTLAmbiguous       = "mixed_ttl_ambiguous"
	NoteMissingActualCost       = "missing_actual_cost"
	NoteMissingPricing          = "missing_pricing"
	NoteMissingWriteRate        = "missing_write_rate"
	NoteWriteTokensClamped      = "write_tokens_clamped"
)

// Multipliers applied to the base prompt rate when the catalog does not carry
// an explicit cache rate. The mixed-TTL case deliberately uses the cheaper 5m
// multiplier as a conservative default.
const (
	cacheReadMultiplier    = 0.1
	cacheWrite5mMultiplier = 1.25
	cacheWrite1hMultiplier = 2.0
)

const currencyPrecision = 1e6 // round monetary legs to 1e-6

type TokenBreakdown struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
	Reasoning  int `json:"reasoning,omitempty"`
}

type CostBreakdown struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
	Total      float64 `json:"total"`
	Actual     float64 `json:"actual,omitempty"`
	Residual   float64 `json:"residual"`
}

// WireUsage is the Anthropic usage object published on the translated
// response. It is exactly what goes on the wire; everything richer stays on
// Result as an internal sidecar.
type WireUsage struct {
	InputTokens              int            `json:"input_tokens"`
	OutputTokens             int            `json:"output_tokens"`
	CacheReadInputTokens     int            `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int            `json:"cache_creation_input_tokens"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
}

// Result is the engine output: the wire usage object plus the internal token
// and cost breakdown, inference provenance, and an auditable debug payload.
type Result struct {
	Usage         WireUsage
	Tokens        TokenBreakdown
	Costs         CostBreakdown
	CacheCreation *CacheCreation // republished TTL split; nil when the split is unknown
	Source        Source
	Notes         []string
	Debug         map[string]any
}

// RateSource is the pricing dependency of the engine.
type RateSource interface {
	Get(ctx context.Context, modelID string, now time.Time) (pricing.Pricing, bool)
}

type Engine struct {
	rates  RateSource
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(rates RateSource, logger *slog.Logger) *Engine {
	return &Engine{
		rates:  rates,
		logger: logger,
		now:    time.Now,
	}
}

// Infer maps an upstream usage block to the full billing result. Pure except
// for a possible pricing-cache refresh; never fails, degrading instead to the
// unavailable strategy with zeroed cache-write figures.
func (e *Engine) Infer(ctx context.Context, usage UpstreamUsage, model string, meta cachecontrol.Metadata) Result {
	promptTokens := clampTokens(usage.PromptTokens)
	cacheRead := clampTokens(usage.cachedTokens())

	tokens := TokenBreakdown{
		Input:     clampTokens(usage.PromptTokens - float64(cacheRead)),
		Output:    clampTokens(usage.CompletionTokens),
		CacheRead: cacheRead,
		Reasoning: clampTokens(usage.reasoningTokens()),
	}

	rates, haveRates := e.rates.Get(ctx, model, e.now())

	result := Result{
		Source: SourceUnavailable,
		Debug: map[string]any{
			"model":    model,
			"ttl_mode": string(meta.TTLMode),
		},
	}

	switch {
	case usage.CacheCreation != nil:
		// Strategy 1: trust the upstream TTL split verbatim.
		five := clampTokens(float64(usage.CacheCreation.Ephemeral5mInputTokens))
		oneHour := clampTokens(float64(usage.CacheCreation.Ephemeral1hInputTokens))

		result.Source = SourceUpstreamDetailed
		result.CacheCreation = &CacheCreation{
			Ephemeral5mInputTokens: five,
			Ephemeral1hInputTokens: oneHour,
		}
		tokens.CacheWrite = five + oneHour

	case usage.CacheCreationInputTokens != nil:
		// Strategy 2: scalar count, TTL split unknown so no breakdown is
		// republished.
		write := clampTokens(*usage.CacheCreationInputTokens)
		if write > promptTokens {
			write = promptTokens

			result.Notes = append(result.Notes, NoteWriteTokensClamped)
		}

		result.Source = SourceUpstreamSimple
		tokens.CacheWrite = write

	case usage.Cost == nil:
		result.Notes = append(result.Notes, NoteMissingActualCost)

	case !haveRates:
		result.Notes = append(result.Notes, NoteMissingPricing)

	case !rates.KnownPrompt():
		result.Notes = append(result.Notes, NoteMissingWriteRate)

	default:
		// Strategy 3: attribute the residual of the reported cost to
		// cache-write activity at the TTL-derived premium rate.
		tokens.CacheWrite = e.inferWriteTokens(usage, tokens, promptTokens, rates, meta, &result)
		result.Source = SourceInferred
	}

	result.Tokens = tokens
	result.Costs = e.costBreakdown(usage, tokens, rates, meta, &result)

	result.Usage = WireUsage{
		InputTokens:              tokens.Input,
		OutputTokens:             tokens.Output,
		CacheReadInputTokens:     tokens.CacheRead,
		CacheCreationInputTokens: tokens.CacheWrite,
		CacheCreation:            result.CacheCreation,
	}

	result.Debug["source"] = string(result.Source)
	result.Debug["tokens"] = tokens

	return result
}

func (e *Engine) inferWriteTokens(usage UpstreamUsage, tokens TokenBreakdown, promptTokens int, rates pricing.Pricing, meta cachecontrol.Metadata, result *Result) int {
	readRate := rates.Prompt * cacheReadMultiplier

	knownCost := float64(tokens.Input)*rates.Prompt +
		float64(tokens.Output)*rates.Completion +
		float64(tokens.CacheRead)*readRate

	residual := *usage.Cost - knownCost
	result.Debug["known_cost"] = knownCost
	result.Debug["raw_residual"] = residual

	if residual < 0 {
		residual = 0

		result.Notes = append(result.Notes, NoteNegativeResidualClamped)
	}

	writeRate := rates.Prompt * cacheWrite5mMultiplier

	switch meta.TTLMode {
	case cachecontrol.TTL1h:
		writeRate = rates.Prompt * cacheWrite1hMultiplier
	case cachecontrol.TTLMixed:
		// Cheaper tier as the conservative default; under-estimates when the
		// true mix skews toward 1h writes.
		result.Notes = append(result.Notes, NoteMixedTTLAmbiguous)
	}

	result.Debug["write_rate"] = writeRate

	write := clampTokens(math.Round(residual / writeRate))
	if write > promptTokens {
		write = promptTokens

		result.Notes = append(result.Notes, NoteWriteTokensClamped)
	}

	// The TTL split is only publishable when the whole write belongs to one
	// pure tier.
	switch meta.TTLMode {
	case cachecontrol.TTL5m:
		result.CacheCreation = &CacheCreation{Ephemeral5mInputTokens: write}
	case cachecontrol.TTL1h:
		result.CacheCreation = &CacheCreation{Ephemeral1hInputTokens: write}
	}

	return write
}

// costBreakdown prices each token leg, anchoring the total to the upstream's
// reported cost when present so leg rounding never contradicts it.
func (e *Engine) costBreakdown(usage UpstreamUsage, tokens TokenBreakdown, rates pricing.Pricing, meta cachecontrol.Metadata, result *Result) CostBreakdown {
	readRate := rates.CacheRead
	if readRate <= 0 {
		readRate = rates.Prompt * cacheReadMultiplier
	}

	writeRate := rates.CacheWrite
	if writeRate <= 0 || result.Source == SourceInferred {
		// Inferred write tokens were derived at the TTL rate; price them at
		// the same rate so the leg reproduces the attributed residual.
		writeRate = rates.Prompt * cacheWrite5mMultiplier
		if meta.TTLMode == cachecontrol.TTL1h {
			writeRate = rates.Prompt * cacheWrite1hMultiplier
		}
	}

	costs := CostBreakdown{
		Input:      roundCurrency(float64(tokens.Input) * positiveRate(rates.Prompt)),
		Output:     roundCurrency(float64(tokens.Output) * positiveRate(rates.Completion)),
		CacheRead:  roundCurrency(float64(tokens.CacheRead) * positiveRate(readRate)),
		CacheWrite: roundCurrency(float64(tokens.CacheWrite) * positiveRate(writeRate)),
	}

	legSum := costs.Input + costs.Output + costs.CacheRead + costs.CacheWrite

	if usage.Cost != nil {
		costs.Actual = *usage.Cost
		costs.Total = *usage.Cost
		costs.Residual = roundCurrency(*usage.Cost - legSum)
	} else {
		costs.Total = roundCurrency(legSum)
	}

	return costs
}

func positiveRate(rate float64) float64 {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0
	}

	return rate
}

// clampTokens rounds to an integer and clamps negatives and non-finite
// values to zero. Invalid counts must never reach the client.
func clampTokens(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}

	return int(math.Round(v))
}

func roundCurrency(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return math.Round(v*currencyPrecision) / currencyPrecision
}
