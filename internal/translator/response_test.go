package translator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-gate/internal/billing"
	"github.com/mihaisavezi/claude-gate/internal/cachecontrol"
	"github.com/mihaisavezi/claude-gate/internal/pricing"
)

type fixedRates struct {
	pricing pricing.Pricing
	found   bool
}

func (f fixedRates) Get(_ context.Context, _ string, _ time.Time) (pricing.Pricing, bool) {
	return f.pricing, f.found
}

func newResponseTranslator() *ResponseTranslator {
	rates := fixedRates{
		pricing: pricing.Pricing{Prompt: 1e-6, Completion: 2e-6},
		found:   true,
	}
	engine := billing.NewEngine(rates, testLogger())

	return NewResponseTranslator(engine, testLogger())
}

func translateResponse(t *testing.T, body string, meta Meta) (map[string]any, billing.Result) {
	t.Helper()

	wire, bill, err := newResponseTranslator().Translate(context.Background(), []byte(body), meta)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(wire, &decoded))

	return decoded, bill
}

func TestResponseTranslate_TextOnly(t *testing.T) {
	decoded, _ := translateResponse(t, `{
		"id": "gen-123",
		"model": "anthropic/claude-sonnet-4",
		"choices": [{
			"finish_reason": "stop",
			"message": {"role": "assistant", "content": "hello there"}
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4}
	}`, Meta{})

	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "assistant", decoded["role"])
	assert.Equal(t, "gen-123", decoded["id"])
	assert.Equal(t, "anthropic/claude-sonnet-4", decoded["model"])
	assert.Equal(t, "end_turn", decoded["stop_reason"])
	assert.Nil(t, decoded["stop_sequence"])

	content := decoded["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": "hello there"}, content[0])
}

func TestResponseTranslate_MissingIDGetsFallback(t *testing.T) {
	decoded, _ := translateResponse(t, `{"choices": []}`, Meta{Model: "m"})

	id, ok := decoded["id"].(string)
	require.True(t, ok)
	assert.Contains(t, id, "msg_")
}

func TestResponseTranslate_ContentAssemblyOrder(t *testing.T) {
	decoded, _ := translateResponse(t, `{
		"id": "gen-1",
		"model": "anthropic/claude-sonnet-4",
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"content": "final answer",
				"reasoning_details": [
					{"type": "reasoning.encrypted", "data": "secret=="},
					{"type": "reasoning.text", "text": "step one", "signature": "sig1"}
				],
				"annotations": [
					{"type": "url_citation", "url_citation": {"url": "https://a.example", "title": "A"}},
					{"type": "url_citation", "url_citation": {"url": "https://b.example", "title": "B"}}
				],
				"tool_calls": [
					{"id": "call_9", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
				]
			}
		}]
	}`, Meta{})

	content := decoded["content"].([]any)
	require.Len(t, content, 6)

	serverTool := content[0].(map[string]any)
	assert.Equal(t, "server_tool_use", serverTool["type"])
	assert.Equal(t, "web_search", serverTool["name"])

	searchResult := content[1].(map[string]any)
	assert.Equal(t, "web_search_tool_result", searchResult["type"])
	assert.Equal(t, serverTool["id"], searchResult["tool_use_id"])

	results := searchResult["content"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "https://a.example", results[0].(map[string]any)["url"])

	redacted := content[2].(map[string]any)
	assert.Equal(t, "redacted_thinking", redacted["type"])
	assert.Equal(t, "secret==", redacted["data"])

	thinking := content[3].(map[string]any)
	assert.Equal(t, "thinking", thinking["type"])
	assert.Equal(t, "step one", thinking["thinking"])
	assert.Equal(t, "sig1", thinking["signature"])

	text := content[4].(map[string]any)
	assert.Equal(t, "final answer", text["text"])

	toolUse := content[5].(map[string]any)
	assert.Equal(t, "tool_use", toolUse["type"])
	assert.Equal(t, "toolu_9", toolUse["id"])
	assert.Equal(t, "lookup", toolUse["name"])
	assert.Equal(t, map[string]any{"q": float64(1)}, toolUse["input"])

	assert.Equal(t, "tool_use", decoded["stop_reason"])
}

func TestResponseTranslate_PlainReasoningStringBecomesThinking(t *testing.T) {
	decoded, _ := translateResponse(t, `{
		"id": "gen-1",
		"choices": [{
			"finish_reason": "stop",
			"message": {"content": "ok", "reasoning": "hmm"}
		}]
	}`, Meta{Model: "m"})

	content := decoded["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, map[string]any{"type": "thinking", "thinking": "hmm"}, content[0])
}

func TestResponseTranslate_BadToolArgumentsYieldEmptyInput(t *testing.T) {
	decoded, _ := translateResponse(t, `{
		"id": "gen-1",
		"choices": [{
			"finish_reason": "tool_calls",
			"message": {
				"content": "",
				"tool_calls": [
					{"id": "call_x", "type": "function", "function": {"name": "f", "arguments": "{broken"}}
				]
			}
		}]
	}`, Meta{Model: "m"})

	content := decoded["content"].([]any)
	require.Len(t, content, 1)

	toolUse := content[0].(map[string]any)
	assert.Equal(t, "toolu_x", toolUse["id"])
	assert.Equal(t, map[string]any{}, toolUse["input"])
}

func TestResponseTranslate_EmptyContentGetsPlaceholderText(t *testing.T) {
	decoded, _ := translateResponse(t, `{
		"id": "gen-1",
		"choices": [{"finish_reason": "stop", "message": {"content": ""}}]
	}`, Meta{Model: "m"})

	content := decoded["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": ""}, content[0])
}

func TestResponseTranslate_UsageCarriesInferredCacheWrite(t *testing.T) {
	meta := Meta{
		Model:        "anthropic/claude-sonnet-4",
		CacheControl: cachecontrol.Metadata{TTLMode: cachecontrol.TTL5m},
	}

	decoded, bill := translateResponse(t, `{
		"id": "gen-1",
		"model": "anthropic/claude-sonnet-4",
		"choices": [{"finish_reason": "stop", "message": {"content": "hi"}}],
		"usage": {
			"prompt_tokens": 1000,
			"completion_tokens": 400,
			"cost": 0.001745,
			"prompt_tokens_details": {"cached_tokens": 200}
		}
	}`, meta)

	assert.Equal(t, billing.SourceInferred, bill.Source)

	usage := decoded["usage"].(map[string]any)
	assert.Equal(t, float64(800), usage["input_tokens"])
	assert.Equal(t, float64(400), usage["output_tokens"])
	assert.Equal(t, float64(200), usage["cache_read_input_tokens"])
	assert.Equal(t, float64(100), usage["cache_creation_input_tokens"])

	split := usage["cache_creation"].(map[string]any)
	assert.Equal(t, float64(100), split["ephemeral_5m_input_tokens"])
}

func TestResponseTranslate_InvalidJSONErrors(t *testing.T) {
	_, _, err := newResponseTranslator().Translate(context.Background(), []byte("not json"), Meta{})
	require.Error(t, err)
}

func TestResponseTranslate_ModelFallsBackToMeta(t *testing.T) {
	decoded, _ := translateResponse(t, `{"id": "gen-1", "choices": []}`, Meta{Model: "anthropic/claude-opus-4"})
	assert.Equal(t, "anthropic/claude-opus-4", decoded["model"])
}
