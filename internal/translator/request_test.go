package translator

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-gate/internal/cachecontrol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func translate(t *testing.T, body string) (map[string]any, Meta) {
	t.Helper()

	out, meta, err := NewRequestTranslator(testLogger()).Translate([]byte(body))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))

	return decoded, meta
}

func messagesOf(t *testing.T, decoded map[string]any) []any {
	t.Helper()

	messages, ok := decoded["messages"].([]any)
	require.True(t, ok)

	return messages
}

func TestTranslate_InvalidJSONIsClientError(t *testing.T) {
	_, _, err := NewRequestTranslator(testLogger()).Translate([]byte("{nope"))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, 400, clientErr.StatusCode())
}

func TestTranslate_ModelKeywordMapping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude-3-5-haiku-20241022", "anthropic/claude-3.5-haiku"},
		{"claude-sonnet-4-20250514", "anthropic/claude-sonnet-4"},
		{"claude-opus-4-20250514", "anthropic/claude-opus-4"},
		{"openai/gpt-4o", "openai/gpt-4o"},
		{"mystery-model", "mystery-model"},
	}

	for _, tt := range tests {
		decoded, meta := translate(t, `{"model": "`+tt.in+`", "messages": []}`)
		assert.Equal(t, tt.want, decoded["model"], tt.in)
		assert.Equal(t, tt.want, meta.Model, tt.in)
	}
}

func TestTranslate_RequestsCostBearingUsage(t *testing.T) {
	decoded, _ := translate(t, `{"model": "claude-sonnet-4", "messages": []}`)

	usage, ok := decoded["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, usage["include"])
}

func TestTranslate_SystemStringBecomesLeadingMessage(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"system": "Be brief.",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "Be brief.", first["content"])
}

func TestTranslate_SystemArrayKeepsBlockForm(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"system": [
			{"type": "text", "text": "one"},
			{"type": "text", "text": "two"}
		],
		"messages": []
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 2)

	second := messages[1].(map[string]any)
	blocks, ok := second["content"].([]any)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, "two", blocks[0].(map[string]any)["text"])
}

func TestTranslate_AssistantBlocksFlatten(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "let me see", "signature": "sig123"},
				{"type": "redacted_thinking", "data": "opaque=="},
				{"type": "text", "text": "the answer"},
				{"type": "tool_use", "id": "toolu_01", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_01", "content": "found it"}
			]}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 2)

	assistant := messages[0].(map[string]any)
	assert.Equal(t, "the answer", assistant["content"])

	details, ok := assistant["reasoning_details"].([]any)
	require.True(t, ok)
	require.Len(t, details, 2)
	assert.Equal(t, map[string]any{"type": "reasoning.text", "text": "let me see", "signature": "sig123"}, details[0])
	assert.Equal(t, map[string]any{"type": "reasoning.encrypted", "data": "opaque=="}, details[1])

	toolCalls, ok := assistant["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, toolCalls, 1)

	call := toolCalls[0].(map[string]any)
	assert.Equal(t, "call_01", call["id"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])
	assert.JSONEq(t, `{"q": "x"}`, fn["arguments"].(string))

	toolMsg := messages[1].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_01", toolMsg["tool_call_id"])
	assert.Equal(t, "found it", toolMsg["content"])
}

func TestTranslate_ToolResultBlockArrayConcatenatesText(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_a", "name": "f", "input": {}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_a", "content": [
					{"type": "text", "text": "part one "},
					{"type": "text", "text": "part two"}
				]}
			]}
		]
	}`)

	messages := messagesOf(t, decoded)
	toolMsg := messages[1].(map[string]any)
	assert.Equal(t, "part one part two", toolMsg["content"])
}

func TestTranslate_ImageSources(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
		wantURL string
	}{
		{
			name:    "url",
			source:  `{"type": "url", "url": "https://example.com/cat.png"}`,
			wantURL: "https://example.com/cat.png",
		},
		{
			name:    "base64",
			source:  `{"type": "base64", "media_type": "image/png", "data": "aGk="}`,
			wantURL: "data:image/png;base64,aGk=",
		},
		{
			name:    "base64 bad media type",
			source:  `{"type": "base64", "media_type": "image/tiff", "data": "aGk="}`,
			wantErr: "unsupported image media type",
		},
		{
			name:    "base64 empty data",
			source:  `{"type": "base64", "media_type": "image/png", "data": ""}`,
			wantErr: "non-empty data",
		},
		{
			name:    "empty url",
			source:  `{"type": "url", "url": ""}`,
			wantErr: "non-empty url",
		},
		{
			name:    "file",
			source:  `{"type": "file", "file_id": "f_123"}`,
			wantErr: "file-backed",
		},
		{
			name:    "unknown kind",
			source:  `{"type": "carrier-pigeon"}`,
			wantErr: "unsupported image source type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{
				"model": "gpt-4o",
				"messages": [{"role": "user", "content": [
					{"type": "image", "source": ` + tt.source + `}
				]}]
			}`

			out, _, err := NewRequestTranslator(testLogger()).Translate([]byte(body))

			if tt.wantErr != "" {
				var clientErr *ClientError
				require.ErrorAs(t, err, &clientErr)
				assert.Contains(t, clientErr.Message, tt.wantErr)
				return
			}

			require.NoError(t, err)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(out, &decoded))

			messages := messagesOf(t, decoded)
			require.Len(t, messages, 1)

			parts := messages[0].(map[string]any)["content"].([]any)
			img := parts[0].(map[string]any)
			assert.Equal(t, "image_url", img["type"])
			assert.Equal(t, tt.wantURL, img["image_url"].(map[string]any)["url"])
		})
	}
}

func TestTranslate_ToolDefinitions(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [],
		"tools": [
			{"name": "search", "description": "find things", "input_schema": {"type": "object"}},
			{"description": "nameless is dropped"}
		]
	}`)

	tools, ok := decoded["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)

	tool := tools[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])

	fn := tool["function"].(map[string]any)
	assert.Equal(t, "search", fn["name"])
	assert.Equal(t, "find things", fn["description"])
	assert.Equal(t, map[string]any{"type": "object"}, fn["parameters"])
}

func TestTranslate_ThinkingEffortTiers(t *testing.T) {
	tests := []struct {
		budget int
		effort string
	}{
		{1000, "low"},
		{8000, "medium"},
		{30000, "high"},
	}

	for _, tt := range tests {
		decoded, _ := translate(t, `{
			"model": "gpt-4o",
			"messages": [],
			"thinking": {"type": "enabled", "budget_tokens": `+jsonInt(tt.budget)+`}
		}`)

		reasoning := decoded["reasoning"].(map[string]any)
		assert.Equal(t, tt.effort, reasoning["effort"])
	}
}

func TestTranslate_ThinkingBudgetForAnthropicTarget(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "claude-sonnet-4",
		"max_tokens": 2000,
		"messages": [],
		"thinking": {"type": "enabled", "budget_tokens": 8000}
	}`)

	reasoning := decoded["reasoning"].(map[string]any)
	assert.Equal(t, float64(8000), reasoning["max_tokens"])

	// max_tokens below the budget is raised to budget plus headroom.
	assert.Equal(t, float64(8000+reasoningHeadroom), decoded["max_tokens"])
}

func TestTranslate_ThinkingDisabledIsIgnored(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [],
		"thinking": {"type": "disabled"}
	}`)

	_, ok := decoded["reasoning"]
	assert.False(t, ok)
}

func TestTranslate_CacheBreakpointsOnAnthropicTargets(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "claude-sonnet-4",
		"system": "Be brief.",
		"messages": [
			{"role": "user", "content": "first"},
			{"role": "user", "content": "last"}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 3)

	system := messages[0].(map[string]any)
	sysBlocks, ok := system["content"].([]any)
	require.True(t, ok, "string content is wrapped so cache_control can ride on it")
	assert.NotNil(t, sysBlocks[0].(map[string]any)["cache_control"])

	middle := messages[1].(map[string]any)
	assert.Equal(t, "first", middle["content"], "only the last message gets a breakpoint")

	last := messages[2].(map[string]any)
	lastBlocks := last["content"].([]any)
	assert.NotNil(t, lastBlocks[0].(map[string]any)["cache_control"])
}

func TestTranslate_NoCacheBreakpointsOffAnthropicTargets(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"system": "Be brief.",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	for _, m := range messagesOf(t, decoded) {
		content := m.(map[string]any)["content"]
		_, isString := content.(string)
		assert.True(t, isString)
	}
}

func TestTranslate_DropsUnmatchedToolCall(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_answered", "name": "f", "input": {}},
				{"type": "tool_use", "id": "toolu_dangling", "name": "g", "input": {}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_answered", "content": "ok"},
				{"type": "text", "text": "continue"}
			]}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 3)

	assistant := messages[0].(map[string]any)
	toolCalls := assistant["tool_calls"].([]any)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_answered", toolCalls[0].(map[string]any)["id"])
}

func TestTranslate_DropsOrphanToolResult(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_ghost", "content": "nobody asked"},
				{"type": "text", "text": "hello"}
			]}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestTranslate_DropsAssistantEmptiedByToolTrim(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_only", "name": "f", "input": {}}
			]},
			{"role": "user", "content": "no result followed"}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestTranslate_ToolAdjacencySkipsToolMessagesOnly(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_a", "name": "f", "input": {}},
				{"type": "tool_use", "id": "toolu_b", "name": "g", "input": {}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_a", "content": "ra"},
				{"type": "tool_result", "tool_use_id": "toolu_b", "content": "rb"}
			]}
		]
	}`)

	messages := messagesOf(t, decoded)
	require.Len(t, messages, 3)

	toolCalls := messages[0].(map[string]any)["tool_calls"].([]any)
	assert.Len(t, toolCalls, 2)
}

func TestTranslate_MetaCarriesCacheControlAndStream(t *testing.T) {
	_, meta := translate(t, `{
		"model": "claude-sonnet-4",
		"stream": true,
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "hi", "cache_control": {"type": "ephemeral", "ttl": "1h"}}
		]}]
	}`)

	assert.True(t, meta.Stream)
	assert.Equal(t, cachecontrol.TTL1h, meta.CacheControl.TTLMode)
}

func TestTranslate_PassthroughFields(t *testing.T) {
	decoded, _ := translate(t, `{
		"model": "gpt-4o",
		"temperature": 0.3,
		"top_p": 0.9,
		"max_tokens": 512,
		"tool_choice": {"type": "auto"},
		"messages": []
	}`)

	assert.Equal(t, 0.3, decoded["temperature"])
	assert.Equal(t, 0.9, decoded["top_p"])
	assert.Equal(t, float64(512), decoded["max_tokens"])
	assert.Equal(t, map[string]any{"type": "auto"}, decoded["tool_choice"])
}

func jsonInt(v int) string {
	b, _ := json.Marshal(v)
	return string(b)
}
