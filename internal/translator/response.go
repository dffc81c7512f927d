package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-gate/internal/billing"
)

type ResponseTranslator struct {
	engine *billing.Engine
	logger *slog.Logger
}

func NewResponseTranslator(engine *billing.Engine, logger *slog.Logger) *ResponseTranslator {
	return &ResponseTranslator{engine: engine, logger: logger}
}

// Translate maps a complete chat-completions response to an Anthropic
// message object. The billing result rides back as an explicit sidecar so
// the dispatcher can surface cost detail without touching the wire shape.
func (t *ResponseTranslator) Translate(ctx context.Context, body []byte, meta Meta) ([]byte, billing.Result, error) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, billing.Result{}, fmt.Errorf("unmarshal upstream response: %w", err)
	}

	out := map[string]any{
		"type": "message",
		"role": "assistant",
	}

	if id, ok := resp["id"]; ok {
		out["id"] = id
	} else {
		out["id"] = "msg_" + uuid.NewString()
	}

	model := meta.Model
	if m, ok := resp["model"].(string); ok && m != "" {
		model = m
	}

	out["model"] = model

	var content []any

	stopReason := "end_turn"

	if choices, ok := resp["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				content = t.assembleContent(message)
			}

			if reason, ok := choice["finish_reason"].(string); ok && reason == "tool_calls" {
				stopReason = "tool_use"
			}
		}
	}

	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	out["content"] = content
	out["stop_reason"] = stopReason
	out["stop_sequence"] = nil

	var usage billing.UpstreamUsage
	if raw, ok := resp["usage"]; ok {
		decodeUsage(raw, &usage)
	}

	bill := t.engine.Infer(ctx, usage, model, meta.CacheControl)
	out["usage"] = bill.Usage

	wire, err := json.Marshal(out)
	if err != nil {
		return nil, bill, fmt.Errorf("marshal translated response: %w", err)
	}

	return wire, bill, nil
}

// assembleContent builds the content block list in its fixed order:
// web-search results first, then the reasoning trace, then text, then tool
// calls.
func (t *ResponseTranslator) assembleContent(message map[string]any) []any {
	var content []any

	if annotations, ok := message["annotations"].([]any); ok && len(annotations) > 0 {
		content = append(content, webSearchBlocks(annotations)...)
	}

	if details, ok := message["reasoning_details"].([]any); ok && len(details) > 0 {
		content = append(content, reasoningBlocks(details)...)
	} else if reasoning, ok := message["reasoning"].(string); ok && reasoning != "" {
		content = append(content, map[string]any{"type": "thinking", "thinking": reasoning})
	}

	if text, ok := message["content"].(string); ok && text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}

	if toolCalls, ok := message["tool_calls"].([]any); ok {
		for _, tc := range toolCalls {
			tcMap, ok := tc.(map[string]any)
			if !ok {
				continue
			}

			if block := t.toolUseBlock(tcMap); block != nil {
				content = append(content, block)
			}
		}
	}

	return content
}

// webSearchBlocks aggregates all citations into one server_tool_use block
// immediately followed by one web_search_tool_result block.
func webSearchBlocks(annotations []any) []any {
	var results []any

	for _, a := range annotations {
		annMap, ok := a.(map[string]any)
		if !ok {
			continue
		}

		citation, ok := annMap["url_citation"].(map[string]any)
		if !ok {
			continue
		}

		result := map[string]any{"type": "web_search_result"}

		if url, ok := citation["url"]; ok {
			result["url"] = url
		}

		if title, ok := citation["title"]; ok {
			result["title"] = title
		}

		results = append(results, result)
	}

	if len(results) == 0 {
		return nil
	}

	toolUseID := "srvtoolu_" + uuid.NewString()

	return []any{
		map[string]any{
			"type":  "server_tool_use",
			"id":    toolUseID,
			"name":  "web_search",
			"input": map[string]any{},
		},
		map[string]any{
			"type":        "web_search_tool_result",
			"tool_use_id": toolUseID,
			"content":     results,
		},
	}
}

// reasoningBlocks replays the reasoning detail array in original order,
// mapping encrypted entries to redacted_thinking and text entries to
// thinking blocks carrying any signature.
func reasoningBlocks(details []any) []any {
	var blocks []any

	for _, d := range details {
		entry, ok := d.(map[string]any)
		if !ok {
			continue
		}

		if isEncryptedReasoning(entry) {
			data, _ := entry["data"].(string)
			blocks = append(blocks, map[string]any{"type": "redacted_thinking", "data": data})

			continue
		}

		text, _ := entry["text"].(string)
		block := map[string]any{"type": "thinking", "thinking": text}

		if sig, ok := entry["signature"].(string); ok && sig != "" {
			block["signature"] = sig
		}

		blocks = append(blocks, block)
	}

	return blocks
}

func isEncryptedReasoning(entry map[string]any) bool {
	if kind, ok := entry["type"].(string); ok {
		if kind == "reasoning.encrypted" {
			return true
		}
	}

	_, hasData := entry["data"].(string)
	_, hasText := entry["text"].(string)

	return hasData && !hasText
}

// toolUseBlock maps a tool call to a tool_use block. An argument parse
// failure yields an empty object, not an error.
func (t *ResponseTranslator) toolUseBlock(toolCall map[string]any) map[string]any {
	function, ok := toolCall["function"].(map[string]any)
	if !ok {
		return nil
	}

	id, _ := toolCall["id"].(string)
	name, _ := function["name"].(string)
	arguments, _ := function["arguments"].(string)

	input := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &input); err != nil {
			t.logger.Warn("Failed to parse tool call arguments, defaulting to empty input",
				"tool_call_id", id, "error", err)

			input = map[string]any{}
		}
	}

	return map[string]any{
		"type":  "tool_use",
		"id":    convertToolUseID(id),
		"name":  name,
		"input": input,
	}
}

// decodeUsage re-marshals a decoded usage object into the typed upstream
// usage struct. Decode failures leave the zero value; billing then degrades
// on its own terms.
func decodeUsage(raw any, usage *billing.UpstreamUsage) {
	b, err := json.Marshal(raw)
	if err != nil {
		return
	}

	_ = json.Unmarshal(b, usage)
}
