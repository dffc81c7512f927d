package translator

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mihaisavezi/claude-gate/internal/cachecontrol"
)

// reasoningHeadroom is added on top of a reasoning token budget so the model
// keeps room to answer after it is done thinking.
const reasoningHeadroom = 1024

var allowedImageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type RequestTranslator struct {
	logger *slog.Logger
}

func NewRequestTranslator(logger *slog.Logger) *RequestTranslator {
	return &RequestTranslator{logger: logger}
}

// Translate maps an Anthropic Messages request body to a chat-completions
// request body. Image shape violations return a *ClientError; all other
// malformed input degrades to the most permissive translation possible.
func (t *RequestTranslator) Translate(body []byte) ([]byte, Meta, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, Meta{}, &ClientError{Message: fmt.Sprintf("invalid JSON request body: %v", err)}
	}

	model, _ := req["model"].(string)
	stream, _ := req["stream"].(bool)

	meta := Meta{
		CacheControl: cachecontrol.Classify(req),
		Model:        resolveModel(model),
		Stream:       stream,
	}

	out := map[string]any{
		"model": meta.Model,
		// Ask the upstream for cost-bearing usage accounting.
		"usage": map[string]any{"include": true},
	}

	for _, field := range []string{"temperature", "top_p", "max_tokens", "stream", "tool_choice"} {
		if v, ok := req[field]; ok {
			out[field] = v
		}
	}

	messages := t.systemMessages(req["system"])

	flattened, err := t.flattenMessages(req["messages"])
	if err != nil {
		return nil, meta, err
	}

	messages = append(messages, flattened...)
	messages = validateToolPairing(messages, t.logger)

	if tools, ok := req["tools"].([]any); ok {
		out["tools"] = translateTools(tools)
	}

	t.applyReasoning(out, req["thinking"])

	if isAnthropicModel(meta.Model) {
		applyCacheBreakpoints(messages)
	}

	out["messages"] = messages

	outBody, err := json.Marshal(out)
	if err != nil {
		return nil, meta, fmt.Errorf("marshal translated request: %w", err)
	}

	return outBody, meta, nil
}

// systemMessages turns the system parameter into one leading system message
// per item. Array items keep block form so a cache breakpoint can ride on
// the last block.
func (t *RequestTranslator) systemMessages(system any) []any {
	switch sys := system.(type) {
	case string:
		if sys == "" {
			return nil
		}

		return []any{map[string]any{"role": "system", "content": sys}}
	case []any:
		var messages []any

		for _, item := range sys {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}

			text, _ := block["text"].(string)
			messages = append(messages, map[string]any{
				"role": "system",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			})
		}

		return messages
	default:
		return nil
	}
}

func (t *RequestTranslator) flattenMessages(raw any) ([]any, error) {
	inbound, ok := raw.([]any)
	if !ok {
		// Missing or malformed messages degrade to an empty list; the
		// gateway stays maximally permissive.
		return []any{}, nil
	}

	messages := make([]any, 0, len(inbound))

	for _, m := range inbound {
		msgMap, ok := m.(map[string]any)
		if !ok {
			continue
		}

		role, _ := msgMap["role"].(string)

		content, isArray := msgMap["content"].([]any)
		if !isArray {
			// Plain string content passes through as a single message.
			if text, ok := msgMap["content"].(string); ok {
				messages = append(messages, map[string]any{"role": role, "content": text})
			}

			continue
		}

		switch role {
		case "assistant":
			if msg := flattenAssistant(content); msg != nil {
				messages = append(messages, msg)
			}
		default:
			userMsgs, err := t.flattenUser(role, content)
			if err != nil {
				return nil, err
			}

			messages = append(messages, userMsgs...)
		}
	}

	return messages, nil
}

// flattenAssistant maps an assistant content-block array to one
// chat-completions message: text (string or part array), tool_calls, and a
// reasoning_details side array preserving thinking order and signatures.
func flattenAssistant(content []any) map[string]any {
	var (
		parts            []any
		textBlocks       int
		onlyText         = true
		toolCalls        []any
		reasoningDetails []any
	)

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		switch blockMap["type"] {
		case "text":
			text, _ := blockMap["text"].(string)
			parts = append(parts, map[string]any{"type": "text", "text": text})
			textBlocks++
		case "image":
			// Assistant images ride along as parts; validation applies to
			// user images only, matching inbound traffic shape.
			if img, err := translateImage(blockMap); err == nil {
				parts = append(parts, img)
				onlyText = false
			}
		case "tool_use":
			if tc := translateToolUse(blockMap); tc != nil {
				toolCalls = append(toolCalls, tc)
			}
		case "thinking":
			text, _ := blockMap["thinking"].(string)
			entry := map[string]any{"type": "reasoning.text", "text": text}

			if sig, ok := blockMap["signature"].(string); ok && sig != "" {
				entry["signature"] = sig
			}

			reasoningDetails = append(reasoningDetails, entry)
		case "redacted_thinking":
			data, _ := blockMap["data"].(string)
			reasoningDetails = append(reasoningDetails, map[string]any{
				"type": "reasoning.encrypted",
				"data": data,
			})
		}
		// Unknown tags are dropped, never fatal.
	}

	msg := map[string]any{"role": "assistant"}

	switch {
	case textBlocks == 1 && onlyText && len(parts) == 1:
		msg["content"] = parts[0].(map[string]any)["text"]
	case len(parts) > 0:
		msg["content"] = parts
	default:
		msg["content"] = ""
	}

	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	if len(reasoningDetails) > 0 {
		msg["reasoning_details"] = reasoningDetails
	}

	if msg["content"] == "" && len(toolCalls) == 0 && len(reasoningDetails) == 0 {
		return nil
	}

	return msg
}

// flattenUser maps a user content-block array to one tool message per
// tool_result followed by the user message. The source protocol embeds
// tool_result blocks inside the user turn; the target protocol requires tool
// messages to directly follow the assistant tool_calls they answer, so they
// are emitted ahead of the user text even when the source interleaved them.
func (t *RequestTranslator) flattenUser(role string, content []any) ([]any, error) {
	var (
		parts      []any
		textBlocks int
		onlyText   = true
		toolMsgs   []any
	)

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		switch blockMap["type"] {
		case "text":
			text, _ := blockMap["text"].(string)
			parts = append(parts, map[string]any{"type": "text", "text": text})
			textBlocks++
		case "image":
			img, err := translateImage(blockMap)
			if err != nil {
				return nil, err
			}

			parts = append(parts, img)
			onlyText = false
		case "tool_result":
			toolUseID, _ := blockMap["tool_use_id"].(string)
			toolMsgs = append(toolMsgs, map[string]any{
				"role":         "tool",
				"tool_call_id": convertToolCallID(toolUseID),
				"content":      stringifyToolResult(blockMap["content"]),
			})
		}
	}

	var messages []any

	switch {
	case textBlocks == 1 && onlyText && len(parts) == 1:
		messages = append(messages, map[string]any{"role": role, "content": parts[0].(map[string]any)["text"]})
	case len(parts) > 0:
		messages = append(messages, map[string]any{"role": role, "content": parts})
	}

	return append(toolMsgs, messages...), nil
}

// translateImage validates an Anthropic image source and produces an
// image_url part. Shape violations are client errors, never silent drops.
func translateImage(block map[string]any) (map[string]any, error) {
	source, ok := block["source"].(map[string]any)
	if !ok {
		return nil, &ClientError{Message: "image block is missing its source"}
	}

	kind, _ := source["type"].(string)

	switch kind {
	case "url":
		url, _ := source["url"].(string)
		if url == "" {
			return nil, &ClientError{Message: "image url source requires a non-empty url"}
		}

		return imageURLPart(url), nil
	case "base64":
		mediaType, _ := source["media_type"].(string)
		if !allowedImageMediaTypes[mediaType] {
			return nil, &ClientError{Message: fmt.Sprintf("unsupported image media type: %q", mediaType)}
		}

		data, _ := source["data"].(string)
		if data == "" {
			return nil, &ClientError{Message: "base64 image source requires non-empty data"}
		}

		return imageURLPart("data:" + mediaType + ";base64," + data), nil
	case "file":
		return nil, &ClientError{Message: "file-backed image sources cannot be forwarded upstream"}
	default:
		return nil, &ClientError{Message: fmt.Sprintf("unsupported image source type: %q", kind)}
	}
}

func imageURLPart(url string) map[string]any {
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": url},
	}
}

func translateToolUse(block map[string]any) map[string]any {
	id, _ := block["id"].(string)
	name, _ := block["name"].(string)

	if id == "" || name == "" {
		return nil
	}

	arguments := "{}"
	if input := block["input"]; input != nil {
		if b, err := json.Marshal(input); err == nil {
			arguments = string(b)
		}
	}

	return map[string]any{
		"id":   convertToolCallID(id),
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": arguments,
		},
	}
}

// stringifyToolResult flattens a tool_result content payload to a string:
// string content passes through, block arrays concatenate their text, and
// anything else is serialized.
func stringifyToolResult(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var text string

		for _, block := range c {
			if blockMap, ok := block.(map[string]any); ok {
				if t, ok := blockMap["text"].(string); ok {
					text += t
				}
			}
		}

		if text != "" {
			return text
		}
	}

	if content == nil {
		return ""
	}

	b, err := json.Marshal(content)
	if err != nil {
		return ""
	}

	return string(b)
}

// translateTools maps Anthropic tool definitions to function tools.
func translateTools(tools []any) []any {
	out := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		name, ok := toolMap["name"].(string)
		if !ok || name == "" {
			continue
		}

		function := map[string]any{"name": name}

		if desc, ok := toolMap["description"].(string); ok {
			function["description"] = desc
		}

		if schema, ok := toolMap["input_schema"]; ok {
			function["parameters"] = schema
		}

		out = append(out, map[string]any{
			"type":     "function",
			"function": function,
		})
	}

	return out
}

// applyReasoning maps the thinking control to the target reasoning control.
// Anthropic-family targets take a literal max-token budget; other targets
// take an effort tier. Either way the outbound max_tokens is forced above
// the budget so the model can still answer.
func (t *RequestTranslator) applyReasoning(out map[string]any, thinking any) {
	thinkMap, ok := thinking.(map[string]any)
	if !ok {
		return
	}

	enabled := thinkMap["type"] == "enabled"
	if v, ok := thinkMap["enabled"].(bool); ok && v {
		enabled = true
	}

	if !enabled {
		return
	}

	budget, hasBudget := thinkMap["budget_tokens"].(float64)
	if !hasBudget || budget <= 0 {
		out["reasoning"] = map[string]any{"enabled": true}
		return
	}

	model, _ := out["model"].(string)
	if isAnthropicModel(model) {
		out["reasoning"] = map[string]any{"max_tokens": int(budget)}
	} else {
		out["reasoning"] = map[string]any{"effort": effortTier(int(budget))}
	}

	maxTokens, _ := out["max_tokens"].(float64)
	if maxTokens <= budget {
		out["max_tokens"] = int(budget) + reasoningHeadroom
	}
}

func effortTier(budget int) string {
	switch {
	case budget < 4096:
		return "low"
	case budget < 16384:
		return "medium"
	default:
		return "high"
	}
}

// applyCacheBreakpoints annotates two ephemeral cache breakpoints: the last
// system content block (amortizes the static system+tools prefix) and the
// last text-bearing block of the last non-system message (amortizes
// incremental conversation growth). Only text blocks are annotated.
func applyCacheBreakpoints(messages []any) {
	var lastSystem map[string]any

	for _, m := range messages {
		msgMap, ok := m.(map[string]any)
		if !ok {
			continue
		}

		if msgMap["role"] == "system" {
			lastSystem = msgMap
		}
	}

	if lastSystem != nil {
		annotateLastTextBlock(lastSystem)
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msgMap, ok := messages[i].(map[string]any)
		if !ok || msgMap["role"] == "system" {
			continue
		}

		if annotateLastTextBlock(msgMap) {
			break
		}
	}
}

// annotateLastTextBlock adds an ephemeral cache_control marker to the last
// text block of a message, converting string content to block form when
// needed. Returns false when the message carries no text to annotate.
func annotateLastTextBlock(msg map[string]any) bool {
	switch content := msg["content"].(type) {
	case string:
		if content == "" {
			return false
		}

		msg["content"] = []any{map[string]any{
			"type":          "text",
			"text":          content,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}

		return true
	case []any:
		for i := len(content) - 1; i >= 0; i-- {
			block, ok := content[i].(map[string]any)
			if !ok {
				continue
			}

			if block["type"] == "text" {
				block["cache_control"] = map[string]any{"type": "ephemeral"}
				return true
			}
		}
	}

	return false
}

// validateToolPairing drops dangling tool references from the assembled
// message list: assistant tool_calls without an adjacent matching tool
// message, and tool messages without a preceding assistant owner. Adjacency
// may skip over other tool messages but never over a non-tool message.
// Upstream chat-completions APIs reject either kind of orphan.
func validateToolPairing(messages []any, logger *slog.Logger) []any {
	survivingCalls := make(map[string]bool)

	// First pass: trim assistant tool_calls to those answered by the run of
	// tool messages that immediately follows.
	for i, m := range messages {
		msgMap, ok := m.(map[string]any)
		if !ok || msgMap["role"] != "assistant" {
			continue
		}

		toolCalls, ok := msgMap["tool_calls"].([]any)
		if !ok || len(toolCalls) == 0 {
			continue
		}

		answered := make(map[string]bool)

		for j := i + 1; j < len(messages); j++ {
			next, ok := messages[j].(map[string]any)
			if !ok || next["role"] != "tool" {
				break
			}

			if id, ok := next["tool_call_id"].(string); ok {
				answered[id] = true
			}
		}

		kept := make([]any, 0, len(toolCalls))

		for _, tc := range toolCalls {
			tcMap, ok := tc.(map[string]any)
			if !ok {
				continue
			}

			id, _ := tcMap["id"].(string)
			if answered[id] {
				kept = append(kept, tc)
				survivingCalls[id] = true
			} else if logger != nil {
				logger.Debug("Dropping unmatched tool call", "id", id)
			}
		}

		if len(kept) > 0 {
			msgMap["tool_calls"] = kept
		} else {
			delete(msgMap, "tool_calls")
		}
	}

	// Second pass: keep tool messages whose owner call survived, and drop
	// assistant messages that the trim emptied out.
	out := make([]any, 0, len(messages))

	for _, m := range messages {
		msgMap, ok := m.(map[string]any)
		if !ok {
			out = append(out, m)
			continue
		}

		switch msgMap["role"] {
		case "tool":
			id, _ := msgMap["tool_call_id"].(string)
			if survivingCalls[id] {
				out = append(out, m)
			} else if logger != nil {
				logger.Debug("Dropping orphan tool result", "tool_call_id", id)
			}
		case "assistant":
			content, _ := msgMap["content"].(string)
			_, hasParts := msgMap["content"].([]any)
			_, hasCalls := msgMap["tool_calls"]
			_, hasReasoning := msgMap["reasoning_details"]

			if content == "" && !hasParts && !hasCalls && !hasReasoning {
				continue
			}

			out = append(out, m)
		default:
			out = append(out, m)
		}
	}

	return out
}
