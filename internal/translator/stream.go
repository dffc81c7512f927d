package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaisavezi/claude-gate/internal/billing"
)

// blockKind is the kind of content block currently open in the output
// stream. The translator is an explicit state machine over this value plus a
// single shared block index.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamTranslator re-frames a chat-completions SSE byte stream into an
// Anthropic SSE byte stream. Input bytes may arrive at arbitrary chunk
// boundaries; only whole `data:` lines are parsed, in strict input order,
// which keeps the emitted block index sequence deterministic.
type StreamTranslator struct {
	meta   Meta
	engine *billing.Engine
	logger *slog.Logger

	buf []byte // incomplete trailing line carried across reads

	started   bool
	finished  bool
	kind      blockKind
	index     int // index of the currently open block
	nextIndex int // index the next opened block takes

	messageID string
	model     string

	toolID string // id of the tool call currently being streamed

	sawAnnotations bool
	finishReason   string

	usage billing.UpstreamUsage

	result *billing.Result
}

func NewStreamTranslator(meta Meta, engine *billing.Engine, logger *slog.Logger) *StreamTranslator {
	return &StreamTranslator{
		meta:   meta,
		engine: engine,
		logger: logger,
	}
}

// Feed consumes the next chunk of upstream bytes and returns the translated
// events ready to be written downstream. A `[DONE]` sentinel inside the
// chunk finalizes the stream.
func (t *StreamTranslator) Feed(ctx context.Context, p []byte) []byte {
	if t.finished {
		return nil
	}

	t.buf = append(t.buf, p...)

	var events []byte

	for {
		nl := bytes.IndexByte(t.buf, '\n')
		if nl < 0 {
			break
		}

		line := strings.TrimRight(string(t.buf[:nl]), "\r")
		t.buf = t.buf[nl+1:]

		events = append(events, t.processLine(ctx, line)...)

		if t.finished {
			break
		}
	}

	return events
}

// Finish closes whatever block is still open and emits the final
// message_delta (stop reason + usage) and message_stop. Safe to call after
// an upstream disconnect: it finalizes with the usage snapshot accumulated
// so far. Idempotent.
func (t *StreamTranslator) Finish(ctx context.Context) []byte {
	if t.finished {
		return nil
	}

	t.finished = true

	var events []byte

	if !t.started {
		events = append(events, t.messageStart()...)
	}

	endedInToolUse := t.kind == blockToolUse

	t.closeBlock(&events)

	stopReason := "end_turn"
	if t.finishReason == "tool_calls" || endedInToolUse {
		stopReason = "tool_use"
	}

	model := t.model
	if model == "" {
		model = t.meta.Model
	}

	bill := t.engine.Infer(ctx, t.usage, model, t.meta.CacheControl)
	t.result = &bill

	events = append(events, formatSSEEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": bill.Usage,
	})...)

	events = append(events, formatSSEEvent("message_stop", map[string]any{
		"type": "message_stop",
	})...)

	return events
}

// Done reports whether the stream has been finalized.
func (t *StreamTranslator) Done() bool {
	return t.finished
}

// Billing returns the final billing result, available once the stream has
// been finalized.
func (t *StreamTranslator) Billing() *billing.Result {
	return t.result
}

func (t *StreamTranslator) processLine(ctx context.Context, line string) []byte {
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}

	data = strings.TrimSpace(data)

	if data == "[DONE]" {
		return t.Finish(ctx)
	}

	var chunk map[string]any
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		// A malformed frame is skipped, never fatal to the stream.
		t.logger.Warn("Skipping unparsable stream frame", "error", err)
		return nil
	}

	return t.processChunk(chunk)
}

func (t *StreamTranslator) processChunk(chunk map[string]any) []byte {
	if id, ok := chunk["id"].(string); ok && t.messageID == "" {
		t.messageID = id
	}

	if model, ok := chunk["model"].(string); ok && t.model == "" {
		t.model = model
	}

	var events []byte

	if !t.started {
		events = append(events, t.messageStart()...)
	}

	// Every frame carrying usage replaces the running snapshot; the last
	// snapshot seen is the one that feeds billing.
	if raw, ok := chunk["usage"].(map[string]any); ok {
		var snapshot billing.UpstreamUsage

		decodeUsage(raw, &snapshot)
		t.usage = snapshot
	}

	choices, ok := chunk["choices"].([]any)
	if !ok || len(choices) == 0 {
		return events
	}

	choice, ok := choices[0].(map[string]any)
	if !ok {
		return events
	}

	if delta, ok := choice["delta"].(map[string]any); ok {
		if details, ok := delta["reasoning_details"].([]any); ok && len(details) > 0 {
			events = append(events, t.handleReasoningDetails(details)...)
		} else if reasoning, ok := delta["reasoning"].(string); ok && reasoning != "" {
			events = append(events, t.handleReasoningText(reasoning, "")...)
		}

		if toolCalls, ok := delta["tool_calls"].([]any); ok && len(toolCalls) > 0 {
			events = append(events, t.handleToolCalls(toolCalls)...)
		}

		if content, ok := delta["content"].(string); ok && content != "" {
			events = append(events, t.handleText(content)...)
		}

		if annotations, ok := delta["annotations"].([]any); ok && len(annotations) > 0 {
			events = append(events, t.handleAnnotations(annotations)...)
		}
	}

	if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
		// Recorded, not emitted: the single message_delta goes out at end of
		// stream with the final usage snapshot.
		t.finishReason = reason
	}

	return events
}

func (t *StreamTranslator) messageStart() []byte {
	t.started = true

	id := t.messageID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	model := t.model
	if model == "" {
		model = t.meta.Model
	}

	return formatSSEEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
		},
	})
}

// closeBlock emits content_block_stop for the open block, if any.
func (t *StreamTranslator) closeBlock(events *[]byte) {
	if t.kind == blockNone {
		return
	}

	*events = append(*events, formatSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.index,
	})...)

	t.kind = blockNone
}

// openBlock closes the open block, advances the shared index, and emits
// content_block_start for the new block.
func (t *StreamTranslator) openBlock(kind blockKind, contentBlock map[string]any, events *[]byte) {
	t.closeBlock(events)

	t.index = t.nextIndex
	t.nextIndex++
	t.kind = kind

	*events = append(*events, formatSSEEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         t.index,
		"content_block": contentBlock,
	})...)
}

// emitSelfContained emits a start+stop pair at its own index without
// changing the machine state. The caller must have closed any open block.
func (t *StreamTranslator) emitSelfContained(contentBlock map[string]any, events *[]byte) {
	index := t.nextIndex
	t.nextIndex++

	*events = append(*events, formatSSEEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": contentBlock,
	})...)
	*events = append(*events, formatSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})...)
}

func (t *StreamTranslator) handleReasoningDetails(details []any) []byte {
	var events []byte

	for _, d := range details {
		entry, ok := d.(map[string]any)
		if !ok {
			continue
		}

		if isEncryptedReasoning(entry) {
			data, _ := entry["data"].(string)

			t.closeBlock(&events)
			t.emitSelfContained(map[string]any{
				"type": "redacted_thinking",
				"data": data,
			}, &events)

			continue
		}

		text, _ := entry["text"].(string)
		signature, _ := entry["signature"].(string)
		events = append(events, t.handleReasoningText(text, signature)...)
	}

	return events
}

func (t *StreamTranslator) handleReasoningText(text, signature string) []byte {
	var events []byte

	if t.kind != blockThinking {
		t.openBlock(blockThinking, map[string]any{
			"type":     "thinking",
			"thinking": "",
		}, &events)
	}

	if text != "" {
		events = append(events, formatSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.index,
			"delta": map[string]any{
				"type":     "thinking_delta",
				"thinking": text,
			},
		})...)
	}

	if signature != "" {
		events = append(events, formatSSEEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.index,
			"delta": map[string]any{
				"type":      "signature_delta",
				"signature": signature,
			},
		})...)
	}

	return events
}

func (t *StreamTranslator) handleToolCalls(toolCalls []any) []byte {
	var events []byte

	if t.kind == blockThinking {
		t.closeBlock(&events)
	}

	for _, tc := range toolCalls {
		tcMap, ok := tc.(map[string]any)
		if !ok {
			continue
		}

		id, _ := tcMap["id"].(string)

		var name, arguments string

		if function, ok := tcMap["function"].(map[string]any); ok {
			name, _ = function["name"].(string)
			arguments, _ = function["arguments"].(string)
		}

		// A new id starts a new tool_use block; fragments for the tracked id
		// stream into the open block.
		if id != "" && id != t.toolID {
			t.toolID = id
			t.openBlock(blockToolUse, map[string]any{
				"type":  "tool_use",
				"id":    convertToolUseID(id),
				"name":  name,
				"input": map[string]any{},
			}, &events)
		}

		if arguments != "" && t.kind == blockToolUse {
			// Raw partial JSON, concatenated client-side; the gateway never
			// parses or validates it.
			events = append(events, formatSSEEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": t.index,
				"delta": map[string]any{
					"type":         "input_json_delta",
					"partial_json": arguments,
				},
			})...)
		}
	}

	return events
}

func (t *StreamTranslator) handleText(text string) []byte {
	var events []byte

	if t.kind != blockText {
		t.openBlock(blockText, map[string]any{
			"type": "text",
			"text": "",
		}, &events)
	}

	events = append(events, formatSSEEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.index,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	})...)

	return events
}

// handleAnnotations emits a self-contained web_search_tool_result pair per
// citation. Processed at most once per stream.
func (t *StreamTranslator) handleAnnotations(annotations []any) []byte {
	if t.sawAnnotations {
		return nil
	}

	t.sawAnnotations = true

	var events []byte

	t.closeBlock(&events)

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

		t.emitSelfContained(map[string]any{
			"type":        "web_search_tool_result",
			"tool_use_id": "srvtoolu_" + uuid.NewString(),
			"content":     []any{result},
		}, &events)
	}

	return events
}

func formatSSEEvent(eventType string, data map[string]any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal event\"}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, jsonData))
}
