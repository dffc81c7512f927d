// Package translator converts between the Anthropic Messages wire protocol
// and the OpenRouter chat-completions protocol, in both directions and in
// both buffered and streaming form.
package translator

import (
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-gate/internal/cachecontrol"
)

// ClientError marks a malformed or unsupported request shape. It is surfaced
// to the caller as an invalid_request_error and never forwarded upstream.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

func (e *ClientError) StatusCode() int {
	return http.StatusBadRequest
}

// Meta is the translation metadata captured at request time and threaded
// through to the response and streaming translators. It travels as an
// explicit return value, never as hidden state on the wire objects.
type Meta struct {
	CacheControl cachecontrol.Metadata
	Model        string
	Stream       bool
}

// modelKeywordTable maps Anthropic-style model names to OpenRouter ids.
// Versioned configuration, not logic: expect churn as upstream names evolve.
var modelKeywordTable = []struct {
	keyword string
	target  string
}{
	{"haiku", "anthropic/claude-3.5-haiku"},
	{"sonnet", "anthropic/claude-sonnet-4"},
	{"opus", "anthropic/claude-opus-4"},
}

// resolveModel passes namespaced ids through unchanged and applies the
// keyword table to bare Anthropic names. Unrecognized names pass through.
func resolveModel(model string) string {
	if strings.Contains(model, "/") {
		return model
	}

	lower := strings.ToLower(model)
	for _, entry := range modelKeywordTable {
		if strings.Contains(lower, entry.keyword) {
			return entry.target
		}
	}

	return model
}

// isAnthropicModel reports whether the target honors ephemeral cache
// breakpoints.
func isAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "anthropic/")
}

// convertToolCallID maps Anthropic tool_use ids to chat-completions call ids.
func convertToolCallID(id string) string {
	if strings.HasPrefix(id, "call_") {
		return id
	}

	if strings.HasPrefix(id, "toolu_") {
		return "call_" + strings.TrimPrefix(id, "toolu_")
	}

	return id
}

// convertToolUseID maps chat-completions call ids back to Anthropic form.
func convertToolUseID(id string) string {
	if strings.HasPrefix(id, "toolu_") {
		return id
	}

	if strings.HasPrefix(id, "call_") {
		return "toolu_" + strings.TrimPrefix(id, "call_")
	}

	return "toolu_" + id
}
