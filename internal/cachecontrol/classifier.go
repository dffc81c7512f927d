// Package cachecontrol classifies the cache-control annotations carried by an
// inbound Anthropic-format request: which TTL tiers were requested, whether
// any untyped ephemeral markers appeared, and where each marker came from.
// The result is derived once per request and never mutated afterwards.
package cachecontrol

import "fmt"

// TTLMode is the effective cache retention classification for a request.
type TTLMode string

const (
	TTL5m    TTLMode = "5m"
	TTL1h    TTLMode = "1h"
	TTLMixed TTLMode = "mixed"
)

// Metadata is the classifier output, threaded through to the response and
// streaming translators and into billing inference.
type Metadata struct {
	TTLMode                TTLMode
	ExplicitTTLs           map[string]bool
	SawEphemeralWithoutTTL bool
	SawCacheControl        bool
	Sources                []string
}

// Classify scans a decoded request body for cache_control markers in system
// blocks, message content blocks, and tool definitions. Classification is
// direction-independent; the default with no annotations is the 5m tier.
func Classify(req map[string]any) Metadata {
	meta := Metadata{
		ExplicitTTLs: make(map[string]bool),
	}

	if system, ok := req["system"].([]any); ok {
		for i, item := range system {
			if block, ok := item.(map[string]any); ok {
				meta.observe(block, fmt.Sprintf("system[%d]", i))
			}
		}
	}

	if messages, ok := req["messages"].([]any); ok {
		for i, msg := range messages {
			msgMap, ok := msg.(map[string]any)
			if !ok {
				continue
			}

			meta.observe(msgMap, fmt.Sprintf("messages[%d]", i))

			if content, ok := msgMap["content"].([]any); ok {
				for j, block := range content {
					if blockMap, ok := block.(map[string]any); ok {
						meta.observe(blockMap, fmt.Sprintf("messages[%d].content[%d]", i, j))
					}
				}
			}
		}
	}

	if tools, ok := req["tools"].([]any); ok {
		for i, tool := range tools {
			if toolMap, ok := tool.(map[string]any); ok {
				meta.observe(toolMap, fmt.Sprintf("tools[%d]", i))
			}
		}
	}

	meta.TTLMode = meta.resolveMode()

	return meta
}

func (m *Metadata) observe(block map[string]any, source string) {
	cc, ok := block["cache_control"].(map[string]any)
	if !ok {
		return
	}

	m.SawCacheControl = true
	m.Sources = append(m.Sources, source)

	ttl, hasTTL := cc["ttl"].(string)

	switch {
	case hasTTL && (ttl == "5m" || ttl == "1h"):
		m.ExplicitTTLs[ttl] = true
	default:
		// "ephemeral" with no ttl field, or an unrecognized ttl value.
		m.SawEphemeralWithoutTTL = true
	}
}

// resolveMode applies the TTL precedence rule: a 1h marker combined with any
// 5m or untyped marker is ambiguous; a pure 1h request is 1h; everything
// else, including the unannotated default, is 5m.
func (m *Metadata) resolveMode() TTLMode {
	saw1h := m.ExplicitTTLs["1h"]
	saw5mOrUntyped := m.ExplicitTTLs["5m"] || m.SawEphemeralWithoutTTL

	switch {
	case saw1h && saw5mOrUntyped:
		return TTLMixed
	case saw1h:
		return TTL1h
	default:
		return TTL5m
	}
}
