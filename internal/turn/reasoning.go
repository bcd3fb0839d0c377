package turn

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultReasoningType labels segments found outside any typed node.
const DefaultReasoningType = "reasoning"

// reasoningKeys are the object keys that hold nested reasoning, in priority
// order. The first one present wins.
var reasoningKeys = []string{"text", "content", "message", "summary", "reasoning", "thinking", "value", "delta"}

// NormalizeReasoning flattens a reasoning payload of any shape into ordered
// segments. Strings and numbers become text. Lists are flattened. Objects
// recurse into their first reasoning key, or are serialised whole when they
// have none. Each segment carries the nearest enclosing "type" label.
// Duplicate (type, text) pairs are dropped.
func NormalizeReasoning(v any) []ReasoningSegment {
	n := normalizer{seen: make(map[ReasoningSegment]bool)}
	n.walk(v, DefaultReasoningType)
	return n.out
}

type normalizer struct {
	out  []ReasoningSegment
	seen map[ReasoningSegment]bool
}

func (n *normalizer) emit(typ, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	seg := ReasoningSegment{Type: typ, Text: text}
	if n.seen[seg] {
		return
	}
	n.seen[seg] = true
	n.out = append(n.out, seg)
}

func (n *normalizer) walk(v any, typ string) {
	switch x := v.(type) {
	case nil:
	case string:
		n.emit(typ, x)
	case json.Number:
		n.emit(typ, x.String())
	case float64:
		n.emit(typ, strconv.FormatFloat(x, 'f', -1, 64))
	case float32:
		n.emit(typ, strconv.FormatFloat(float64(x), 'f', -1, 32))
	case int:
		n.emit(typ, strconv.Itoa(x))
	case int64:
		n.emit(typ, strconv.FormatInt(x, 10))
	case []any:
		for _, item := range x {
			n.walk(item, typ)
		}
	case []string:
		for _, item := range x {
			n.emit(typ, item)
		}
	case []ReasoningSegment:
		for _, seg := range x {
			n.emit(seg.Type, seg.Text)
		}
	case map[string]any:
		if t, ok := x["type"].(string); ok && t != "" {
			typ = t
		}
		for _, k := range reasoningKeys {
			if child, ok := x[k]; ok && child != nil {
				n.walk(child, typ)
				return
			}
		}
		n.emit(typ, marshal(x))
	default:
		// Typed payloads from provider SDKs: round-trip through JSON so they
		// are walked like decoded objects.
		data, err := json.Marshal(x)
		if err != nil {
			return
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return
		}
		switch decoded.(type) {
		case map[string]any, []any, string:
			n.walk(decoded, typ)
		default:
			n.emit(typ, string(data))
		}
	}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
