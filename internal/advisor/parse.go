package advisor

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

type rawDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Body     string `json:"body"`
}

// parseDecision turns whatever the model produced into a Decision. It
// tolerates code fences, leading prose, and truncated JSON; when nothing
// can be salvaged it returns a DROP with an explanatory reason.
func parseDecision(content string, logger *zap.Logger) Decision {
	raw, err := safeJSONParse(content)
	if err != nil {
		logger.Warn("AI returned non-JSON content", zap.String("content", truncate(content, 200)))
		partial, ok := extractPartialFields(content)
		if !ok {
			return Decision{Decision: DecisionDrop, Reason: "Invalid AI response"}
		}
		raw = partial
	}
	return Decision{Decision: raw.Decision, Reason: raw.Reason, Body: raw.Body}
}

// safeJSONParse strips code-fence wrappers and extracts the first balanced
// {...} substring before unmarshalling.
func safeJSONParse(text string) (rawDecision, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		parts := strings.Split(text, "```")
		if len(parts) > 1 {
			text = parts[1]
		}
		text = strings.TrimPrefix(text, "json")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end != -1 && end > start {
		text = text[start : end+1]
	}

	var raw rawDecision
	err := json.Unmarshal([]byte(text), &raw)
	return raw, err
}

// extractPartialFields scans broken JSON for the decision/reason/body
// string fields. It handles escape sequences and an unterminated final
// string, which is the common shape of a truncated completion.
func extractPartialFields(text string) (rawDecision, bool) {
	var raw rawDecision
	found := false

	if v, ok := extractStringField(text, "decision"); ok {
		raw.Decision = v
		found = true
	}
	if v, ok := extractStringField(text, "reason"); ok {
		raw.Reason = v
		found = true
	}
	if v, ok := extractStringField(text, "body"); ok {
		raw.Body = v
		found = true
	}
	return raw, found
}

func extractStringField(text, name string) (string, bool) {
	marker := `"` + name + `"`
	idx := strings.Index(text, marker)
	if idx == -1 {
		return "", false
	}

	rest := text[idx+len(marker):]
	rest = strings.TrimLeft(rest, " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}
	rest = rest[1:]

	var value string
	escaped := false
	terminated := false
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			value = rest[:i]
			terminated = true
			break
		}
	}
	if !terminated {
		value = rest
	}
	if value == "" && !terminated {
		return "", false
	}

	// Re-quote so JSON escape sequences decode properly.
	var decoded string
	if err := json.Unmarshal([]byte(`"`+value+`"`), &decoded); err != nil {
		return strings.TrimRight(value, `\`), true
	}
	return decoded, true
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
