package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Model output rarely arrives clean: fenced code blocks, reasoning preambles
// and slightly broken JSON are all routine. The helpers here normalize output
// before callers attempt to decode it.

var (
	fenceOpenPattern     = regexp.MustCompile("```(?:json|markdown|html)?\\s*")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// StripFences removes markdown code-fence wrappers from text.
func StripFences(text string) string {
	text = fenceOpenPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// RemoveReasoning drops any preamble before the first '{' or '['. Models
// often narrate before emitting the JSON they were asked for.
func RemoveReasoning(text string) string {
	if i := strings.IndexAny(text, "{["); i >= 0 {
		return strings.TrimSpace(text[i:])
	}
	return strings.TrimSpace(text)
}

// CleanJSONOutput applies the standard normalization for JSON-shaped output:
// strip fences, then drop the reasoning preamble.
func CleanJSONOutput(text string) string {
	return RemoveReasoning(StripFences(text))
}

// RepairJSON attempts to turn almost-JSON into valid JSON. It fixes trailing
// commas, balances braces and brackets, and escapes unescaped interior
// quotes. Returns the repaired text and whether it now parses.
func RepairJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return text, true
	}

	fixed := trailingCommaPattern.ReplaceAllString(text, "$1")
	if json.Valid([]byte(fixed)) {
		return fixed, true
	}

	fixed = escapeInteriorQuotes(fixed)
	if json.Valid([]byte(fixed)) {
		return fixed, true
	}

	fixed = balanceDelimiters(fixed)
	if json.Valid([]byte(fixed)) {
		return fixed, true
	}
	return text, false
}

// escapeInteriorQuotes walks the text with an in_string flag. A '"' inside a
// string only terminates it when the next non-space character is ':', ','
// or '}'; any other '"' is content and gets escaped.
func escapeInteriorQuotes(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	inString := false
	escaped := false

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if escaped {
			sb.WriteRune(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			sb.WriteRune(ch)
			escaped = true
			continue
		}
		if ch != '"' {
			sb.WriteRune(ch)
			continue
		}

		if !inString {
			inString = true
			sb.WriteRune(ch)
			continue
		}

		// Inside a string: decide whether this quote closes it.
		j := i + 1
		for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\n' || runes[j] == '\r') {
			j++
		}
		if j >= len(runes) {
			inString = false
			sb.WriteRune(ch)
			continue
		}
		switch runes[j] {
		case ':', ',', '}':
			inString = false
			sb.WriteRune(ch)
		default:
			sb.WriteString(`\"`)
		}
	}
	return sb.String()
}

// balanceDelimiters appends missing closers for unbalanced '{' and '['.
// Delimiters inside string values are ignored.
func balanceDelimiters(text string) string {
	var stack []rune
	inString := false
	escaped := false

	for _, ch := range text {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(text)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			sb.WriteRune('}')
		} else {
			sb.WriteRune(']')
		}
	}
	return sb.String()
}

// DecodeObject cleans, repairs and decodes a JSON object from raw model
// output. It returns false when no object can be recovered.
func DecodeObject(raw string, target any) bool {
	cleaned := CleanJSONOutput(raw)
	if cleaned == "" {
		return false
	}
	if json.Unmarshal([]byte(cleaned), target) == nil {
		return true
	}
	repaired, ok := RepairJSON(cleaned)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(repaired), target) == nil
}
