package llm

import "strings"

// CleanJSONBlock strips a markdown code fence around a JSON document and any
// chatter before the first '{' or after the matching last '}'.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// Drop a language tag such as "json" on the fence line.
		if idx := strings.Index(text, "\n"); idx >= 0 {
			tag := text[:idx]
			if len(tag) < 20 && !strings.ContainsAny(tag, " {[") {
				text = text[idx+1:]
			}
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start > 0 {
		open := text[start]
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		if end := strings.LastIndexByte(text, closer); end > start {
			text = text[start : end+1]
		}
	}
	return text
}
