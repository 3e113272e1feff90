package telegram

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	maxMessageLength = 4096
	maxTopicName     = 128
)

func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxMessageLength
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// normalizeOutbound converts HTML-looking agent output to Markdown so tags
// render instead of leaking into the chat verbatim.
func normalizeOutbound(text string) string {
	if !looksLikeHTML(text) {
		return text
	}
	md, err := htmltomarkdown.ConvertString(text)
	if err != nil {
		return text
	}
	return strings.TrimSpace(md)
}

func looksLikeHTML(s string) bool {
	for _, tag := range []string{"</", "<p>", "<br", "<div", "<pre>", "<code>"} {
		if strings.Contains(s, tag) {
			return true
		}
	}
	return false
}

// truncateTopicName enforces the API's topic name limit, counting runes so
// multi-byte names stay valid.
func truncateTopicName(name string) string {
	runes := []rune(name)
	if len(runes) <= maxTopicName {
		return name
	}
	return string(runes[:maxTopicName-1]) + "…"
}
