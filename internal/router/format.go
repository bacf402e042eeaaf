package router

import (
	"regexp"
	"strings"
	"time"

	"crabstack.local/projects/crab-claw/internal/store"
)

const internalOpen = "<internal>"

var internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func EscapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// FormatMessages renders a batch as the agent prompt.
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		b.WriteString(`<message sender="`)
		b.WriteString(EscapeXML(name))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp.UTC().Format(time.RFC3339Nano))
		b.WriteString(`">`)
		b.WriteString(EscapeXML(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// StripInternal removes <internal> sections and trims the rest. An empty
// result means nothing should be delivered.
func StripInternal(raw string) string {
	return strings.TrimSpace(internalBlock.ReplaceAllString(raw, ""))
}

// StripStreaming is StripInternal for text that is still growing. An
// unterminated <internal> section and a trailing partial opening tag are
// held back as well.
func StripStreaming(raw string) string {
	text := internalBlock.ReplaceAllString(raw, "")
	if i := strings.Index(text, internalOpen); i >= 0 {
		text = text[:i]
	}
	for n := len(internalOpen) - 1; n > 0; n-- {
		if strings.HasSuffix(text, internalOpen[:n]) {
			text = text[:len(text)-n]
			break
		}
	}
	return strings.TrimSpace(text)
}

// CompileTrigger turns a conversation's trigger word into a leading-match
// pattern. An empty word yields fallback.
func CompileTrigger(word string, fallback *regexp.Regexp) *regexp.Regexp {
	word = strings.TrimSpace(word)
	if word == "" {
		return fallback
	}
	pattern := `(?i)^` + regexp.QuoteMeta(word)
	if last := word[len(word)-1]; isWordByte(last) {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func anyTriggered(msgs []store.Message, trigger *regexp.Regexp) bool {
	if trigger == nil {
		return true
	}
	for _, m := range msgs {
		if trigger.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
