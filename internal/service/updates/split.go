package updates

import (
	"strings"
	"unicode"
)

// minPartLen is the shortest fragment kept as a split part. Shorter pieces
// ("Steps:", "Note.") carry no knowledge on their own.
const minPartLen = 20

// SplitText breaks the text of a knowledge item into self-contained parts.
// It splits on list items at line starts, sentence boundaries, numbered
// items like "(1)" and, when every piece is substantial, semicolons.
func SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := []string{text}
	for _, pass := range []func(string) []string{splitListItems, splitSentences, splitNumbered, splitSemicolons} {
		var next []string
		for _, p := range pieces {
			next = append(next, pass(p)...)
		}
		pieces = next
	}

	var parts []string
	for _, p := range pieces {
		if p = strings.TrimSpace(p); len(p) >= minPartLen {
			parts = append(parts, p)
		}
	}
	return parts
}

func isListLine(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) <= 2 {
		return false
	}
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return true
	}
	// "1. " and "12) " style steps.
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(line) && (line[i] == '.' || line[i] == ')') && line[i+1] == ' '
}

func stripListMarker(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:])
	}
	if i := strings.IndexAny(line, ".)"); i > 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// splitListItems returns each list line as its own piece. Prose between
// items is joined into one piece.
func splitListItems(text string) []string {
	lines := strings.Split(text, "\n")
	hasList := false
	for _, l := range lines {
		if isListLine(l) {
			hasList = true
			break
		}
	}
	if !hasList {
		return []string{text}
	}

	var out []string
	var prose strings.Builder
	flush := func() {
		if s := strings.TrimSpace(prose.String()); s != "" {
			out = append(out, s)
		}
		prose.Reset()
	}
	for _, l := range lines {
		if isListLine(l) {
			flush()
			out = append(out, stripListMarker(l))
			continue
		}
		if prose.Len() > 0 {
			prose.WriteByte(' ')
		}
		prose.WriteString(strings.TrimSpace(l))
	}
	flush()
	return out
}

// splitSentences splits after . ! or ? when followed by a space and then an
// uppercase letter, digit, quote or parenthesis. "e.g. the" and "6.5" stay
// intact.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	emit := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
	}
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && runes[j] == ' ' {
			j++
		}
		switch {
		case j >= len(runes):
			emit(i + 1)
			start = j
		case j == i+1:
		default:
			next := runes[j]
			if unicode.IsUpper(next) || unicode.IsDigit(next) || next == '(' || next == '"' || next == '\'' {
				emit(i + 1)
				start = j
			}
		}
	}
	if start < len(runes) {
		emit(len(runes))
	}
	return out
}

// splitNumbered splits "first (1) a (2) b" into "first", "(1) a", "(2) b".
func splitNumbered(s string) []string {
	runes := []rune(s)
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(runes); i++ {
		if runes[i] == '(' && i+2 < len(runes) && unicode.IsDigit(runes[i+1]) {
			j := i + 1
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			if j < len(runes) && runes[j] == ')' {
				if before := strings.TrimSpace(cur.String()); before != "" {
					parts = append(parts, before)
				}
				cur.Reset()
				cur.WriteString(string(runes[i : j+1]))
				i = j
				continue
			}
		}
		cur.WriteRune(runes[i])
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		parts = append(parts, rest)
	}
	if len(parts) <= 1 {
		return []string{s}
	}
	return parts
}

func splitSemicolons(s string) []string {
	if !strings.Contains(s, ";") {
		return []string{s}
	}
	raw := strings.Split(s, ";")
	for _, p := range raw {
		if len(strings.TrimSpace(p)) < minPartLen {
			return []string{s}
		}
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// textOf returns the first non-empty text field of an item's content.
func textOf(content map[string]any) string {
	for _, k := range []string{"content", "answer", "text", "description"} {
		if s, ok := content[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
