package pulse

import (
	"fmt"
	"sort"
	"strings"
)

// Headline is the one-line human summary used by text channels (social, SMS, Telegram).
func Headline(ev Event) string {
	var b strings.Builder
	b.WriteString(prefixForSeverity(ev.Severity))
	switch ev.Type {
	case EventGlyphDetected:
		b.WriteString("Glyph detected")
	case EventVaultActivity:
		b.WriteString("Vault activity")
	case EventMint:
		b.WriteString("New mint")
	default:
		b.WriteString(string(ev.Type))
	}
	if title, ok := ev.Data["title"].(string); ok && strings.TrimSpace(title) != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(title))
	}
	return b.String()
}

// Body renders the headline plus the flat data fields, sorted by key, one per line.
// Nested values are printed with %v.
func Body(ev Event) string {
	var b strings.Builder
	b.WriteString(Headline(ev))
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		if k == "title" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %v", k, ev.Data[k])
	}
	fmt.Fprintf(&b, "\n\nevent %s at %s", ev.ID, ev.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
	return b.String()
}

// Truncate cuts s to at most n runes, ending with "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func prefixForSeverity(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
