package knowledge

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

//nolint:gochecknoglobals // compiled once
var (
	wordPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)
	// pathPattern matches slash paths and .go file names mentioned in free text.
	pathPattern = regexp.MustCompile(`[A-Za-z0-9_.\-]+(?:/[A-Za-z0-9_.\-]+)+/?|[A-Za-z0-9_\-]+/|[A-Za-z0-9_\-]+\.go\b`)

	stopWords = map[string]bool{
		"the": true, "an": true, "and": true, "or": true, "but": true, "in": true,
		"on": true, "at": true, "to": true, "for": true, "of": true, "with": true,
		"by": true, "from": true, "as": true, "is": true, "are": true, "was": true,
		"were": true, "be": true, "been": true, "have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true, "will": true, "would": true, "should": true,
		"could": true, "may": true, "might": true, "must": true, "can": true, "this": true,
		"that": true, "these": true, "those": true, "it": true, "we": true, "they": true,
		"what": true, "which": true, "who": true, "when": true, "where": true, "why": true,
		"how": true, "go": true, "func": true, "add": true, "make": true, "new": true,
	}
)

// Tokenize splits text into lowercase identifier tokens. CamelCase and snake_case words are
// split into their parts; stop words and single characters are dropped. Order follows first
// occurrence and tokens are unique.
func Tokenize(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, word := range wordPattern.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) < 2 || stopWords[lower] || seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, lower)
		}
	}
	return out
}

// MentionedPaths returns the slash paths (files or directories) mentioned in text, cleaned and
// de-duplicated in ascending order.
func MentionedPaths(text string) []string {
	seen := make(map[string]bool)
	for _, m := range pathPattern.FindAllString(text, -1) {
		p := path.Clean(strings.TrimPrefix(strings.TrimSuffix(m, "/"), "./"))
		if p != "." && p != "" {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// splitIdentifier breaks "parseHTTPRequest_v2" into [parse HTTP Request v2 parseHTTPRequestv2].
func splitIdentifier(word string) []string {
	var parts []string
	for _, chunk := range strings.Split(word, "_") {
		if chunk == "" {
			continue
		}
		runes := []rune(chunk)
		start := 0
		for i := 1; i < len(runes); i++ {
			prev, cur := runes[i-1], runes[i]
			boundary := unicode.IsLower(prev) && unicode.IsUpper(cur) ||
				i+1 < len(runes) && unicode.IsUpper(prev) && unicode.IsUpper(cur) && unicode.IsLower(runes[i+1])
			if boundary {
				parts = append(parts, string(runes[start:i]))
				start = i
			}
		}
		parts = append(parts, string(runes[start:]))
	}
	// Keep the whole identifier too so exact names match strongly.
	if len(parts) > 1 {
		parts = append(parts, strings.ReplaceAll(word, "_", ""))
	}
	return parts
}

// nodeTokens derives the lexical tokens a node is matched on.
func nodeTokens(n *Node) []string {
	text := n.Name
	if n.Package != "" && n.Package != "." {
		text += " " + path.Base(n.Package)
	}
	return Tokenize(text)
}
