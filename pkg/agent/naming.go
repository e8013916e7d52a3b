package agent

import (
	"regexp"
	"strings"
)

// nameSeparators splits a prompt line into candidate tokens. Dots, slashes
// and punctuation all separate tokens; they never terminate the line.
var nameSeparators = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// nameStopWords are common filler words excluded from generated names.
var nameStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "your": true, "are": true,
	"was": true, "were": true, "will": true, "have": true, "has": true,
	"had": true, "you": true, "all": true, "can": true, "please": true,
}

// maxNameBody caps the token portion so the full name (body + "-" + 6 hex
// chars) stays within 40 characters.
const maxNameBody = 33

// GenerateNameFromPrompt derives a stable human-readable name from the
// prompt's first line and the agent id. Pure function of (prompt, id);
// output charset is [a-z0-9-].
func GenerateNameFromPrompt(prompt, id string) string {
	hex := hexOnly(id)

	line, _, _ := strings.Cut(prompt, "\n")
	var tokens []string
	for _, tok := range nameSeparators.Split(line, -1) {
		tok = strings.ToLower(tok)
		if len(tok) < 3 || nameStopWords[tok] {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == 3 {
			break
		}
	}

	if len(tokens) == 0 {
		return "agent-" + firstN(hex, 8)
	}

	body := strings.Join(tokens, "-")
	if len(body) > maxNameBody {
		body = strings.TrimRight(body[:maxNameBody], "-")
	}
	return body + "-" + firstN(hex, 6)
}

// hexOnly keeps the id's hex digits, lowercased, dropping dashes.
func hexOnly(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
