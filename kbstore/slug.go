package kbstore

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultSlugMaxLen   = 100
	DefaultSummaryRunes = 200
)

// Slugify derives a URL-safe slug from title. Letters and digits of any
// script (Han included) are kept, other punctuation is dropped, whitespace,
// underscores, hyphens and dots collapse to a single "-", and the result is
// lower-cased and cut to maxLen runes. An empty result becomes "section".
func Slugify(title string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSlugMaxLen
	}
	title = norm.NFKC.String(title)

	var sb strings.Builder
	pendingSep := false
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('-')
			}
			pendingSep = false
			sb.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r) || r == '_' || r == '-' || r == '.':
			// Dots separate section numbers: "2.1" must not become "21".
			pendingSep = true
		}
	}

	slug := sb.String()
	if utf8.RuneCountInString(slug) > maxLen {
		slug = string([]rune(slug)[:maxLen])
	}
	return finishSlug(slug)
}

func finishSlug(s string) string {
	s = strings.Trim(s, "-")
	if s == "" {
		return "section"
	}
	return s
}

var (
	mdImage     = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	htmlTag     = regexp.MustCompile(`<[^>]*>`)
	mdTableRule = regexp.MustCompile(`(?m)^\s*\|?(?:\s*:?-{3,}:?\s*\|)+\s*:?-*:?\s*$`)
	mdMarkers   = strings.NewReplacer("#", "", "*", "", "`", "", "|", " ", ">", "", "[", "", "]", "")
)

// Summary returns the first n runes of body as plain text: images, links,
// tags and Markdown markers stripped, whitespace collapsed. "..." is
// appended when the text was cut.
func Summary(body string, n int) string {
	if n <= 0 {
		n = DefaultSummaryRunes
	}
	s := mdImage.ReplaceAllString(body, "")
	s = htmlTag.ReplaceAllString(s, " ")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdTableRule.ReplaceAllString(s, "")
	s = mdMarkers.Replace(s)
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
